// README: Struct validation for service commands (go-playground/validator with json field names).
package validation

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"tarhal/internal/modules/pricing"
)

var (
	validate *validator.Validate
	once     sync.Once

	vtMu         sync.RWMutex
	vehicleTypes = namesOf(pricing.DefaultTable().VehicleTypes())
)

// SetVehicleTypes replaces the set accepted by the vehicle_type tag with the
// fare table actually loaded at startup.
func SetVehicleTypes(vts []pricing.VehicleType) {
	names := namesOf(vts)
	vtMu.Lock()
	vehicleTypes = names
	vtMu.Unlock()
}

func namesOf(vts []pricing.VehicleType) []string {
	out := make([]string, 0, len(vts))
	for _, vt := range vts {
		out = append(out, string(vt))
	}
	return out
}

func isVehicleType(v string) bool {
	vtMu.RLock()
	defer vtMu.RUnlock()
	for _, name := range vehicleTypes {
		if name == v {
			return true
		}
	}
	return false
}

func vehicleTypeList() string {
	vtMu.RLock()
	defer vtMu.RUnlock()
	return strings.Join(vehicleTypes, ", ")
}

func get() *validator.Validate {
	once.Do(func() {
		// Required struct fields must not be their zero value, so an omitted
		// pickup is rejected rather than read as (0,0).
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = validate.RegisterValidation("vehicle_type", func(fl validator.FieldLevel) bool {
			return isVehicleType(fl.Field().String())
		})
		_ = validate.RegisterValidation("latitude", func(fl validator.FieldLevel) bool {
			lat := fl.Field().Float()
			return lat >= -90 && lat <= 90
		})
		_ = validate.RegisterValidation("longitude", func(fl validator.FieldLevel) bool {
			lng := fl.Field().Float()
			return lng >= -180 && lng <= 180
		})
	})
	return validate
}

// ErrInvalid matches every validation failure via errors.Is.
var ErrInvalid = errors.New("validation failed")

// FieldError is a single rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every rejected field of one struct.
type Errors []FieldError

func (ve Errors) Error() string {
	var sb strings.Builder
	for i, e := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(e.Field)
		sb.WriteString(" ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

func (ve Errors) Is(target error) bool {
	return target == ErrInvalid
}

// Struct validates s and returns Errors on rejection.
func Struct(s interface{}) error {
	err := get().Struct(s)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	out := make(Errors, 0, len(ve))
	for _, e := range ve {
		out = append(out, FieldError{Field: e.Field(), Message: message(e)})
	}
	return out
}

func message(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "latitude":
		return "must be a valid latitude (-90 to 90)"
	case "longitude":
		return "must be a valid longitude (-180 to 180)"
	case "vehicle_type":
		return "must be one of: " + vehicleTypeList()
	case "oneof":
		return "must be one of: " + e.Param()
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "gt":
		return "must be greater than " + e.Param()
	case "gte":
		return "must be greater than or equal to " + e.Param()
	default:
		return "is invalid"
	}
}
