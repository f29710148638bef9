// README: Driver handlers: profile, availability, location stream, device token, wallet, stats and emergencies.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tarhal/internal/modules/driver"
	"tarhal/internal/modules/location"
	"tarhal/internal/modules/ride"
	"tarhal/internal/types"
)

type DriverHandler struct {
	drivers  *driver.Service
	location *location.Service
	rides    *ride.Service
}

func NewDriverHandler(drivers *driver.Service, loc *location.Service, rides *ride.Service) *DriverHandler {
	return &DriverHandler{drivers: drivers, location: loc, rides: rides}
}

type registerDriverReq struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	VehicleType  string `json:"vehicle_type"`
	VehicleModel string `json:"vehicle_model"`
	VehiclePlate string `json:"vehicle_plate"`
}

type updateProfileReq struct {
	Name         *string `json:"name"`
	Phone        *string `json:"phone"`
	VehicleModel *string `json:"vehicle_model"`
	VehiclePlate *string `json:"vehicle_plate"`
}

type emergencyReq struct {
	Type    string `json:"type"`
	Details string `json:"details"`
}

type setStatusReq struct {
	Online *bool `json:"online"`
}

type locationReq struct {
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	RecordedAt *time.Time `json:"recorded_at"`
}

type deviceTokenReq struct {
	Token string `json:"token"`
}

type withdrawReq struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

// Register creates the calling driver's account; the id is the caller's uid.
func (h *DriverHandler) Register(c *gin.Context) {
	var req registerDriverReq
	if !bindJSON(c, &req) {
		return
	}
	d, err := h.drivers.Register(c.Request.Context(), driver.RegisterCommand{
		ID:           caller(c),
		Name:         req.Name,
		Phone:        req.Phone,
		VehicleType:  req.VehicleType,
		VehicleModel: req.VehicleModel,
		VehiclePlate: req.VehiclePlate,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, d)
}

func (h *DriverHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, err := h.drivers.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

// UpdateProfile patches name, phone and vehicle details.
func (h *DriverHandler) UpdateProfile(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req updateProfileReq
	if !bindJSON(c, &req) {
		return
	}
	d, err := h.drivers.UpdateProfile(c.Request.Context(), driver.UpdateProfileCommand{
		ID:           id,
		Name:         req.Name,
		Phone:        req.Phone,
		VehicleModel: req.VehicleModel,
		VehiclePlate: req.VehiclePlate,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (h *DriverHandler) Emergency(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req emergencyReq
	if !bindJSON(c, &req) {
		return
	}
	e, err := h.drivers.RequestEmergency(c.Request.Context(), driver.EmergencyCommand{
		DriverID: id,
		Type:     req.Type,
		Details:  req.Details,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, e)
}

// Deactivate soft-deletes the calling driver's account.
func (h *DriverHandler) Deactivate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.drivers.Deactivate(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DriverHandler) SetStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req setStatusReq
	if !bindJSON(c, &req) {
		return
	}
	if req.Online == nil {
		writeError(c, http.StatusBadRequest, "online is required")
		return
	}
	d, err := h.drivers.SetOnline(c.Request.Context(), id, *req.Online)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

// UpdateLocation accepts one sample of the driver's location stream.
func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req locationReq
	if !bindJSON(c, &req) {
		return
	}
	u := location.Update{DriverID: id, Position: types.Point{Lat: req.Lat, Lng: req.Lng}}
	if req.RecordedAt != nil {
		u.RecordedAt = *req.RecordedAt
	}
	if err := h.location.Update(c.Request.Context(), u); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DriverHandler) DeviceToken(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req deviceTokenReq
	if !bindJSON(c, &req) {
		return
	}
	if err := h.drivers.RegisterDeviceToken(c.Request.Context(), id, req.Token); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DriverHandler) Withdraw(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req withdrawReq
	if !bindJSON(c, &req) {
		return
	}
	w, err := h.drivers.Withdraw(c.Request.Context(), driver.WithdrawCommand{
		DriverID: id,
		Amount:   req.Amount,
		Method:   req.Method,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, w)
}

func (h *DriverHandler) Withdrawals(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ws, err := h.drivers.Withdrawals(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"withdrawals": ws})
}

func (h *DriverHandler) Rides(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, offset := page(c)
	// ?active=true narrows to rides the driver is still on.
	active, _ := strconv.ParseBool(c.Query("active"))
	rides, err := h.rides.History(c.Request.Context(), ride.HistoryQuery{
		DriverID:   id,
		ActiveOnly: active,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": rides})
}

func (h *DriverHandler) Stats(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	st, err := h.drivers.Stats(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}
