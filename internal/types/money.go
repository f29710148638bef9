// README: Common value objects shared across modules (ids, points, money).
package types

// Currency used for every fare and balance in the system.
const CurrencySDG = "SDG"

type ID string

type Point struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

// Valid reports whether the point lies within WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func SDG(amount int64) Money {
	return Money{Amount: amount, Currency: CurrencySDG}
}
