package core

import (
	"errors"
	"strings"
	"time"
)

const (
	Petrol   FuelType = "Petrol"
	Diesel   FuelType = "Diesel"
	Electric FuelType = "Electric"
	Hybrid   FuelType = "Hybrid"
)

// DateLayout is the wire format for refuel-log dates. Dates stay strings
// end to end because ISO-8601 date strings sort lexicographically in
// chronological order, which the filtering code relies on.
const DateLayout = "2006-01-02"

type (
	FuelType string

	Car struct {
		ID           int64    `json:"id"`
		Brand        string   `json:"brand"`
		Model        string   `json:"model"`
		VIN          string   `json:"vin"`
		LicencePlate string   `json:"licencePlate"`
		Color        string   `json:"color,omitempty"`
		FuelType     FuelType `json:"fuelType"`
		Description  string   `json:"description,omitempty"`
		IsArchived   bool     `json:"isArchived"`
	}

	RefuelLog struct {
		ID           int64    `json:"id"`
		UserID       int64    `json:"userId"`
		CarID        int64    `json:"carId"`
		Date         string   `json:"date"` // YYYY-MM-DD
		Mileage      float64  `json:"mileage"`
		Liters       float64  `json:"liters"`
		Price        float64  `json:"price"`
		CurrencyID   int64    `json:"currencyId"`
		StationBrand string   `json:"stationBrand"`
		Comments     string   `json:"comments,omitempty"`
		Lat          *float64 `json:"lat,omitempty"`
		Lon          *float64 `json:"lon,omitempty"`
	}

	Currency struct {
		ID   int64  `json:"currencyId"`
		Code string `json:"currencyCode"`
		Name string `json:"currencyName"`
	}

	User struct {
		ID                  int64  `json:"id"`
		Username            string `json:"username"`
		DisplayName         string `json:"displayName"`
		Email               string `json:"email"`
		IsDisabled          bool   `json:"isDisabled"`
		PrimaryCarID        int64  `json:"primaryCarId,omitempty"`
		PreferredCurrencyID int64  `json:"preferredCurrencyId"`
	}
)

var (
	ErrInvalidDate     = errors.New("invalid date")
	ErrInvalidMileage  = errors.New("mileage must be non-negative")
	ErrInvalidLiters   = errors.New("liters must be positive")
	ErrInvalidPrice    = errors.New("price must be non-negative")
	ErrMissingCar      = errors.New("missing car reference")
	ErrInvalidFuelType = errors.New("invalid fuel type")
	ErrEmptyBrand      = errors.New("empty brand")
	ErrEmptyModel      = errors.New("empty model")
	ErrEmptyUsername   = errors.New("empty username")
	ErrInvalidEmail    = errors.New("invalid email")
)

func (f FuelType) Valid() bool {
	switch f {
	case Petrol, Diesel, Electric, Hybrid:
		return true
	}
	return false
}

func (c Car) Validate() error {
	if strings.TrimSpace(c.Brand) == "" {
		return ErrEmptyBrand
	}
	if strings.TrimSpace(c.Model) == "" {
		return ErrEmptyModel
	}
	if !c.FuelType.Valid() {
		return ErrInvalidFuelType
	}
	return nil
}

// HasLocation reports whether the log carries a usable coordinate pair.
// A log with only one of lat/lon set is treated as having no location.
func (l RefuelLog) HasLocation() bool {
	return l.Lat != nil && l.Lon != nil
}

// YearMonth returns the log's "YYYY-MM" bucket. It reports false when the
// date field cannot be parsed to at least month precision; callers skip
// such records instead of failing the whole collection.
func (l RefuelLog) YearMonth() (string, bool) {
	if len(l.Date) < 7 {
		return "", false
	}
	if _, err := time.Parse("2006-01", l.Date[:7]); err != nil {
		return "", false
	}
	return l.Date[:7], true
}

func (l RefuelLog) Validate() error {
	if _, err := time.Parse(DateLayout, l.Date); err != nil {
		return ErrInvalidDate
	}
	if l.CarID <= 0 {
		return ErrMissingCar
	}
	if l.Mileage < 0 {
		return ErrInvalidMileage
	}
	if l.Liters <= 0 {
		return ErrInvalidLiters
	}
	if l.Price < 0 {
		return ErrInvalidPrice
	}
	return nil
}

func (u User) Validate() error {
	if strings.TrimSpace(u.Username) == "" {
		return ErrEmptyUsername
	}
	if u.Email != "" && !ValidEmail(u.Email) {
		return ErrInvalidEmail
	}
	return nil
}

// ValidEmail performs the same lightweight shape check the login and
// profile forms use: one "@", a dot in the domain, no whitespace.
func ValidEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return false
	}
	local, domain := s[:at], s[at+1:]
	if strings.ContainsAny(local, " \t@") || strings.ContainsAny(domain, " \t@") {
		return false
	}
	dot := strings.IndexByte(domain, '.')
	return dot > 0 && dot < len(domain)-1
}
