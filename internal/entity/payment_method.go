package entity

import (
	"fmt"
	"time"
)

const PaymentTypeCard = "card"

type PaymentMethod struct {
	ID            string            `json:"id" db:"id"`
	UserID        string            `json:"user_id" db:"user_id"`
	Type          string            `json:"type" db:"type"`
	Provider      string            `json:"provider" db:"provider"`
	ProviderToken string            `json:"provider_token" db:"provider_token"`
	DisplayName   string            `json:"display_name" db:"display_name"`
	Brand         string            `json:"brand" db:"brand"`
	Last4         string            `json:"last4" db:"last4"`
	ExpMonth      int               `json:"exp_month" db:"exp_month"`
	ExpYear       int               `json:"exp_year" db:"exp_year"`
	HolderName    string            `json:"holder_name" db:"holder_name"`
	IsActive      bool              `json:"is_active" db:"is_active"`
	IsDefault     bool              `json:"is_default" db:"is_default"`
	Metadata      map[string]string `json:"metadata" db:"metadata"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// PaymentMethodDetails is what a user submits to register a funding
// instrument. Raw card fields go to the provider only and are never stored.
type PaymentMethodDetails struct {
	Type       string
	Provider   string
	CardNumber string
	ExpMonth   int
	ExpYear    int
	CVC        string
	HolderName string
	Metadata   map[string]string
}

func DisplayName(brand, last4 string) string {
	return fmt.Sprintf("%s ****%s", brand, last4)
}

// IsCardExpired reports whether a card expiring at expYear/expMonth is
// past its expiry month relative to now.
func IsCardExpired(expMonth, expYear int, now time.Time) bool {
	year, month := now.Year(), int(now.Month())
	return expYear < year || (expYear == year && expMonth < month)
}

func (pm *PaymentMethod) IsExpired(now time.Time) bool {
	if pm.Type != PaymentTypeCard {
		return false
	}
	return IsCardExpired(pm.ExpMonth, pm.ExpYear, now)
}

// Usable reports whether the method may be charged at now.
func (pm *PaymentMethod) Usable(now time.Time) bool {
	return pm.IsActive && !pm.IsExpired(now)
}
