/**
 * @description
 * Core domain models for the loyalty ledger: member accounts and the stores
 * (points of sale) that submit earn and redeem requests.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a loyalty-program member's balance record.
// CurrentBalance is never negative once a ledger operation has committed.
type Account struct {
	ID                 uuid.UUID `json:"id"`
	CurrentBalance     int64     `json:"current_balance"`
	TotalPurchaseCount int64     `json:"total_purchase_count"`
	TotalSaved         int64     `json:"total_saved"`
	LastActivity       time.Time `json:"last_activity"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Store represents a point of sale. The ledger only checks that it exists.
type Store struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	IsActive bool      `json:"is_active"`
}
