package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the direction of a ledger record.
type TransactionType string

const (
	TransactionTypeEarn  TransactionType = "earn"
	TransactionTypeSpend TransactionType = "spend"
)

// Origin values describe which ledger path produced a record.
const (
	OriginPurchase         = "purchase"
	OriginRedemption       = "redemption"
	OriginCashback         = "cashback"
	OriginManualAdjustment = "manual_adjustment"
	OriginExpiration       = "expiration"
	OriginWelcomeBonus     = "welcome_bonus"
)

// TransactionRecord is one append-only row of an account's history.
// Amount is always positive; Type carries the sign.
type TransactionRecord struct {
	ID             int64             `json:"id"`
	AccountID      uuid.UUID         `json:"account_id"`
	StoreID        *uuid.UUID        `json:"store_id,omitempty"`
	Type           TransactionType   `json:"type"`
	Amount         int64             `json:"amount"`
	PurchaseAmount *decimal.Decimal  `json:"purchase_amount,omitempty"`
	Origin         string            `json:"origin"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// BalanceMutation describes one atomic change to an account: a signed delta on
// the balance, counter increments and the records that explain it.
//
// RequiredBalance is the minimum balance the row must hold before the delta is
// applied. MinLastActivity, when non-zero, rejects the mutation if the account
// has been inactive since before that instant (it has logically expired).
type BalanceMutation struct {
	AccountID          uuid.UUID
	BalanceDelta       int64
	RequiredBalance    int64
	PurchaseCountDelta int64
	SavedDelta         int64
	TouchActivity      bool
	MinLastActivity    time.Time
	At                 time.Time
	Records            []TransactionRecord
}

// MutationResult is the committed account row plus the inserted records with
// their assigned ids, in the order they were supplied.
type MutationResult struct {
	Account Account
	Records []TransactionRecord
}

// ExpirationResult is what a single-account expiration forfeited.
type ExpirationResult struct {
	AccountID     uuid.UUID
	PointsExpired int64
	RecordID      int64
}
