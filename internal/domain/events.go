package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for ledger events.
const (
	EventPointsEarned   = "loyalty.points.earned"
	EventPointsRedeemed = "loyalty.points.redeemed"
	EventPointsAdjusted = "loyalty.points.adjusted"
	EventPointsExpired  = "loyalty.points.expired"
)

// LedgerEvent is published after a ledger transaction commits. Downstream
// consumers (notifications, analytics) must not be able to affect the ledger.
type LedgerEvent struct {
	AccountID     uuid.UUID  `json:"account_id"`
	StoreID       *uuid.UUID `json:"store_id,omitempty"`
	TransactionID int64      `json:"transaction_id,omitempty"`
	PointsEarned  int64      `json:"points_earned,omitempty"`
	PointsSpent   int64      `json:"points_spent,omitempty"`
	NewBalance    int64      `json:"new_balance"`
	Reason        string     `json:"reason,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// PartitionKey keeps every event of one account on one partition.
func (e LedgerEvent) PartitionKey() string {
	return e.AccountID.String()
}
