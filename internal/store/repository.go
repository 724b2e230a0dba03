/**
 * @description
 * This file defines the `Repository` interface, the contract between the ledger
 * and its storage. Account balances, the transaction log, the store directory and
 * the settings row all live behind it so the ledger can be exercised against
 * PostgreSQL in production and against an in-memory implementation in tests.
 *
 * Every balance change goes through ApplyMutation or ExpireAccount, which apply
 * the change and append its records in one storage transaction.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/loyalty-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountInactive     = errors.New("account is inactive")
	ErrAccountExpired      = errors.New("account balance has expired")
	ErrAccountExists       = errors.New("account already exists")
	ErrStoreNotFound       = errors.New("store not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNegativeBalance     = errors.New("balance would become negative")
	ErrSettingsNotFound    = errors.New("settings not found")
	ErrNotExpirable        = errors.New("account is not eligible for expiration")
)

// Repository defines the set of methods the ledger needs from storage.
type Repository interface {
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	// CreateAccount inserts a new account together with its opening records.
	// The opening balance is the sum of the earn records.
	CreateAccount(ctx context.Context, account domain.Account, records []domain.TransactionRecord) (*domain.MutationResult, error)
	FindStoreByID(ctx context.Context, storeID uuid.UUID) (*domain.Store, error)

	// ApplyMutation adds the signed delta to the balance and appends the records
	// atomically. It returns ErrInsufficientBalance when the balance is below
	// the required amount, ErrAccountExpired when MinLastActivity is violated
	// and ErrNegativeBalance if the committed balance would be negative.
	ApplyMutation(ctx context.Context, m domain.BalanceMutation) (*domain.MutationResult, error)

	// ExpireAccount zeroes the balance of an active account whose last activity
	// is before cutoff and appends a spend record for the forfeited points.
	// It returns ErrNotExpirable when the account no longer qualifies.
	ExpireAccount(ctx context.Context, accountID uuid.UUID, cutoff time.Time, at time.Time) (*domain.ExpirationResult, error)
	// ListExpirableAccounts pages through active accounts with a positive
	// balance and last activity before cutoff, ordered by id after the given id.
	ListExpirableAccounts(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]domain.Account, error)

	ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.TransactionRecord, error)
	CountTransactionsBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteTransactionsBefore(ctx context.Context, before time.Time) (int64, error)

	GetSettings(ctx context.Context) (*domain.Settings, error)
	SaveSettings(ctx context.Context, settings domain.Settings) error
}

// requiredBalance is the minimum pre-mutation balance: the caller's
// requirement, raised so that the delta can never take the balance below zero.
func requiredBalance(m domain.BalanceMutation) int64 {
	required := m.RequiredBalance
	if -m.BalanceDelta > required {
		required = -m.BalanceDelta
	}
	if required < 0 {
		required = 0
	}
	return required
}
