/**
 * @description
 * Inactivity expiration for loyalty balances. A balance is either fully
 * available or fully expired; points never age out individually. The same
 * cutoff is used for balance display, redemption validation and the sweep.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/loyalty-service/internal/domain"
	"github.com/transfa/loyalty-service/internal/store"
)

// DefaultSweepBatchSize is the page size used when scanning for expirable accounts.
const DefaultSweepBatchSize = 500

// ExpirationStore defines the storage operations used by the expiration engine.
type ExpirationStore interface {
	ExpireAccount(ctx context.Context, accountID uuid.UUID, cutoff time.Time, at time.Time) (*domain.ExpirationResult, error)
	ListExpirableAccounts(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]domain.Account, error)
	CountTransactionsBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteTransactionsBefore(ctx context.Context, before time.Time) (int64, error)
}

// SweepResult summarises one expiration sweep.
type SweepResult struct {
	DryRun           bool      `json:"dry_run"`
	Cutoff           time.Time `json:"cutoff,omitempty"`
	AccountsAffected int       `json:"accounts_affected"`
	PointsExpired    int64     `json:"points_expired"`
	AccountsFailed   int       `json:"accounts_failed"`
}

// CleanupResult summarises one retention cleanup.
type CleanupResult struct {
	DryRun         bool      `json:"dry_run"`
	Threshold      time.Time `json:"threshold,omitempty"`
	RecordsDeleted int64     `json:"records_deleted"`
}

func startOfUTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ExpiryCutoff returns the instant before which last activity means the
// balance has expired. An account is expired iff the number of whole UTC days
// between its last activity and now is at least expiryDays, which is the same
// as last_activity < cutoff. The second result is false when expiration is
// disabled (expiryDays <= 0).
func ExpiryCutoff(now time.Time, expiryDays int) (time.Time, bool) {
	if expiryDays <= 0 {
		return time.Time{}, false
	}
	return startOfUTCDay(now).AddDate(0, 0, -(expiryDays - 1)), true
}

// RetentionThreshold returns the instant before which transaction records may
// be deleted: the expiry window plus one day of grace.
func RetentionThreshold(now time.Time, expiryDays int) (time.Time, bool) {
	if expiryDays <= 0 {
		return time.Time{}, false
	}
	return startOfUTCDay(now).AddDate(0, 0, -(expiryDays + 1)), true
}

// IsExpired reports whether an account's balance has logically expired.
func IsExpired(account domain.Account, now time.Time, expiryDays int) bool {
	cutoff, ok := ExpiryCutoff(now, expiryDays)
	return ok && account.LastActivity.Before(cutoff)
}

// AvailableBalance is 0 for an expired account and the full balance otherwise.
func AvailableBalance(account domain.Account, now time.Time, expiryDays int) int64 {
	if IsExpired(account, now, expiryDays) {
		return 0
	}
	return account.CurrentBalance
}

// ExpirationEngine runs lazy single-account expiration and the scheduled
// sweep and retention jobs.
type ExpirationEngine struct {
	repo      ExpirationStore
	settings  *SettingsProvider
	clock     Clock
	events    *EventEmitter
	logger    *slog.Logger
	batchSize int
}

// NewExpirationEngine creates an expiration engine.
func NewExpirationEngine(repo ExpirationStore, settings *SettingsProvider, clock Clock, events *EventEmitter, logger *slog.Logger, batchSize int) *ExpirationEngine {
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &ExpirationEngine{
		repo:      repo,
		settings:  settings,
		clock:     clock,
		events:    events,
		logger:    logger,
		batchSize: batchSize,
	}
}

// ExpireAccount forfeits the balance of one logically expired account. It
// returns nil without error when the account does not qualify, for example
// because the sweep got there first.
func (e *ExpirationEngine) ExpireAccount(ctx context.Context, accountID uuid.UUID) (*domain.ExpirationResult, error) {
	now := e.clock.Now()
	cutoff, ok := ExpiryCutoff(now, e.settings.Get(ctx).ExpiryDays)
	if !ok {
		return nil, nil
	}
	return e.expire(ctx, accountID, cutoff, now)
}

func (e *ExpirationEngine) expire(ctx context.Context, accountID uuid.UUID, cutoff, now time.Time) (*domain.ExpirationResult, error) {
	result, err := e.repo.ExpireAccount(ctx, accountID, cutoff, now)
	if err != nil {
		if errors.Is(err, store.ErrNotExpirable) {
			return nil, nil
		}
		return nil, fmt.Errorf("expire account %s: %w", accountID, err)
	}

	e.logger.Info("expired loyalty balance", "account_id", accountID, "points", result.PointsExpired)
	e.events.emit(ctx, domain.EventPointsExpired, domain.LedgerEvent{
		AccountID:     accountID,
		TransactionID: result.RecordID,
		PointsSpent:   result.PointsExpired,
		NewBalance:    0,
		Reason:        domain.OriginExpiration,
		OccurredAt:    now,
	})
	return result, nil
}

// Sweep forfeits every expired balance. Each account is expired in its own
// transaction; a failure is logged and the sweep moves on, leaving the account
// for the next run. With dryRun nothing is written.
func (e *ExpirationEngine) Sweep(ctx context.Context, dryRun bool) (*SweepResult, error) {
	now := e.clock.Now()
	result := &SweepResult{DryRun: dryRun}

	cutoff, ok := ExpiryCutoff(now, e.settings.Get(ctx).ExpiryDays)
	if !ok {
		e.logger.Info("expiration disabled; skipping sweep")
		return result, nil
	}
	result.Cutoff = cutoff

	after := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		accounts, err := e.repo.ListExpirableAccounts(ctx, cutoff, after, e.batchSize)
		if err != nil {
			return result, fmt.Errorf("list expirable accounts: %w", err)
		}
		if len(accounts) == 0 {
			break
		}

		for _, account := range accounts {
			after = account.ID
			if dryRun {
				result.AccountsAffected++
				result.PointsExpired += account.CurrentBalance
				continue
			}

			expired, err := e.expire(ctx, account.ID, cutoff, now)
			if err != nil {
				e.logger.Error("failed to expire account during sweep", "account_id", account.ID, "error", err)
				result.AccountsFailed++
				continue
			}
			if expired == nil {
				continue
			}
			result.AccountsAffected++
			result.PointsExpired += expired.PointsExpired
		}

		if len(accounts) < e.batchSize {
			break
		}
	}

	return result, nil
}

// RetentionCleanup deletes transaction records older than the expiry window
// plus one day of grace. With dryRun it only counts them.
func (e *ExpirationEngine) RetentionCleanup(ctx context.Context, dryRun bool) (*CleanupResult, error) {
	result := &CleanupResult{DryRun: dryRun}

	threshold, ok := RetentionThreshold(e.clock.Now(), e.settings.Get(ctx).ExpiryDays)
	if !ok {
		e.logger.Info("expiration disabled; skipping retention cleanup")
		return result, nil
	}
	result.Threshold = threshold

	var (
		count int64
		err   error
	)
	if dryRun {
		count, err = e.repo.CountTransactionsBefore(ctx, threshold)
	} else {
		count, err = e.repo.DeleteTransactionsBefore(ctx, threshold)
	}
	if err != nil {
		return result, fmt.Errorf("retention cleanup: %w", err)
	}
	result.RecordsDeleted = count
	return result, nil
}
