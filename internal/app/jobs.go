/**
 * @description
 * Scheduled job implementations for the loyalty ledger.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// jobTimeout bounds a single scheduled run so a stuck database cannot pile up runs.
const jobTimeout = 30 * time.Minute

// LedgerMaintenance defines the ledger operations the jobs trigger.
type LedgerMaintenance interface {
	RunExpirationSweep(ctx context.Context, dryRun bool) (*SweepResult, error)
	RunRetentionCleanup(ctx context.Context, dryRun bool) (*CleanupResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	ledger LedgerMaintenance
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(ledger LedgerMaintenance, logger *slog.Logger) *Jobs {
	return &Jobs{
		ledger: ledger,
		logger: logger,
	}
}

// ExpireInactiveBalances forfeits the balances of accounts inactive past the expiry window.
func (j *Jobs) ExpireInactiveBalances() {
	j.logger.Info("starting expiration sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result, err := j.ledger.RunExpirationSweep(ctx, false)
	if err != nil {
		j.logger.Error("expiration sweep failed", "error", err)
		return
	}

	if result.AccountsFailed > 0 {
		j.logger.Warn("expiration sweep skipped failing accounts", "failed", result.AccountsFailed)
	}
	j.logger.Info("expiration sweep job finished", "accounts_affected", result.AccountsAffected, "points_expired", result.PointsExpired)
}

// PurgeExpiredTransactions deletes transaction records past the retention window.
func (j *Jobs) PurgeExpiredTransactions() {
	j.logger.Info("starting retention cleanup job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result, err := j.ledger.RunRetentionCleanup(ctx, false)
	if err != nil {
		j.logger.Error("retention cleanup failed", "error", err)
		return
	}

	j.logger.Info("retention cleanup job finished", "records_deleted", result.RecordsDeleted)
}
