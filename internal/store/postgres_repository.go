/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Balance changes are expressed as a single conditional UPDATE ... RETURNING
 * inside a pgx transaction that also inserts the transaction records, so two
 * terminals hitting the same account can never both spend the same points.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Purchase amounts and settings percentages.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/loyalty-service/internal/domain"
)

const (
	pgCheckViolation  = "23514"
	pgUniqueViolation = "23505"
)

const accountColumns = `id, current_balance, total_purchase_count, total_saved, last_activity, is_active, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.CurrentBalance,
		&account.TotalPurchaseCount,
		&account.TotalSaved,
		&account.LastActivity,
		&account.IsActive,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// FindAccountByID retrieves an account by its ID.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM loyalty_accounts WHERE id = $1", accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// CreateAccount inserts the account row and its opening records in one transaction.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account domain.Account, records []domain.TransactionRecord) (*domain.MutationResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var opening int64
	for _, rec := range records {
		if rec.Type == domain.TransactionTypeEarn {
			opening += rec.Amount
		}
	}

	query := `
		INSERT INTO loyalty_accounts (id, current_balance, last_activity, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $3, $3)
		RETURNING ` + accountColumns
	created, err := scanAccount(tx.QueryRow(ctx, query, account.ID, opening, account.LastActivity, account.IsActive))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrAccountExists
		}
		return nil, err
	}

	inserted, err := insertRecords(ctx, tx, records)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &domain.MutationResult{Account: *created, Records: inserted}, nil
}

// FindStoreByID retrieves a store by its ID.
func (r *PostgresRepository) FindStoreByID(ctx context.Context, storeID uuid.UUID) (*domain.Store, error) {
	var s domain.Store
	err := r.db.QueryRow(ctx, "SELECT id, name, is_active FROM stores WHERE id = $1", storeID).Scan(&s.ID, &s.Name, &s.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStoreNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ApplyMutation performs the atomic delta on an account and appends its records.
func (r *PostgresRepository) ApplyMutation(ctx context.Context, m domain.BalanceMutation) (*domain.MutationResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var minActivity *time.Time
	if !m.MinLastActivity.IsZero() {
		minActivity = &m.MinLastActivity
	}

	// The WHERE clause is the balance check; there is no read-then-write in
	// application code.
	query := `
		UPDATE loyalty_accounts
		SET current_balance = current_balance + $2,
		    total_purchase_count = total_purchase_count + $3,
		    total_saved = total_saved + $4,
		    last_activity = CASE WHEN $5 THEN $6 ELSE last_activity END,
		    updated_at = $6
		WHERE id = $1
		  AND is_active
		  AND current_balance >= $7
		  AND ($8::timestamptz IS NULL OR last_activity >= $8::timestamptz)
		RETURNING ` + accountColumns
	account, err := scanAccount(tx.QueryRow(ctx, query,
		m.AccountID,
		m.BalanceDelta,
		m.PurchaseCountDelta,
		m.SavedDelta,
		m.TouchActivity,
		m.At,
		requiredBalance(m),
		minActivity,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, classifyMutationMiss(ctx, tx, m)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
			return nil, ErrNegativeBalance
		}
		return nil, err
	}
	if account.CurrentBalance < 0 {
		return nil, ErrNegativeBalance
	}

	inserted, err := insertRecords(ctx, tx, m.Records)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &domain.MutationResult{Account: *account, Records: inserted}, nil
}

// classifyMutationMiss explains why the conditional update matched no row.
func classifyMutationMiss(ctx context.Context, tx pgx.Tx, m domain.BalanceMutation) error {
	var (
		isActive     bool
		balance      int64
		lastActivity time.Time
	)
	err := tx.QueryRow(ctx, "SELECT is_active, current_balance, last_activity FROM loyalty_accounts WHERE id = $1", m.AccountID).
		Scan(&isActive, &balance, &lastActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return err
	}
	switch {
	case !isActive:
		return ErrAccountInactive
	case !m.MinLastActivity.IsZero() && lastActivity.Before(m.MinLastActivity):
		return ErrAccountExpired
	default:
		return ErrInsufficientBalance
	}
}

func insertRecords(ctx context.Context, tx pgx.Tx, records []domain.TransactionRecord) ([]domain.TransactionRecord, error) {
	query := `
		INSERT INTO loyalty_transactions (account_id, store_id, type, amount, purchase_amount, origin, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::jsonb, $8)
		RETURNING id
	`
	inserted := make([]domain.TransactionRecord, 0, len(records))
	for _, rec := range records {
		metadata, err := json.Marshal(nonNilMetadata(rec.Metadata))
		if err != nil {
			return nil, fmt.Errorf("failed to encode record metadata: %w", err)
		}
		var purchase *string
		if rec.PurchaseAmount != nil {
			s := rec.PurchaseAmount.String()
			purchase = &s
		}
		if err := tx.QueryRow(ctx, query,
			rec.AccountID,
			rec.StoreID,
			string(rec.Type),
			rec.Amount,
			purchase,
			rec.Origin,
			string(metadata),
			rec.CreatedAt,
		).Scan(&rec.ID); err != nil {
			return nil, err
		}
		inserted = append(inserted, rec)
	}
	return inserted, nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// ExpireAccount forfeits the whole balance of an account that is still eligible
// once its row is locked.
func (r *PostgresRepository) ExpireAccount(ctx context.Context, accountID uuid.UUID, cutoff time.Time, at time.Time) (*domain.ExpirationResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	// Use FOR UPDATE so a concurrent earn cannot refresh last_activity between
	// the eligibility check and the forfeit.
	err = tx.QueryRow(ctx, `
		SELECT current_balance FROM loyalty_accounts
		WHERE id = $1 AND is_active AND last_activity < $2 AND current_balance > 0
		FOR UPDATE`, accountID, cutoff).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotExpirable
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx, "UPDATE loyalty_accounts SET current_balance = 0, updated_at = $2 WHERE id = $1", accountID, at); err != nil {
		return nil, err
	}

	inserted, err := insertRecords(ctx, tx, []domain.TransactionRecord{{
		AccountID: accountID,
		Type:      domain.TransactionTypeSpend,
		Amount:    balance,
		Origin:    domain.OriginExpiration,
		Metadata:  map[string]string{"cutoff": cutoff.UTC().Format(time.RFC3339)},
		CreatedAt: at,
	}})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &domain.ExpirationResult{AccountID: accountID, PointsExpired: balance, RecordID: inserted[0].ID}, nil
}

// ListExpirableAccounts returns one page of accounts eligible for the sweep.
func (r *PostgresRepository) ListExpirableAccounts(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]domain.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM loyalty_accounts
		WHERE is_active
		  AND last_activity < $1
		  AND current_balance > 0
		  AND id > $2
		ORDER BY id
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, cutoff, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// ListTransactionsByAccount returns the newest records of an account first.
func (r *PostgresRepository) ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.TransactionRecord, error) {
	query := `
		SELECT id, account_id, store_id, type, amount, purchase_amount::text, origin, metadata, created_at
		FROM loyalty_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		var (
			rec      domain.TransactionRecord
			txType   string
			purchase *string
			metadata []byte
		)
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.StoreID, &txType, &rec.Amount, &purchase, &rec.Origin, &metadata, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Type = domain.TransactionType(txType)
		if purchase != nil {
			amount, err := decimal.NewFromString(*purchase)
			if err != nil {
				return nil, fmt.Errorf("invalid purchase amount on record %d: %w", rec.ID, err)
			}
			rec.PurchaseAmount = &amount
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("invalid metadata on record %d: %w", rec.ID, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountTransactionsBefore counts records the retention cleanup would delete.
func (r *PostgresRepository) CountTransactionsBefore(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM loyalty_transactions WHERE created_at < $1", before).Scan(&count)
	return count, err
}

// DeleteTransactionsBefore removes records older than the retention threshold.
func (r *PostgresRepository) DeleteTransactionsBefore(ctx context.Context, before time.Time) (int64, error) {
	commandTag, err := r.db.Exec(ctx, "DELETE FROM loyalty_transactions WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return commandTag.RowsAffected(), nil
}

// GetSettings reads the singleton settings row.
func (r *PostgresRepository) GetSettings(ctx context.Context) (*domain.Settings, error) {
	var s domain.Settings
	var earning, maxDiscount string
	query := `
		SELECT earning_percent::text, max_discount_percent::text, expiry_days, min_redemption_amount, welcome_bonus, updated_at
		FROM loyalty_settings
		WHERE id = 1
	`
	err := r.db.QueryRow(ctx, query).Scan(&earning, &maxDiscount, &s.ExpiryDays, &s.MinRedemptionAmount, &s.WelcomeBonus, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, err
	}
	if s.EarningPercent, err = decimal.NewFromString(earning); err != nil {
		return nil, fmt.Errorf("invalid earning_percent %q: %w", earning, err)
	}
	if s.MaxDiscountPercent, err = decimal.NewFromString(maxDiscount); err != nil {
		return nil, fmt.Errorf("invalid max_discount_percent %q: %w", maxDiscount, err)
	}
	return &s, nil
}

// SaveSettings upserts the singleton settings row.
func (r *PostgresRepository) SaveSettings(ctx context.Context, s domain.Settings) error {
	query := `
		INSERT INTO loyalty_settings (id, earning_percent, max_discount_percent, expiry_days, min_redemption_amount, welcome_bonus, updated_at)
		VALUES (1, $1::numeric, $2::numeric, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET earning_percent = EXCLUDED.earning_percent,
		    max_discount_percent = EXCLUDED.max_discount_percent,
		    expiry_days = EXCLUDED.expiry_days,
		    min_redemption_amount = EXCLUDED.min_redemption_amount,
		    welcome_bonus = EXCLUDED.welcome_bonus,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query,
		s.EarningPercent.String(),
		s.MaxDiscountPercent.String(),
		s.ExpiryDays,
		s.MinRedemptionAmount,
		s.WelcomeBonus,
		s.UpdatedAt,
	)
	return err
}

var _ Repository = (*PostgresRepository)(nil)
