/**
 * @description
 * This file contains the core business logic for the loyalty-service. The `Service`
 * struct orchestrates every change to a member's points balance, coordinating between
 * the repository, the cached settings, the expiration engine and the event publisher.
 *
 * Key features:
 * - Earn and redeem for point-of-sale traffic, with short-window duplicate rejection.
 * - Every balance change is one atomic storage-level delta plus its records.
 * - Lazy expiration, so a logically expired balance is never spent or topped up.
 * - Admin operations: manual adjustment, settings updates, account opening.
 * - Publishes ledger events only after the ledger transaction has committed.
 *
 * @dependencies
 * - github.com/google/uuid: account and store identifiers.
 * - github.com/shopspring/decimal: purchase amounts and percentages.
 * - internal/domain, internal/store: domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/loyalty-service/internal/domain"
	"github.com/transfa/loyalty-service/internal/store"
)

const (
	operationEarn   = "earn"
	operationRedeem = "redeem"

	DefaultTransactionPageSize = 50
	MaxTransactionPageSize     = 500
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Clock             Clock
	Logger            *slog.Logger
	Publisher         EventPublisher
	EventExchange     string
	SettingsTTL       time.Duration
	IdempotencyWindow time.Duration
	MaxPurchaseAmount decimal.Decimal
	SweepBatchSize    int
}

// EarnRequest is a purchase that earns points.
type EarnRequest struct {
	AccountID      uuid.UUID         `json:"account_id"`
	StoreID        uuid.UUID         `json:"store_id"`
	PurchaseAmount decimal.Decimal   `json:"purchase_amount"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EarnResult is returned by a successful earn.
type EarnResult struct {
	TransactionID int64 `json:"transaction_id"`
	PointsEarned  int64 `json:"points_earned"`
	NewBalance    int64 `json:"new_balance"`
}

// RedeemRequest is a purchase paid partly with points.
type RedeemRequest struct {
	AccountID      uuid.UUID         `json:"account_id"`
	StoreID        uuid.UUID         `json:"store_id"`
	PurchaseAmount decimal.Decimal   `json:"purchase_amount"`
	PointsToRedeem int64             `json:"points_to_redeem"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RedeemResult is returned by a successful redemption.
type RedeemResult struct {
	TransactionID   int64 `json:"transaction_id"`
	CashbackEarned  int64 `json:"cashback_earned"`
	DiscountApplied int64 `json:"discount_applied"`
	NewBalance      int64 `json:"new_balance"`
}

// BalanceView is an account's balance as shown to the member.
type BalanceView struct {
	AccountID        uuid.UUID  `json:"account_id"`
	CurrentBalance   int64      `json:"current_balance"`
	AvailableBalance int64      `json:"available_balance"`
	Expired          bool       `json:"expired"`
	LastActivity     time.Time  `json:"last_activity"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// AdjustResult is returned by a manual adjustment.
type AdjustResult struct {
	TransactionID int64 `json:"transaction_id"`
	NewBalance    int64 `json:"new_balance"`
}

// Service provides the core business logic for the loyalty ledger.
type Service struct {
	repo        store.Repository
	settings    *SettingsProvider
	expiration  *ExpirationEngine
	guard       *IdempotencyGuard
	events      *EventEmitter
	clock       Clock
	logger      *slog.Logger
	maxPurchase decimal.Decimal
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settings := NewSettingsProvider(repo, clock, opts.SettingsTTL, logger)
	events := NewEventEmitter(opts.Publisher, opts.EventExchange, logger)

	return &Service{
		repo:        repo,
		settings:    settings,
		expiration:  NewExpirationEngine(repo, settings, clock, events, logger, opts.SweepBatchSize),
		guard:       NewIdempotencyGuard(opts.IdempotencyWindow, clock),
		events:      events,
		clock:       clock,
		logger:      logger,
		maxPurchase: opts.MaxPurchaseAmount,
	}
}

// Earn credits points for a purchase.
func (s *Service) Earn(ctx context.Context, req EarnRequest) (*EarnResult, error) {
	if err := s.validatePurchase(req.AccountID, req.StoreID, req.PurchaseAmount); err != nil {
		return nil, err
	}

	account, err := s.loadParticipants(ctx, req.AccountID, req.StoreID)
	if err != nil {
		return nil, err
	}

	key := IdempotencyKey{
		AccountID: req.AccountID,
		StoreID:   req.StoreID,
		Amount:    req.PurchaseAmount.String(),
		Operation: operationEarn,
	}
	if !s.guard.CheckAndRecord(key) {
		return nil, ErrDuplicateOperation
	}

	result, err := s.earn(ctx, account, req)
	if err != nil {
		s.releaseOnCleanFailure(key, err)
		return nil, err
	}
	return result, nil
}

func (s *Service) earn(ctx context.Context, account *domain.Account, req EarnRequest) (*EarnResult, error) {
	settings := s.settings.Get(ctx)
	now := s.clock.Now()

	// Points that have already lapsed are forfeited before the new ones land.
	if IsExpired(*account, now, settings.ExpiryDays) && account.CurrentBalance > 0 {
		if _, err := s.expiration.ExpireAccount(ctx, account.ID); err != nil {
			return nil, err
		}
	}

	points := settings.PointsFor(req.PurchaseAmount)
	storeID := req.StoreID
	purchase := req.PurchaseAmount

	mutation := domain.BalanceMutation{
		AccountID:          account.ID,
		BalanceDelta:       points,
		PurchaseCountDelta: 1,
		TouchActivity:      true,
		At:                 now,
	}
	if points > 0 {
		mutation.Records = []domain.TransactionRecord{{
			AccountID:      account.ID,
			StoreID:        &storeID,
			Type:           domain.TransactionTypeEarn,
			Amount:         points,
			PurchaseAmount: &purchase,
			Origin:         domain.OriginPurchase,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		}}
	}

	res, err := s.repo.ApplyMutation(ctx, mutation)
	if err != nil {
		return nil, s.mapMutationError(ctx, account.ID, points, err)
	}

	result := &EarnResult{PointsEarned: points, NewBalance: res.Account.CurrentBalance}
	if len(res.Records) > 0 {
		result.TransactionID = res.Records[0].ID
	}

	s.logger.Info("points earned", "account_id", account.ID, "store_id", storeID, "points", points, "new_balance", result.NewBalance)
	s.events.emit(ctx, domain.EventPointsEarned, domain.LedgerEvent{
		AccountID:     account.ID,
		StoreID:       &storeID,
		TransactionID: result.TransactionID,
		PointsEarned:  points,
		NewBalance:    result.NewBalance,
		Reason:        domain.OriginPurchase,
		OccurredAt:    now,
	})
	return result, nil
}

// Redeem applies points as a discount on a purchase and credits cashback on
// the part of the purchase that was paid normally.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	if err := s.validatePurchase(req.AccountID, req.StoreID, req.PurchaseAmount); err != nil {
		return nil, err
	}
	if req.PointsToRedeem <= 0 {
		return nil, invalidInput("points_to_redeem must be positive")
	}

	account, err := s.loadParticipants(ctx, req.AccountID, req.StoreID)
	if err != nil {
		return nil, err
	}

	key := IdempotencyKey{
		AccountID: req.AccountID,
		StoreID:   req.StoreID,
		Amount:    req.PurchaseAmount.String(),
		Operation: operationRedeem,
	}
	if !s.guard.CheckAndRecord(key) {
		return nil, ErrDuplicateOperation
	}

	result, err := s.redeem(ctx, account, req)
	if err != nil {
		s.releaseOnCleanFailure(key, err)
		return nil, err
	}
	return result, nil
}

func (s *Service) redeem(ctx context.Context, account *domain.Account, req RedeemRequest) (*RedeemResult, error) {
	settings := s.settings.Get(ctx)
	now := s.clock.Now()

	points := req.PointsToRedeem

	// An expired balance has nothing to spend, whatever the other rules say.
	if IsExpired(*account, now, settings.ExpiryDays) {
		if account.CurrentBalance > 0 {
			if _, err := s.expiration.ExpireAccount(ctx, account.ID); err != nil {
				return nil, err
			}
		}
		return nil, ruleViolation(ErrInsufficientBalance, 0, points)
	}
	available := account.CurrentBalance

	if settings.MinRedemptionAmount > 0 && points < settings.MinRedemptionAmount {
		return nil, ruleViolation(ErrBelowMinimumRedemption, settings.MinRedemptionAmount, points)
	}
	discountCap := settings.DiscountCap(req.PurchaseAmount)
	if decimal.NewFromInt(points).GreaterThan(discountCap) {
		return nil, ruleViolation(ErrDiscountCapExceeded, discountCap.Floor().IntPart(), points)
	}
	if points > available {
		return nil, ruleViolation(ErrInsufficientBalance, available, points)
	}

	cashback := settings.PointsFor(req.PurchaseAmount.Sub(decimal.NewFromInt(points)))
	storeID := req.StoreID
	purchase := req.PurchaseAmount

	records := []domain.TransactionRecord{{
		AccountID:      account.ID,
		StoreID:        &storeID,
		Type:           domain.TransactionTypeSpend,
		Amount:         points,
		PurchaseAmount: &purchase,
		Origin:         domain.OriginRedemption,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}}
	if cashback > 0 {
		records = append(records, domain.TransactionRecord{
			AccountID:      account.ID,
			StoreID:        &storeID,
			Type:           domain.TransactionTypeEarn,
			Amount:         cashback,
			PurchaseAmount: &purchase,
			Origin:         domain.OriginCashback,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		})
	}

	mutation := domain.BalanceMutation{
		AccountID:          account.ID,
		BalanceDelta:       cashback - points,
		RequiredBalance:    points,
		PurchaseCountDelta: 1,
		SavedDelta:         points,
		TouchActivity:      true,
		At:                 now,
		Records:            records,
	}
	if cutoff, ok := ExpiryCutoff(now, settings.ExpiryDays); ok {
		mutation.MinLastActivity = cutoff
	}

	res, err := s.repo.ApplyMutation(ctx, mutation)
	if err != nil {
		return nil, s.mapMutationError(ctx, account.ID, points, err)
	}
	if res.Account.CurrentBalance < 0 {
		s.logger.Error("negative balance after redemption", "account_id", account.ID, "balance", res.Account.CurrentBalance)
		return nil, ErrConcurrencyConflict
	}

	result := &RedeemResult{
		TransactionID:   res.Records[0].ID,
		CashbackEarned:  cashback,
		DiscountApplied: points,
		NewBalance:      res.Account.CurrentBalance,
	}

	s.logger.Info("points redeemed", "account_id", account.ID, "store_id", storeID, "points", points, "cashback", cashback, "new_balance", result.NewBalance)
	s.events.emit(ctx, domain.EventPointsRedeemed, domain.LedgerEvent{
		AccountID:     account.ID,
		StoreID:       &storeID,
		TransactionID: result.TransactionID,
		PointsEarned:  cashback,
		PointsSpent:   points,
		NewBalance:    result.NewBalance,
		Reason:        domain.OriginRedemption,
		OccurredAt:    now,
	})
	return result, nil
}

// AvailableBalance returns the balance the member can spend right now.
func (s *Service) AvailableBalance(ctx context.Context, accountID uuid.UUID) (*BalanceView, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	settings := s.settings.Get(ctx)
	now := s.clock.Now()
	view := &BalanceView{
		AccountID:        account.ID,
		CurrentBalance:   account.CurrentBalance,
		AvailableBalance: AvailableBalance(*account, now, settings.ExpiryDays),
		Expired:          IsExpired(*account, now, settings.ExpiryDays),
		LastActivity:     account.LastActivity,
	}
	if settings.ExpiryDays > 0 {
		expiresAt := startOfUTCDay(account.LastActivity).AddDate(0, 0, settings.ExpiryDays)
		view.ExpiresAt = &expiresAt
	}
	return view, nil
}

// AdjustBalance applies a manual correction by an administrator. It uses the
// same atomic delta as earn and redeem and leaves last activity untouched.
func (s *Service) AdjustBalance(ctx context.Context, accountID uuid.UUID, delta int64, reason, actor string) (*AdjustResult, error) {
	reason = strings.TrimSpace(reason)
	actor = strings.TrimSpace(actor)
	switch {
	case accountID == uuid.Nil:
		return nil, invalidInput("account_id is required")
	case delta == 0:
		return nil, invalidInput("delta must not be zero")
	case reason == "":
		return nil, invalidInput("reason is required")
	case actor == "":
		return nil, invalidInput("actor is required")
	}

	now := s.clock.Now()
	rec := domain.TransactionRecord{
		AccountID: accountID,
		Type:      domain.TransactionTypeEarn,
		Amount:    delta,
		Origin:    domain.OriginManualAdjustment,
		Metadata:  map[string]string{"reason": reason, "actor": actor},
		CreatedAt: now,
	}
	if delta < 0 {
		rec.Type = domain.TransactionTypeSpend
		rec.Amount = -delta
	}

	res, err := s.repo.ApplyMutation(ctx, domain.BalanceMutation{
		AccountID:    accountID,
		BalanceDelta: delta,
		At:           now,
		Records:      []domain.TransactionRecord{rec},
	})
	if err != nil {
		return nil, s.mapMutationError(ctx, accountID, rec.Amount, err)
	}

	result := &AdjustResult{TransactionID: res.Records[0].ID, NewBalance: res.Account.CurrentBalance}
	s.logger.Info("balance adjusted", "account_id", accountID, "delta", delta, "actor", actor, "new_balance", result.NewBalance)

	event := domain.LedgerEvent{
		AccountID:     accountID,
		TransactionID: result.TransactionID,
		NewBalance:    result.NewBalance,
		Reason:        reason,
		OccurredAt:    now,
	}
	if delta > 0 {
		event.PointsEarned = delta
	} else {
		event.PointsSpent = -delta
	}
	s.events.emit(ctx, domain.EventPointsAdjusted, event)
	return result, nil
}

// OpenAccount creates a member account and grants the configured welcome
// bonus in the same transaction. A nil id is replaced with a new one.
func (s *Service) OpenAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	if accountID == uuid.Nil {
		accountID = uuid.New()
	}

	settings := s.settings.Get(ctx)
	now := s.clock.Now()

	var records []domain.TransactionRecord
	if settings.WelcomeBonus > 0 {
		records = append(records, domain.TransactionRecord{
			AccountID: accountID,
			Type:      domain.TransactionTypeEarn,
			Amount:    settings.WelcomeBonus,
			Origin:    domain.OriginWelcomeBonus,
			CreatedAt: now,
		})
	}

	res, err := s.repo.CreateAccount(ctx, domain.Account{
		ID:           accountID,
		LastActivity: now,
		IsActive:     true,
	}, records)
	if err != nil {
		return nil, mapStoreError(err)
	}

	s.logger.Info("loyalty account opened", "account_id", accountID, "welcome_bonus", settings.WelcomeBonus)
	if len(res.Records) > 0 {
		s.events.emit(ctx, domain.EventPointsEarned, domain.LedgerEvent{
			AccountID:     accountID,
			TransactionID: res.Records[0].ID,
			PointsEarned:  settings.WelcomeBonus,
			NewBalance:    res.Account.CurrentBalance,
			Reason:        domain.OriginWelcomeBonus,
			OccurredAt:    now,
		})
	}
	return &res.Account, nil
}

// ListTransactions returns an account's most recent records, newest first.
func (s *Service) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.TransactionRecord, error) {
	if _, err := s.repo.FindAccountByID(ctx, accountID); err != nil {
		return nil, mapStoreError(err)
	}
	if limit <= 0 {
		limit = DefaultTransactionPageSize
	}
	if limit > MaxTransactionPageSize {
		limit = MaxTransactionPageSize
	}

	records, err := s.repo.ListTransactionsByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return records, nil
}

// CurrentSettings returns the settings the ledger is using now.
func (s *Service) CurrentSettings(ctx context.Context) domain.Settings {
	return s.settings.Get(ctx)
}

// UpdateSettings validates and stores new settings, then invalidates the
// cache so the next ledger call sees them.
func (s *Service) UpdateSettings(ctx context.Context, settings domain.Settings) (*domain.Settings, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	settings.UpdatedAt = s.clock.Now()

	if err := s.repo.SaveSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	s.settings.Invalidate()

	s.logger.Info("loyalty settings updated",
		"earning_percent", settings.EarningPercent.String(),
		"max_discount_percent", settings.MaxDiscountPercent.String(),
		"expiry_days", settings.ExpiryDays,
	)
	return &settings, nil
}

// RunExpirationSweep forfeits the balances of all expired accounts.
func (s *Service) RunExpirationSweep(ctx context.Context, dryRun bool) (*SweepResult, error) {
	return s.expiration.Sweep(ctx, dryRun)
}

// RunRetentionCleanup deletes transaction records past the retention window.
func (s *Service) RunRetentionCleanup(ctx context.Context, dryRun bool) (*CleanupResult, error) {
	return s.expiration.RetentionCleanup(ctx, dryRun)
}

func (s *Service) validatePurchase(accountID, storeID uuid.UUID, amount decimal.Decimal) error {
	switch {
	case accountID == uuid.Nil:
		return invalidInput("account_id is required")
	case storeID == uuid.Nil:
		return invalidInput("store_id is required")
	case !amount.IsPositive():
		return invalidInput("purchase_amount must be positive")
	case !domain.HasMoneyScale(amount):
		return invalidInput("purchase_amount must have at most 2 decimal places")
	case s.maxPurchase.IsPositive() && amount.GreaterThan(s.maxPurchase):
		return invalidInput("purchase_amount must not exceed %s", s.maxPurchase.String())
	}
	return nil
}

func (s *Service) loadParticipants(ctx context.Context, accountID, storeID uuid.UUID) (*domain.Account, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if !account.IsActive {
		return nil, ErrAccountInactive
	}
	if _, err := s.repo.FindStoreByID(ctx, storeID); err != nil {
		return nil, mapStoreError(err)
	}
	return account, nil
}

// releaseOnCleanFailure frees the idempotency key when the failure is known
// to have left storage untouched. Unclassified storage errors keep the key,
// since the commit may have gone through.
func (s *Service) releaseOnCleanFailure(key IdempotencyKey, err error) {
	var rule *RuleViolationError
	switch {
	case errors.As(err, &rule),
		errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrAccountInactive),
		errors.Is(err, ErrStoreNotFound):
		s.guard.Release(key)
	}
}

func (s *Service) mapMutationError(ctx context.Context, accountID uuid.UUID, requested int64, err error) error {
	switch {
	case errors.Is(err, store.ErrAccountExpired):
		return ruleViolation(ErrInsufficientBalance, 0, requested)
	case errors.Is(err, store.ErrInsufficientBalance):
		var current int64
		if account, findErr := s.repo.FindAccountByID(ctx, accountID); findErr == nil {
			current = account.CurrentBalance
		}
		return ruleViolation(ErrInsufficientBalance, current, requested)
	}
	return mapStoreError(err)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		return ErrAccountNotFound
	case errors.Is(err, store.ErrAccountInactive):
		return ErrAccountInactive
	case errors.Is(err, store.ErrStoreNotFound):
		return ErrStoreNotFound
	case errors.Is(err, store.ErrAccountExists):
		return ErrAccountExists
	case errors.Is(err, store.ErrNegativeBalance):
		return ErrConcurrencyConflict
	}
	return fmt.Errorf("storage: %w", err)
}
