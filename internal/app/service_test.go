package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/loyalty-service/internal/domain"
)

func TestEarn_CreditsPercentageOfPurchase(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(500, testNow.Add(-time.Hour))

	result, err := f.svc.Earn(context.Background(), EarnRequest{
		AccountID:      accountID,
		StoreID:        f.storeID,
		PurchaseAmount: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("Earn returned error: %v", err)
	}
	if result.PointsEarned != 40 || result.NewBalance != 540 {
		t.Fatalf("expected 40 points and balance 540, got %+v", result)
	}

	account := f.account(t, accountID)
	if account.TotalPurchaseCount != 1 {
		t.Fatalf("expected purchase count 1, got %d", account.TotalPurchaseCount)
	}
	if !account.LastActivity.Equal(testNow) {
		t.Fatalf("expected last activity to move to now, got %s", account.LastActivity)
	}

	records := f.records(t, accountID)
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].ID != result.TransactionID || records[0].Type != domain.TransactionTypeEarn || records[0].Amount != 40 {
		t.Fatalf("unexpected earn record %+v", records[0])
	}
	if keys := f.publisher.routingKeys(); len(keys) != 1 || keys[0] != domain.EventPointsEarned {
		t.Fatalf("expected one earned event, got %v", keys)
	}
}

func TestEarn_RoundsHalfAwayFromZero(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(0, testNow)

	// 4% of 12.50 is 0.5.
	result, err := f.svc.Earn(context.Background(), EarnRequest{
		AccountID:      accountID,
		StoreID:        f.storeID,
		PurchaseAmount: decimal.RequireFromString("12.50"),
	})
	if err != nil {
		t.Fatalf("Earn returned error: %v", err)
	}
	if result.PointsEarned != 1 {
		t.Fatalf("expected 1 point, got %d", result.PointsEarned)
	}
}

func TestEarn_ZeroPointsStillCountsPurchase(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(10, testNow.Add(-time.Hour))

	result, err := f.svc.Earn(context.Background(), EarnRequest{
		AccountID:      accountID,
		StoreID:        f.storeID,
		PurchaseAmount: decimal.NewFromInt(5),
	})
	if err != nil {
		t.Fatalf("Earn returned error: %v", err)
	}
	if result.PointsEarned != 0 || result.NewBalance != 10 || result.TransactionID != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := f.account(t, accountID).TotalPurchaseCount; got != 1 {
		t.Fatalf("expected purchase count 1, got %d", got)
	}
	if records := f.records(t, accountID); len(records) != 0 {
		t.Fatalf("expected no records for a zero-point earn, got %d", len(records))
	}
}

func TestEarn_RejectsInvalidRequests(t *testing.T) {
	f := newLedgerFixture(t)
	active := f.seedAccount(0, testNow)
	inactive := uuid.New()
	f.repo.PutAccount(domain.Account{ID: inactive, LastActivity: testNow, IsActive: false})

	tests := []struct {
		name string
		req  EarnRequest
		want error
	}{
		{"zero amount", EarnRequest{AccountID: active, StoreID: f.storeID, PurchaseAmount: decimal.Zero}, ErrInvalidInput},
		{"negative amount", EarnRequest{AccountID: active, StoreID: f.storeID, PurchaseAmount: decimal.NewFromInt(-5)}, ErrInvalidInput},
		{"above maximum", EarnRequest{AccountID: active, StoreID: f.storeID, PurchaseAmount: decimal.NewFromInt(1000001)}, ErrInvalidInput},
		{"sub-cent amount", EarnRequest{AccountID: active, StoreID: f.storeID, PurchaseAmount: decimal.RequireFromString("1000.005")}, ErrInvalidInput},
		{"missing account id", EarnRequest{StoreID: f.storeID, PurchaseAmount: decimal.NewFromInt(10)}, ErrInvalidInput},
		{"unknown account", EarnRequest{AccountID: uuid.New(), StoreID: f.storeID, PurchaseAmount: decimal.NewFromInt(10)}, ErrAccountNotFound},
		{"inactive account", EarnRequest{AccountID: inactive, StoreID: f.storeID, PurchaseAmount: decimal.NewFromInt(10)}, ErrAccountInactive},
		{"unknown store", EarnRequest{AccountID: active, StoreID: uuid.New(), PurchaseAmount: decimal.NewFromInt(10)}, ErrStoreNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Earn(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if records := f.records(t, active); len(records) != 0 {
		t.Fatalf("expected no side effects, got %d records", len(records))
	}
}

func TestEarn_DuplicateWithinWindowIsRejected(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(0, testNow)
	req := EarnRequest{AccountID: accountID, StoreID: f.storeID, PurchaseAmount: decimal.NewFromInt(250)}

	if _, err := f.svc.Earn(context.Background(), req); err != nil {
		t.Fatalf("first Earn returned error: %v", err)
	}
	if _, err := f.svc.Earn(context.Background(), req); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected duplicate operation, got %v", err)
	}
	if records := f.records(t, accountID); len(records) != 1 {
		t.Fatalf("expected exactly one committed record, got %d", len(records))
	}

	f.clock.Advance(DefaultIdempotencyWindow)
	if _, err := f.svc.Earn(context.Background(), req); err != nil {
		t.Fatalf("expected earn after the window to succeed, got %v", err)
	}
	if records := f.records(t, accountID); len(records) != 2 {
		t.Fatalf("expected two records after the window, got %d", len(records))
	}
}

func TestEarn_ConcurrentDuplicatesCommitOnce(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(0, testNow)
	req := EarnRequest{AccountID: accountID, StoreID: f.storeID, PurchaseAmount: decimal.NewFromInt(300)}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := f.svc.Earn(context.Background(), req); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one success, got %d", succeeded)
	}
	if records := f.records(t, accountID); len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
}

func TestEarn_ForfeitsLapsedPointsFirst(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(700, testNow.AddDate(0, 0, -46))

	result, err := f.svc.Earn(context.Background(), EarnRequest{
		AccountID:      accountID,
		StoreID:        f.storeID,
		PurchaseAmount: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("Earn returned error: %v", err)
	}
	if result.NewBalance != 40 {
		t.Fatalf("expected lapsed points to be forfeited before earning, got balance %d", result.NewBalance)
	}

	records := f.records(t, accountID)
	if len(records) != 2 {
		t.Fatalf("expected expiration and earn records, got %d", len(records))
	}
	if records[1].Origin != domain.OriginExpiration || records[1].Amount != 700 {
		t.Fatalf("unexpected expiration record %+v", records[1])
	}
}

func TestEarn_UsesNewSettingsRightAfterUpdate(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(0, testNow)

	first, err := f.svc.Earn(context.Background(), EarnRequest{AccountID: accountID, StoreID: f.storeID, PurchaseAmount: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("Earn returned error: %v", err)
	}
	if first.PointsEarned != 4 {
		t.Fatalf("expected 4 points at default rate, got %d", first.PointsEarned)
	}

	f.updateSettings(t, func(s *domain.Settings) { s.EarningPercent = decimal.NewFromInt(10) })

	second, err := f.svc.Earn(context.Background(), EarnRequest{AccountID: accountID, StoreID: f.storeID, PurchaseAmount: decimal.NewFromInt(200)})
	if err != nil {
		t.Fatalf("Earn returned error: %v", err)
	}
	if second.PointsEarned != 20 {
		t.Fatalf("expected the updated 10%% rate to apply immediately, got %d points", second.PointsEarned)
	}
}

func TestEarn_PublishFailureDoesNotRollBack(t *testing.T) {
	f := newLedgerFixture(t)
	f.publisher.err = errors.New("broker down")
	accountID := f.seedAccount(0, testNow)

	result, err := f.svc.Earn(context.Background(), EarnRequest{AccountID: accountID, StoreID: f.storeID, PurchaseAmount: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("Earn returned error: %v", err)
	}
	if got := f.account(t, accountID).CurrentBalance; got != result.NewBalance || got != 4 {
		t.Fatalf("expected committed balance 4, got %d", got)
	}
}

func TestRedeem_RejectsAboveDiscountCap(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(200, testNow)

	_, err := f.svc.Redeem(context.Background(), RedeemRequest{
		AccountID:      accountID,
		StoreID:        f.storeID,
		PurchaseAmount: decimal.NewFromInt(1000),
		PointsToRedeem: 250,
	})
	requireRuleViolation(t, err, ErrDiscountCapExceeded, 200)

	if got := f.account(t, accountID).CurrentBalance; got != 200 {
		t.Fatalf("expected balance to stay 200, got %d", got)
	}
}

func TestRedeem_AppliesDiscountAndCashback(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(300, testNow.Add(-24*time.Hour))

	result, err := f.svc.Redeem(context.Background(), RedeemRequest{
		AccountID:      accountID,
		StoreID:        f.storeID,
		PurchaseAmount: decimal.NewFromInt(1000),
		PointsToRedeem: 100,
	})
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if result.CashbackEarned != 36 || result.DiscountApplied != 100 || result.NewBalance != 236 {
		t.Fatalf("unexpected redeem result %+v", result)
	}

	account := f.account(t, accountID)
	if account.TotalSaved != 100 || account.TotalPurchaseCount != 1 {
		t.Fatalf("unexpected counters saved=%d purchases=%d", account.TotalSaved, account.TotalPurchaseCount)
	}

	records := f.records(t, accountID)
	if len(records) != 2 {
		t.Fatalf("expected spend and cashback records, got %d", len(records))
	}
	spend, cashback := records[1], records[0]
	if spend.ID != result.TransactionID || spend.Type != domain.TransactionTypeSpend || spend.Amount != 100 {
		t.Fatalf("unexpected spend record %+v", spend)
	}
	if cashback.Origin != domain.OriginCashback || cashback.Amount != 36 {
		t.Fatalf("unexpected cashback record %+v", cashback)
	}
}

func TestRedeem_RejectsExpiredBalance(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(700, testNow.AddDate(0, 0, -46))

	view, err := f.svc.AvailableBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("AvailableBalance returned error: %v", err)
	}
	if view.AvailableBalance != 0 || !view.Expired || view.CurrentBalance != 700 {
		t.Fatalf("expected expired view, got %+v", view)
	}

	_, err = f.svc.Redeem(context.Background(), RedeemRequest{
		AccountID:      accountID,
		StoreID:        f.storeID,
		PurchaseAmount: decimal.NewFromInt(1000),
		PointsToRedeem: 10,
	})
	requireRuleViolation(t, err, ErrInsufficientBalance, 0)

	if got := f.account(t, accountID).CurrentBalance; got != 0 {
		t.Fatalf("expected lazy expiration to zero the balance, got %d", got)
	}
	records := f.records(t, accountID)
	if len(records) != 1 || records[0].Origin != domain.OriginExpiration || records[0].Amount != 700 {
		t.Fatalf("expected a single expiration record, got %+v", records)
	}
}

func TestRedeem_ExpiredBalanceFailsBeforeOtherRules(t *testing.T) {
	f := newLedgerFixture(t)
	f.updateSettings(t, func(s *domain.Settings) { s.MinRedemptionAmount = 50 })

	tests := []struct {
		name   string
		points int64
	}{
		{"above discount cap", 300},
		{"below minimum", 10},
		{"within every rule", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accountID := f.seedAccount(700, testNow.AddDate(0, 0, -46))
			_, err := f.svc.Redeem(context.Background(), RedeemRequest{
				AccountID:      accountID,
				StoreID:        f.storeID,
				PurchaseAmount: decimal.NewFromInt(1000),
				PointsToRedeem: tt.points,
			})
			requireRuleViolation(t, err, ErrInsufficientBalance, 0)
			if got := f.account(t, accountID).CurrentBalance; got != 0 {
				t.Fatalf("expected the lapsed balance to be forfeited, got %d", got)
			}
		})
	}
}

func TestRedeem_RejectsAboveAvailableBalance(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(50, testNow)
	req := RedeemRequest{
		AccountID:      accountID,
		StoreID:        f.storeID,
		PurchaseAmount: decimal.NewFromInt(1000),
		PointsToRedeem: 80,
	}

	_, err := f.svc.Redeem(context.Background(), req)
	requireRuleViolation(t, err, ErrInsufficientBalance, 50)

	// A rejected request leaves nothing behind, so a retry is not a duplicate.
	_, err = f.svc.Redeem(context.Background(), req)
	requireRuleViolation(t, err, ErrInsufficientBalance, 50)
}

func TestRedeem_EnforcesMinimumRedemption(t *testing.T) {
	f := newLedgerFixture(t)
	f.updateSettings(t, func(s *domain.Settings) { s.MinRedemptionAmount = 50 })
	accountID := f.seedAccount(500, testNow)

	_, err := f.svc.Redeem(context.Background(), RedeemRequest{
		AccountID:      accountID,
		StoreID:        f.storeID,
		PurchaseAmount: decimal.NewFromInt(1000),
		PointsToRedeem: 10,
	})
	requireRuleViolation(t, err, ErrBelowMinimumRedemption, 50)
}

func TestRedeem_RejectsNonPositivePoints(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(500, testNow)

	_, err := f.svc.Redeem(context.Background(), RedeemRequest{
		AccountID:      accountID,
		StoreID:        f.storeID,
		PurchaseAmount: decimal.NewFromInt(1000),
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRedeem_ConcurrentRedemptionsNeverBothSucceed(t *testing.T) {
	f := newLedgerFixture(t)
	f.updateSettings(t, func(s *domain.Settings) {
		s.EarningPercent = decimal.Zero
		s.MaxDiscountPercent = decimal.NewFromInt(100)
	})

	for run := 0; run < 20; run++ {
		accountID := f.seedAccount(100, testNow)

		var (
			wg   sync.WaitGroup
			errs = make([]error, 2)
		)
		start := make(chan struct{})
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = f.svc.Redeem(context.Background(), RedeemRequest{
					AccountID:      accountID,
					StoreID:        f.storeID,
					PurchaseAmount: decimal.NewFromInt(int64(100 + i)),
					PointsToRedeem: 60,
				})
			}(i)
		}
		close(start)
		wg.Wait()

		failures := 0
		for _, err := range errs {
			if err == nil {
				continue
			}
			failures++
			if !errors.Is(err, ErrInsufficientBalance) && !errors.Is(err, ErrConcurrencyConflict) {
				t.Fatalf("unexpected failure: %v", err)
			}
		}
		if failures != 1 {
			t.Fatalf("run %d: expected exactly one failure, got %d (%v)", run, failures, errs)
		}
		if got := f.account(t, accountID).CurrentBalance; got != 40 {
			t.Fatalf("run %d: expected balance 40, got %d", run, got)
		}
	}
}

func TestAvailableBalance_AgreesWithRedemptionAtBoundary(t *testing.T) {
	f := newLedgerFixture(t)
	// 44 whole UTC days before testNow: still spendable.
	accountID := f.seedAccount(100, time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC))

	view, err := f.svc.AvailableBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("AvailableBalance returned error: %v", err)
	}
	if view.AvailableBalance != 100 || view.Expired {
		t.Fatalf("expected full balance available, got %+v", view)
	}
	wantExpiry := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	if view.ExpiresAt == nil || !view.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry at %s, got %v", wantExpiry, view.ExpiresAt)
	}

	if _, err := f.svc.Redeem(context.Background(), RedeemRequest{
		AccountID:      accountID,
		StoreID:        f.storeID,
		PurchaseAmount: decimal.NewFromInt(500),
		PointsToRedeem: 100,
	}); err != nil {
		t.Fatalf("expected redemption of the displayed balance to succeed, got %v", err)
	}
}

func TestAdjustBalance(t *testing.T) {
	f := newLedgerFixture(t)
	lastActivity := testNow.Add(-72 * time.Hour)
	accountID := f.seedAccount(100, lastActivity)

	result, err := f.svc.AdjustBalance(context.Background(), accountID, 50, "goodwill", "admin_1")
	if err != nil {
		t.Fatalf("AdjustBalance returned error: %v", err)
	}
	if result.NewBalance != 150 {
		t.Fatalf("expected balance 150, got %d", result.NewBalance)
	}

	account := f.account(t, accountID)
	if !account.LastActivity.Equal(lastActivity) {
		t.Fatalf("expected last activity untouched, got %s", account.LastActivity)
	}
	records := f.records(t, accountID)
	if len(records) != 1 || records[0].Origin != domain.OriginManualAdjustment || records[0].Metadata["actor"] != "admin_1" {
		t.Fatalf("unexpected adjustment records %+v", records)
	}

	result, err = f.svc.AdjustBalance(context.Background(), accountID, -150, "fraud reversal", "admin_1")
	if err != nil {
		t.Fatalf("negative AdjustBalance returned error: %v", err)
	}
	if result.NewBalance != 0 {
		t.Fatalf("expected balance 0, got %d", result.NewBalance)
	}

	_, err = f.svc.AdjustBalance(context.Background(), accountID, -1, "overdraw", "admin_1")
	requireRuleViolation(t, err, ErrInsufficientBalance, 0)

	if _, err := f.svc.AdjustBalance(context.Background(), accountID, 0, "noop", "admin_1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for zero delta, got %v", err)
	}
	if _, err := f.svc.AdjustBalance(context.Background(), accountID, 5, " ", "admin_1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank reason, got %v", err)
	}
	if _, err := f.svc.AdjustBalance(context.Background(), uuid.New(), 5, "reason", "admin_1"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}
}

func TestOpenAccount_GrantsWelcomeBonus(t *testing.T) {
	f := newLedgerFixture(t)
	f.updateSettings(t, func(s *domain.Settings) { s.WelcomeBonus = 25 })
	accountID := uuid.New()

	account, err := f.svc.OpenAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("OpenAccount returned error: %v", err)
	}
	if account.CurrentBalance != 25 || !account.IsActive {
		t.Fatalf("unexpected account %+v", account)
	}
	records := f.records(t, accountID)
	if len(records) != 1 || records[0].Origin != domain.OriginWelcomeBonus {
		t.Fatalf("expected welcome bonus record, got %+v", records)
	}

	if _, err := f.svc.OpenAccount(context.Background(), accountID); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected account exists, got %v", err)
	}
}

func TestUpdateSettings_RejectsInvalidRules(t *testing.T) {
	f := newLedgerFixture(t)
	settings := domain.DefaultSettings()
	settings.EarningPercent = decimal.NewFromInt(30)

	if _, err := f.svc.UpdateSettings(context.Background(), settings); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if got := f.svc.CurrentSettings(context.Background()); !got.EarningPercent.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected defaults to remain, got %s", got.EarningPercent)
	}
}

func TestUpdateSettings_RejectsPercentFinerThanStored(t *testing.T) {
	f := newLedgerFixture(t)

	for _, field := range []string{"earning_percent", "max_discount_percent"} {
		settings := domain.DefaultSettings()
		if field == "earning_percent" {
			settings.EarningPercent = decimal.RequireFromString("4.125")
		} else {
			settings.MaxDiscountPercent = decimal.RequireFromString("20.005")
		}
		if _, err := f.svc.UpdateSettings(context.Background(), settings); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", field, err)
		}
	}

	settings := domain.DefaultSettings()
	settings.EarningPercent = decimal.RequireFromString("4.50")
	if _, err := f.svc.UpdateSettings(context.Background(), settings); err != nil {
		t.Fatalf("expected two decimal places to be accepted, got %v", err)
	}
}

func TestListTransactions_NewestFirst(t *testing.T) {
	f := newLedgerFixture(t)
	accountID := f.seedAccount(0, testNow)

	for _, amount := range []int64{100, 200, 300} {
		if _, err := f.svc.Earn(context.Background(), EarnRequest{AccountID: accountID, StoreID: f.storeID, PurchaseAmount: decimal.NewFromInt(amount)}); err != nil {
			t.Fatalf("Earn returned error: %v", err)
		}
	}

	records, err := f.svc.ListTransactions(context.Background(), accountID, 2)
	if err != nil {
		t.Fatalf("ListTransactions returned error: %v", err)
	}
	if len(records) != 2 || records[0].Amount != 12 || records[1].Amount != 8 {
		t.Fatalf("unexpected records %+v", records)
	}

	if _, err := f.svc.ListTransactions(context.Background(), uuid.New(), 10); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}
}
