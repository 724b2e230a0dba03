package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/loyalty-service/internal/domain"
	"github.com/transfa/loyalty-service/internal/store"
)

var testNow = time.Date(2026, 3, 15, 14, 30, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedEvent struct {
	exchange   string
	routingKey string
	event      domain.LedgerEvent
}

type publisherStub struct {
	mu     sync.Mutex
	err    error
	events []publishedEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	event, _ := body.(domain.LedgerEvent)
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, event: event})
	return nil
}

func (p *publisherStub) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

type ledgerFixture struct {
	repo      *store.MemoryRepository
	clock     *testClock
	publisher *publisherStub
	svc       *Service
	storeID   uuid.UUID
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()

	repo := store.NewMemoryRepository()
	clock := &testClock{now: testNow}
	publisher := &publisherStub{}
	svc := NewService(repo, Options{
		Clock:             clock,
		Logger:            discardLogger(),
		Publisher:         publisher,
		EventExchange:     "loyalty.events",
		MaxPurchaseAmount: decimal.NewFromInt(1000000),
		SweepBatchSize:    2,
	})

	storeID := uuid.New()
	repo.PutStore(domain.Store{ID: storeID, Name: "Main Street", IsActive: true})

	return &ledgerFixture{repo: repo, clock: clock, publisher: publisher, svc: svc, storeID: storeID}
}

func (f *ledgerFixture) seedAccount(balance int64, lastActivity time.Time) uuid.UUID {
	id := uuid.New()
	f.repo.PutAccount(domain.Account{
		ID:             id,
		CurrentBalance: balance,
		LastActivity:   lastActivity,
		IsActive:       true,
		CreatedAt:      lastActivity,
		UpdatedAt:      lastActivity,
	})
	return id
}

func (f *ledgerFixture) account(t *testing.T, id uuid.UUID) domain.Account {
	t.Helper()
	account, err := f.repo.FindAccountByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	return *account
}

func (f *ledgerFixture) records(t *testing.T, id uuid.UUID) []domain.TransactionRecord {
	t.Helper()
	records, err := f.repo.ListTransactionsByAccount(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return records
}

func (f *ledgerFixture) updateSettings(t *testing.T, mutate func(*domain.Settings)) {
	t.Helper()
	settings := domain.DefaultSettings()
	mutate(&settings)
	if _, err := f.svc.UpdateSettings(context.Background(), settings); err != nil {
		t.Fatalf("update settings: %v", err)
	}
}

func requireRuleViolation(t *testing.T, err, target error, limit int64) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
	var rule *RuleViolationError
	if !errors.As(err, &rule) {
		t.Fatalf("expected RuleViolationError, got %T", err)
	}
	if rule.Limit != limit {
		t.Fatalf("expected limit %d, got %d", limit, rule.Limit)
	}
}
