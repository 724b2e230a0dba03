package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/loyalty-service/internal/domain"
)

// MemoryRepository is an in-memory implementation of Repository. A single mutex
// serialises every call, which gives each mutation the same all-or-nothing
// behaviour as a database transaction. It backs local runs and the tests.
type MemoryRepository struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]domain.Account
	stores   map[uuid.UUID]domain.Store
	records  []domain.TransactionRecord
	settings *domain.Settings
	nextID   int64
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[uuid.UUID]domain.Account),
		stores:   make(map[uuid.UUID]domain.Store),
	}
}

// PutStore registers a store in the directory.
func (m *MemoryRepository) PutStore(s domain.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[s.ID] = s
}

// PutAccount inserts or replaces an account row as-is.
func (m *MemoryRepository) PutAccount(a domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
}

// PutRecord appends a record as-is, keeping its CreatedAt.
func (m *MemoryRepository) PutRecord(rec domain.TransactionRecord) domain.TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(rec)
}

func (m *MemoryRepository) appendLocked(rec domain.TransactionRecord) domain.TransactionRecord {
	m.nextID++
	rec.ID = m.nextID
	m.records = append(m.records, rec)
	return rec
}

func (m *MemoryRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &account, nil
}

func (m *MemoryRepository) CreateAccount(ctx context.Context, account domain.Account, records []domain.TransactionRecord) (*domain.MutationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.ID]; exists {
		return nil, ErrAccountExists
	}

	account.CurrentBalance = 0
	for _, rec := range records {
		if rec.Type == domain.TransactionTypeEarn {
			account.CurrentBalance += rec.Amount
		}
	}
	account.CreatedAt = account.LastActivity
	account.UpdatedAt = account.LastActivity
	m.accounts[account.ID] = account

	inserted := make([]domain.TransactionRecord, 0, len(records))
	for _, rec := range records {
		inserted = append(inserted, m.appendLocked(rec))
	}
	return &domain.MutationResult{Account: account, Records: inserted}, nil
}

func (m *MemoryRepository) FindStoreByID(ctx context.Context, storeID uuid.UUID) (*domain.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stores[storeID]
	if !ok {
		return nil, ErrStoreNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) ApplyMutation(ctx context.Context, mut domain.BalanceMutation) (*domain.MutationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[mut.AccountID]
	switch {
	case !ok:
		return nil, ErrAccountNotFound
	case !account.IsActive:
		return nil, ErrAccountInactive
	case !mut.MinLastActivity.IsZero() && account.LastActivity.Before(mut.MinLastActivity):
		return nil, ErrAccountExpired
	case account.CurrentBalance < requiredBalance(mut):
		return nil, ErrInsufficientBalance
	}

	account.CurrentBalance += mut.BalanceDelta
	if account.CurrentBalance < 0 {
		return nil, ErrNegativeBalance
	}
	account.TotalPurchaseCount += mut.PurchaseCountDelta
	account.TotalSaved += mut.SavedDelta
	if mut.TouchActivity {
		account.LastActivity = mut.At
	}
	account.UpdatedAt = mut.At
	m.accounts[account.ID] = account

	inserted := make([]domain.TransactionRecord, 0, len(mut.Records))
	for _, rec := range mut.Records {
		inserted = append(inserted, m.appendLocked(rec))
	}
	return &domain.MutationResult{Account: account, Records: inserted}, nil
}

func (m *MemoryRepository) ExpireAccount(ctx context.Context, accountID uuid.UUID, cutoff time.Time, at time.Time) (*domain.ExpirationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok || !account.IsActive || !account.LastActivity.Before(cutoff) || account.CurrentBalance <= 0 {
		return nil, ErrNotExpirable
	}

	forfeited := account.CurrentBalance
	account.CurrentBalance = 0
	account.UpdatedAt = at
	m.accounts[accountID] = account

	rec := m.appendLocked(domain.TransactionRecord{
		AccountID: accountID,
		Type:      domain.TransactionTypeSpend,
		Amount:    forfeited,
		Origin:    domain.OriginExpiration,
		Metadata:  map[string]string{"cutoff": cutoff.UTC().Format(time.RFC3339)},
		CreatedAt: at,
	})
	return &domain.ExpirationResult{AccountID: accountID, PointsExpired: forfeited, RecordID: rec.ID}, nil
}

func (m *MemoryRepository) ListExpirableAccounts(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var accounts []domain.Account
	for _, account := range m.accounts {
		if !account.IsActive || !account.LastActivity.Before(cutoff) || account.CurrentBalance <= 0 {
			continue
		}
		if bytes.Compare(account.ID[:], after[:]) <= 0 {
			continue
		}
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i].ID[:], accounts[j].ID[:]) < 0
	})
	if limit > 0 && len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, nil
}

func (m *MemoryRepository) ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []domain.TransactionRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].AccountID != accountID {
			continue
		}
		records = append(records, m.records[i])
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

func (m *MemoryRepository) CountTransactionsBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, rec := range m.records {
		if rec.CreatedAt.Before(before) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) DeleteTransactionsBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	var deleted int64
	for _, rec := range m.records {
		if rec.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	m.records = kept
	return deleted, nil
}

func (m *MemoryRepository) GetSettings(ctx context.Context) (*domain.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settings == nil {
		return nil, ErrSettingsNotFound
	}
	s := *m.settings
	return &s, nil
}

func (m *MemoryRepository) SaveSettings(ctx context.Context, settings domain.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings = &settings
	return nil
}

// Compile-time check: ensure MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)
