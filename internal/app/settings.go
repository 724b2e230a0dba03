package app

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/transfa/loyalty-service/internal/domain"
	"github.com/transfa/loyalty-service/internal/store"
	"golang.org/x/sync/singleflight"
)

// DefaultSettingsTTL bounds how stale a cached settings read may be for callers
// other than the one that just wrote new settings.
const DefaultSettingsTTL = 30 * time.Second

// settingsReadTimeout bounds one shared storage read.
const settingsReadTimeout = 5 * time.Second

// SettingsStore is the storage side of the settings singleton.
type SettingsStore interface {
	GetSettings(ctx context.Context) (*domain.Settings, error)
}

type settingsEntry struct {
	settings   domain.Settings
	fetchedAt  time.Time
	generation uint64
}

// SettingsProvider caches the business rules for a bounded TTL. Get never
// fails: on a storage error it serves the last value it cached, or the
// defaults if it never cached one.
//
// Invalidate bumps a generation counter instead of clearing the cache, so
// readers never wait on it and a read that started before the bump can never
// satisfy a Get issued after it.
type SettingsProvider struct {
	store      SettingsStore
	clock      Clock
	ttl        time.Duration
	logger     *slog.Logger
	current    atomic.Pointer[settingsEntry]
	generation atomic.Uint64
	group      singleflight.Group
}

// NewSettingsProvider creates a provider with its own empty cache.
func NewSettingsProvider(settingsStore SettingsStore, clock Clock, ttl time.Duration, logger *slog.Logger) *SettingsProvider {
	if ttl <= 0 {
		ttl = DefaultSettingsTTL
	}
	return &SettingsProvider{
		store:  settingsStore,
		clock:  clock,
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the current settings, reading storage on a cache miss. The read
// is shared by every caller that misses on the same generation, so it runs
// detached from the cancellation of whichever caller started it.
func (p *SettingsProvider) Get(ctx context.Context) domain.Settings {
	gen := p.generation.Load()
	if entry := p.current.Load(); entry != nil && entry.generation == gen && p.clock.Now().Sub(entry.fetchedAt) < p.ttl {
		return entry.settings
	}

	v, _, _ := p.group.Do(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settingsReadTimeout)
		defer cancel()
		return p.refresh(readCtx, gen), nil
	})
	return v.(domain.Settings)
}

// Invalidate forces the next Get to read storage.
func (p *SettingsProvider) Invalidate() {
	p.generation.Add(1)
}

func (p *SettingsProvider) refresh(ctx context.Context, gen uint64) domain.Settings {
	settings, err := p.store.GetSettings(ctx)
	if err != nil {
		if errors.Is(err, store.ErrSettingsNotFound) {
			defaults := domain.DefaultSettings()
			p.current.Store(&settingsEntry{settings: defaults, fetchedAt: p.clock.Now(), generation: gen})
			return defaults
		}
		if last := p.current.Load(); last != nil {
			p.logger.Warn("settings read failed; serving last known settings", "error", err)
			return last.settings
		}
		p.logger.Warn("settings read failed; serving default settings", "error", err)
		return domain.DefaultSettings()
	}

	p.current.Store(&settingsEntry{settings: *settings, fetchedAt: p.clock.Now(), generation: gen})
	return *settings
}
