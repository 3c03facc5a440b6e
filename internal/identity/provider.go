// Package identity owns the stable identifier experiments are hashed against
// and the user attributes audience expressions read.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/paygate/internal/storage"
)

const (
	aliasKey      = "identity_alias"
	attributesKey = "identity_attributes"
	installKey    = "install_time"

	aliasPrefix = "$PaygateAlias:"
)

// Store persists identity state as opaque blobs. Implemented by storage.Store.
type Store interface {
	GetBlob(key string) ([]byte, error)
	PutBlob(key string, value []byte) error
	DeleteBlob(key string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Provider hands out the stable identifier and a cached view of the user's
// attributes.
type Provider struct {
	store  Store
	clock  Clock
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	alias    string
	cached   map[string]any
	cachedAt time.Time
}

// NewProvider creates a Provider with a 60-second attribute cache TTL.
func NewProvider(store Store) *Provider {
	return NewProviderWithClock(store, realClock{}, 60*time.Second)
}

// NewProviderWithClock creates a Provider with a custom clock (for testing).
func NewProviderWithClock(store Store, clock Clock, ttl time.Duration) *Provider {
	return &Provider{
		store:  store,
		clock:  clock,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

// StableIdentifier returns the persisted alias, creating one on first use.
// If the alias cannot be persisted it is still kept for the life of the
// process so hashing stays consistent.
func (p *Provider) StableIdentifier() string {
	p.mu.RLock()
	alias := p.alias
	p.mu.RUnlock()
	if alias != "" {
		return alias
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alias != "" {
		return p.alias
	}

	data, err := p.store.GetBlob(aliasKey)
	switch {
	case err == nil && len(data) > 0:
		p.alias = string(data)
		return p.alias
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		p.logger.Warn("reading identity alias failed", "error", err)
	}

	p.alias = newAlias()
	if err := p.store.PutBlob(aliasKey, []byte(p.alias)); err != nil {
		p.logger.Warn("persisting identity alias failed", "error", err)
	}
	p.ensureInstallTimeLocked()
	return p.alias
}

func newAlias() string {
	return aliasPrefix + uuid.NewString()
}

// InstallTime returns when this installation first produced an identity.
func (p *Provider) InstallTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureInstallTimeLocked()
}

func (p *Provider) ensureInstallTimeLocked() time.Time {
	data, err := p.store.GetBlob(installKey)
	if err == nil {
		if ms, perr := strconv.ParseInt(string(data), 10, 64); perr == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	now := p.clock.Now().UTC()
	if err := p.store.PutBlob(installKey, []byte(strconv.FormatInt(now.UnixMilli(), 10))); err != nil {
		p.logger.Warn("persisting install time failed", "error", err)
	}
	return now
}

// Attributes returns a copy of the user's attributes, served from cache while
// it is fresh.
func (p *Provider) Attributes() (map[string]any, error) {
	p.mu.RLock()
	if p.cached != nil && p.clock.Now().Before(p.cachedAt.Add(p.ttl)) {
		out := maps.Clone(p.cached)
		p.mu.RUnlock()
		return out, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.clock.Now().Before(p.cachedAt.Add(p.ttl)) {
		return maps.Clone(p.cached), nil
	}

	attrs, err := p.loadLocked()
	if err != nil {
		return nil, err
	}
	p.cached = attrs
	p.cachedAt = p.clock.Now()
	return maps.Clone(attrs), nil
}

func (p *Provider) loadLocked() (map[string]any, error) {
	data, err := p.store.GetBlob(attributesKey)
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading user attributes: %w", err)
	}
	attrs := map[string]any{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("decoding user attributes: %w", err)
	}
	return attrs, nil
}

// SetAttributes merges updates into the stored attributes. A nil value
// removes the key.
func (p *Provider) SetAttributes(updates map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	attrs, err := p.loadLocked()
	if err != nil {
		return err
	}
	for k, v := range updates {
		if v == nil {
			delete(attrs, k)
			continue
		}
		attrs[k] = v
	}

	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encoding user attributes: %w", err)
	}
	if err := p.store.PutBlob(attributesKey, data); err != nil {
		return fmt.Errorf("storing user attributes: %w", err)
	}
	p.cached = nil
	return nil
}

// Reset forgets the current user: a fresh alias is generated and all
// attributes are dropped. The install time is kept.
func (p *Provider) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.DeleteBlob(attributesKey); err != nil {
		return fmt.Errorf("clearing user attributes: %w", err)
	}
	alias := newAlias()
	if err := p.store.PutBlob(aliasKey, []byte(alias)); err != nil {
		return fmt.Errorf("storing identity alias: %w", err)
	}
	p.alias = alias
	p.cached = nil
	return nil
}
