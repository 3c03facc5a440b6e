package remoteconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/paygate/internal/storage"
)

// snapshotKey is the blob key the last good config is persisted under.
const snapshotKey = "remote_config"

// FetchErrorKind classifies a failed config fetch.
type FetchErrorKind string

const (
	FetchNotFound    FetchErrorKind = "not_found"
	FetchTimeout     FetchErrorKind = "timeout"
	FetchServerError FetchErrorKind = "server_error"
)

// FetchError is returned when the remote config could not be fetched.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("config fetch failed (%s): %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves config and server-side assignments.
type Fetcher interface {
	FetchConfig(ctx context.Context) (Config, error)
	FetchAssignments(ctx context.Context) ([]Assignment, error)
}

// BlobStore persists the last good config.
type BlobStore interface {
	GetBlob(key string) ([]byte, error)
	PutBlob(key string, value []byte) error
}

// AssignmentSync is the part of the assignment manager a config refresh drives.
type AssignmentSync interface {
	ApplyVersion(version int) error
	Reconcile(server []Assignment) error
	Choose(experiments []Experiment) error
}

// Manager owns the current config snapshot and replaces it atomically on
// every successful refresh.
type Manager struct {
	fetcher     Fetcher
	store       BlobStore
	assignments AssignmentSync
	logger      *slog.Logger

	refreshMu sync.Mutex
	current   atomic.Pointer[Snapshot]
}

// NewManager creates a Manager with an empty snapshot.
func NewManager(fetcher Fetcher, store BlobStore, assignments AssignmentSync) *Manager {
	m := &Manager{
		fetcher:     fetcher,
		store:       store,
		assignments: assignments,
		logger:      slog.Default(),
	}
	m.current.Store(NewSnapshot(Config{}, time.Time{}))
	return m
}

// Snapshot returns the current config snapshot. It is never nil.
func (m *Manager) Snapshot() *Snapshot {
	return m.current.Load()
}

// Load installs the persisted config, if any, so placements can be evaluated
// before the first network refresh completes.
func (m *Manager) Load() error {
	data, err := m.store.GetBlob(snapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config snapshot: %w", err)
	}

	var persisted persistedConfig
	if err := json.Unmarshal(data, &persisted); err != nil {
		m.logger.Warn("discarding unreadable config snapshot", "error", err)
		return nil
	}

	snap := NewSnapshot(persisted.Config, persisted.FetchedAt)
	if err := m.assignments.Choose(snap.Experiments()); err != nil {
		return fmt.Errorf("choosing assignments from cached config: %w", err)
	}
	m.current.Store(snap)
	return nil
}

type persistedConfig struct {
	Config    Config    `json:"config"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Refresh fetches config and server assignments concurrently, reconciles
// assignments and derives unconfirmed ones for experiments without a
// confirmed variant, then installs the new snapshot. Assignment fetch
// failures are logged and do not fail the refresh; a failure to derive
// assignments does, and leaves the previous snapshot in place.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	var cfg Config
	var server []Assignment

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := m.fetcher.FetchConfig(gCtx)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	})
	g.Go(func() error {
		a, err := m.fetcher.FetchAssignments(gCtx)
		if err != nil {
			m.logger.Warn("fetching server assignments failed", "error", err)
			return nil
		}
		server = a
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.assignments.ApplyVersion(cfg.AssignmentsVersion); err != nil {
		return fmt.Errorf("migrating assignments: %w", err)
	}

	fetchedAt := time.Now().UTC()
	snap := NewSnapshot(cfg, fetchedAt)

	// Assignments must cover every experiment of snap before it goes live,
	// otherwise a concurrent registration would see a trigger whose
	// experiment has no variant yet.
	if len(server) > 0 {
		if err := m.assignments.Reconcile(server); err != nil {
			m.logger.Warn("reconciling server assignments failed", "error", err)
		}
	}
	if err := m.assignments.Choose(snap.Experiments()); err != nil {
		return fmt.Errorf("choosing assignments: %w", err)
	}
	m.current.Store(snap)

	data, err := json.Marshal(persistedConfig{Config: cfg, FetchedAt: fetchedAt})
	if err != nil {
		return fmt.Errorf("encoding config snapshot: %w", err)
	}
	if err := m.store.PutBlob(snapshotKey, data); err != nil {
		m.logger.Warn("persisting config snapshot failed", "error", err)
	}

	m.logger.Info("config refreshed",
		"build_id", cfg.BuildID,
		"triggers", len(cfg.Triggers),
		"experiments", len(cfg.Experiments),
		"server_assignments", len(server),
	)
	return nil
}

// Snapshot is an immutable, indexed view of one Config.
type Snapshot struct {
	config      Config
	fetchedAt   time.Time
	triggers    map[string]Trigger
	experiments map[string]Experiment
	paywalls    map[string]PaywallDefinition
}

// NewSnapshot indexes cfg. Later duplicates of a placement name or id win.
func NewSnapshot(cfg Config, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{
		config:      cfg,
		fetchedAt:   fetchedAt,
		triggers:    make(map[string]Trigger, len(cfg.Triggers)),
		experiments: make(map[string]Experiment, len(cfg.Experiments)),
		paywalls:    make(map[string]PaywallDefinition, len(cfg.StaticPaywalls)),
	}
	for _, t := range cfg.Triggers {
		s.triggers[t.PlacementName] = t
	}
	for _, e := range cfg.Experiments {
		s.experiments[e.ID] = e
	}
	for _, p := range cfg.StaticPaywalls {
		s.paywalls[p.ID] = p
	}
	return s
}

func (s *Snapshot) Config() Config       { return s.config }
func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

func (s *Snapshot) Trigger(placementName string) (Trigger, bool) {
	t, ok := s.triggers[placementName]
	return t, ok
}

func (s *Snapshot) Experiment(id string) (Experiment, bool) {
	e, ok := s.experiments[id]
	return e, ok
}

func (s *Snapshot) StaticPaywall(id string) (PaywallDefinition, bool) {
	p, ok := s.paywalls[id]
	return p, ok
}

// Experiments returns every known experiment referenced by at least one
// trigger rule, in first-reference order.
func (s *Snapshot) Experiments() []Experiment {
	seen := make(map[string]bool)
	var out []Experiment
	for _, t := range s.config.Triggers {
		for _, r := range t.Rules {
			if seen[r.ExperimentID] {
				continue
			}
			seen[r.ExperimentID] = true
			if e, ok := s.experiments[r.ExperimentID]; ok {
				out = append(out, e)
			}
		}
	}
	return out
}
