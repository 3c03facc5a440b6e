// Package assignment allocates experiment variants to the current identity and
// tracks which allocations the server has acknowledged.
//
// Confirmed assignments are durable and authoritative. Unconfirmed assignments
// live in memory only until they are consumed by a placement and confirmed.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/kalambet/paygate/internal/remoteconfig"
	"github.com/kalambet/paygate/internal/storage"
)

// ErrNotFound is returned when no variant can be resolved for an experiment.
// It signals that config and assignments have drifted apart.
var ErrNotFound = errors.New("assignment not found")

const versionKey = "assignments_version"

// Store persists confirmed assignments and the assignment schema version.
type Store interface {
	ConfirmedAssignments() ([]storage.ConfirmedAssignment, error)
	InsertConfirmedAssignment(experimentID, variantID string) (bool, error)
	ClearConfirmedAssignments() error
	GetBlob(key string) ([]byte, error)
	PutBlob(key string, value []byte) error
}

// Postbacker delivers confirmations to the remote service.
type Postbacker interface {
	EnqueueConfirmation(ctx context.Context, a remoteconfig.Assignment) error
}

// IdentityProvider supplies the identifier variants are hashed against.
type IdentityProvider interface {
	StableIdentifier() string
}

// Manager owns the confirmed and unconfirmed assignment maps. Every method
// holds the manager lock for its full state transition.
type Manager struct {
	store    Store
	postback Postbacker
	identity IdentityProvider
	logger   *slog.Logger

	mu          sync.Mutex
	loaded      bool
	confirmed   map[string]string
	unconfirmed map[string]string
	experiments map[string]remoteconfig.Experiment
}

// NewManager creates a Manager. Confirmed assignments are loaded lazily on
// first use.
func NewManager(store Store, postback Postbacker, identity IdentityProvider) *Manager {
	return &Manager{
		store:       store,
		postback:    postback,
		identity:    identity,
		logger:      slog.Default(),
		confirmed:   make(map[string]string),
		unconfirmed: make(map[string]string),
		experiments: make(map[string]remoteconfig.Experiment),
	}
}

// loadLocked reads confirmed assignments from the store once. m.mu must be held.
func (m *Manager) loadLocked() error {
	if m.loaded {
		return nil
	}
	rows, err := m.store.ConfirmedAssignments()
	if err != nil {
		return fmt.Errorf("loading confirmed assignments: %w", err)
	}
	for _, a := range rows {
		m.confirmed[a.ExperimentID] = a.VariantID
	}
	m.loaded = true
	return nil
}

// Choose records the experiments of a freshly fetched config and derives an
// unconfirmed variant for each one lacking a usable confirmed assignment.
func (m *Manager) Choose(experiments []remoteconfig.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(); err != nil {
		return err
	}

	stableID := m.identity.StableIdentifier()
	m.experiments = make(map[string]remoteconfig.Experiment, len(experiments))
	for _, exp := range experiments {
		m.experiments[exp.ID] = exp

		if variantID, ok := m.confirmed[exp.ID]; ok {
			if _, valid := exp.Variant(variantID); valid {
				delete(m.unconfirmed, exp.ID)
				continue
			}
		}

		v, ok := chooseVariant(stableID, exp)
		if !ok {
			m.logger.Warn("experiment has no variants", "experiment_id", exp.ID)
			continue
		}
		m.unconfirmed[exp.ID] = v.ID
	}
	return nil
}

// chooseVariant maps a stable hash of (identifier, experiment id) onto the
// experiment's weighted variant buckets. The same inputs always produce the
// same variant.
func chooseVariant(stableID string, exp remoteconfig.Experiment) (remoteconfig.Variant, bool) {
	if len(exp.Variants) == 0 {
		return remoteconfig.Variant{}, false
	}

	h := xxhash.Sum64String(stableID + ":" + exp.ID)

	total := 0
	for _, v := range exp.Variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total == 0 {
		return exp.Variants[h%uint64(len(exp.Variants))], true
	}

	bucket := int(h % uint64(total))
	for _, v := range exp.Variants {
		if v.Weight <= 0 {
			continue
		}
		if bucket < v.Weight {
			return v, true
		}
		bucket -= v.Weight
	}
	return exp.Variants[len(exp.Variants)-1], true
}

// Resolve returns the variant assigned for experimentID. The confirmed map is
// consulted first; confirmable is true when the variant came from the
// unconfirmed map and should be confirmed once the placement is accepted.
func (m *Manager) Resolve(experimentID string) (v remoteconfig.Variant, confirmable bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(); err != nil {
		return remoteconfig.Variant{}, false, err
	}

	exp, ok := m.experiments[experimentID]
	if !ok {
		return remoteconfig.Variant{}, false, fmt.Errorf("experiment %s: %w", experimentID, ErrNotFound)
	}

	if variantID, ok := m.confirmed[experimentID]; ok {
		if v, ok := exp.Variant(variantID); ok {
			return v, false, nil
		}
		m.logger.Warn("confirmed variant missing from config", "experiment_id", experimentID, "variant_id", variantID)
	}

	if variantID, ok := m.unconfirmed[experimentID]; ok {
		if v, ok := exp.Variant(variantID); ok {
			return v, true, nil
		}
	}

	return remoteconfig.Variant{}, false, fmt.Errorf("experiment %s: %w", experimentID, ErrNotFound)
}

// Confirm moves an assignment from the unconfirmed map into the durable
// confirmed store and queues a postback. Confirming an experiment that is
// already confirmed is a no-op.
func (m *Manager) Confirm(ctx context.Context, experimentID, variantID string) error {
	m.mu.Lock()
	if err := m.loadLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if _, ok := m.confirmed[experimentID]; ok {
		m.mu.Unlock()
		return nil
	}

	inserted, err := m.store.InsertConfirmedAssignment(experimentID, variantID)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("confirming assignment %s: %w", experimentID, err)
	}
	if !inserted {
		// Another process confirmed it first; adopt whatever is stored.
		m.loaded = false
		m.confirmed = make(map[string]string)
		delete(m.unconfirmed, experimentID)
		err := m.loadLocked()
		m.mu.Unlock()
		return err
	}
	m.confirmed[experimentID] = variantID
	delete(m.unconfirmed, experimentID)
	m.mu.Unlock()

	a := remoteconfig.Assignment{ExperimentID: experimentID, VariantID: variantID}
	if err := m.postback.EnqueueConfirmation(ctx, a); err != nil {
		m.logger.Warn("queueing assignment postback failed", "experiment_id", experimentID, "error", err)
	}
	return nil
}

// Reconcile adopts server assignments for experiments with no confirmed local
// entry. Existing confirmed entries are never downgraded, and local
// unconfirmed entries the server does not know about stay pending.
func (m *Manager) Reconcile(server []remoteconfig.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(); err != nil {
		return err
	}

	for _, a := range server {
		if _, ok := m.confirmed[a.ExperimentID]; ok {
			continue
		}
		if _, err := m.store.InsertConfirmedAssignment(a.ExperimentID, a.VariantID); err != nil {
			return fmt.Errorf("adopting server assignment %s: %w", a.ExperimentID, err)
		}
		m.confirmed[a.ExperimentID] = a.VariantID
		delete(m.unconfirmed, a.ExperimentID)
	}
	return nil
}

// ApplyVersion clears confirmed assignments when the config announces a newer
// assignment schema version than the one stored locally.
func (m *Manager) ApplyVersion(version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := 0
	data, err := m.store.GetBlob(versionKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("reading assignments version: %w", err)
	default:
		if stored, err = strconv.Atoi(string(data)); err != nil {
			m.logger.Warn("unreadable assignments version, treating as 0", "value", string(data))
			stored = 0
		}
	}

	if version <= stored {
		return nil
	}

	if err := m.store.ClearConfirmedAssignments(); err != nil {
		return fmt.Errorf("clearing confirmed assignments: %w", err)
	}
	if err := m.store.PutBlob(versionKey, []byte(strconv.Itoa(version))); err != nil {
		return fmt.Errorf("storing assignments version: %w", err)
	}
	m.confirmed = make(map[string]string)
	m.loaded = true
	m.logger.Info("assignments migrated", "from_version", stored, "to_version", version)
	return nil
}

// Reset drops both maps. Used when the identity logs out; the next config
// refresh derives fresh unconfirmed assignments for the new identity.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.ClearConfirmedAssignments(); err != nil {
		return fmt.Errorf("clearing confirmed assignments: %w", err)
	}
	m.confirmed = make(map[string]string)
	m.unconfirmed = make(map[string]string)
	m.loaded = true
	return nil
}

// Entry is one assignment as reported by Snapshot.
type Entry struct {
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`
	Confirmed    bool   `json:"confirmed"`
}

// Snapshot lists every known assignment, confirmed entries first.
func (m *Manager) Snapshot() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(); err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(m.confirmed)+len(m.unconfirmed))
	for _, id := range slices.Sorted(maps.Keys(m.confirmed)) {
		out = append(out, Entry{ExperimentID: id, VariantID: m.confirmed[id], Confirmed: true})
	}
	for _, id := range slices.Sorted(maps.Keys(m.unconfirmed)) {
		if _, ok := m.confirmed[id]; ok {
			continue
		}
		out = append(out, Entry{ExperimentID: id, VariantID: m.unconfirmed[id]})
	}
	return out, nil
}
