package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/paygate/internal/assignment"
	"github.com/kalambet/paygate/internal/placement"
	"github.com/kalambet/paygate/internal/products"
	"github.com/kalambet/paygate/internal/remoteconfig"
	"github.com/kalambet/paygate/internal/telemetry"
)

// Registrar runs placement registrations. Implemented by placement.Engine.
type Registrar interface {
	Register(ctx context.Context, req placement.Request) placement.Result
}

// ConfigSource refreshes and exposes the remote config.
// Implemented by remoteconfig.Manager.
type ConfigSource interface {
	Refresh(ctx context.Context) error
	Snapshot() *remoteconfig.Snapshot
}

// Assignments lists and clears assignments. Implemented by assignment.Manager.
type Assignments interface {
	Snapshot() ([]assignment.Entry, error)
	Reset() error
}

// Identity manages the current identity. Implemented by identity.Provider.
type Identity interface {
	StableIdentifier() string
	Attributes() (map[string]any, error)
	SetAttributes(updates map[string]any) error
	Reset() error
}

// Telemetry receives records and handles backgrounding.
// Implemented by telemetry.Queue.
type Telemetry interface {
	Enqueue(rec telemetry.Record)
	PersistSnapshot(ctx context.Context) error
	Pending() (sessions, transactions int)
}

// ProductRegistrar stores products. Implemented by products.Catalog.
type ProductRegistrar interface {
	Register(products []products.Product) error
}

// ContentCache holds resolved paywall content. Implemented by content.Cache.
type ContentCache interface {
	Reset()
}

// ServiceDeps groups the collaborators of a Service. Content is optional.
type ServiceDeps struct {
	Placements  Registrar
	Config      ConfigSource
	Assignments Assignments
	Identity    Identity
	Telemetry   Telemetry
	Products    ProductRegistrar
	Content     ContentCache
}

// Service implements the operations shared by the HTTP API and MCP tools.
type Service struct {
	deps   ServiceDeps
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(deps ServiceDeps) *Service {
	return &Service{deps: deps, logger: slog.Default()}
}

// Register runs one placement registration.
func (s *Service) Register(ctx context.Context, req placement.Request) placement.Result {
	return s.deps.Placements.Register(ctx, req)
}

// Refresh fetches the remote config and records the outcome.
func (s *Service) Refresh(ctx context.Context) error {
	start := time.Now()
	if err := s.deps.Config.Refresh(ctx); err != nil {
		params := map[string]any{"error": err.Error()}
		var fe *remoteconfig.FetchError
		if errors.As(err, &fe) {
			params["kind"] = string(fe.Kind)
		}
		s.deps.Telemetry.Enqueue(telemetry.NewSession(telemetry.ConfigRefreshFail, params))
		return err
	}
	s.deps.Telemetry.Enqueue(telemetry.NewSession(telemetry.ConfigRefresh, map[string]any{
		"build_id":    s.deps.Config.Snapshot().Config().BuildID,
		"duration_ms": time.Since(start).Milliseconds(),
	}))
	return nil
}

// Assignments lists every known assignment.
func (s *Service) Assignments() ([]assignment.Entry, error) {
	return s.deps.Assignments.Snapshot()
}

// ResetResult reports what a reset did.
type ResetResult struct {
	Identifier string `json:"identifier"`
	Refreshed  bool   `json:"refreshed"`
}

// Reset logs the current identity out: a new stable identifier, no
// attributes, no assignments. Assignments for the new identity are derived
// by a config refresh; a refresh failure is logged and leaves them to the
// next scheduled refresh.
func (s *Service) Reset(ctx context.Context) (ResetResult, error) {
	if err := s.deps.Identity.Reset(); err != nil {
		return ResetResult{}, fmt.Errorf("resetting identity: %w", err)
	}
	if err := s.deps.Assignments.Reset(); err != nil {
		return ResetResult{}, fmt.Errorf("resetting assignments: %w", err)
	}
	s.resetContent("identity reset")
	s.deps.Telemetry.Enqueue(telemetry.NewSession(telemetry.IdentityReset, nil))

	res := ResetResult{Identifier: s.deps.Identity.StableIdentifier()}
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("refreshing config after reset failed", "error", err)
		return res, nil
	}
	res.Refreshed = true
	return res, nil
}

// SetAttributes merges user attributes and returns the result.
func (s *Service) SetAttributes(updates map[string]any) (map[string]any, error) {
	if err := s.deps.Identity.SetAttributes(updates); err != nil {
		return nil, err
	}
	return s.deps.Identity.Attributes()
}

// Background flushes telemetry and persists the crash-safety snapshot.
func (s *Service) Background(ctx context.Context) error {
	s.deps.Telemetry.Enqueue(telemetry.NewSession(telemetry.AppBackground, nil))
	return s.deps.Telemetry.PersistSnapshot(ctx)
}

// RecordTransaction queues a transaction record posted by the host app.
func (s *Service) RecordTransaction(name string, params map[string]any) telemetry.Record {
	rec := telemetry.NewTransaction(name, params)
	s.deps.Telemetry.Enqueue(rec)
	return rec
}

// RegisterProducts validates and stores products. Cached paywall content
// embeds product prices, so it is dropped once the catalog changes.
func (s *Service) RegisterProducts(list []products.Product) error {
	if err := s.deps.Products.Register(list); err != nil {
		return err
	}
	s.resetContent("products registered")
	return nil
}

func (s *Service) resetContent(reason string) {
	if s.deps.Content == nil {
		return
	}
	s.deps.Content.Reset()
	s.logger.Debug("paywall content cache cleared", "reason", reason)
}

// Status summarizes daemon state.
type Status struct {
	Identifier           string    `json:"identifier"`
	BuildID              string    `json:"buildId"`
	ConfigFetchedAt      time.Time `json:"configFetchedAt"`
	Triggers             int       `json:"triggers"`
	Experiments          int       `json:"experiments"`
	PendingSessions      int       `json:"pendingSessions"`
	PendingTransactions  int       `json:"pendingTransactions"`
	ConfirmedAssignments int       `json:"confirmedAssignments"`
	PendingAssignments   int       `json:"pendingAssignments"`
}

// Status reports the current config, telemetry backlog and assignments.
func (s *Service) Status() (Status, error) {
	snap := s.deps.Config.Snapshot()
	cfg := snap.Config()
	st := Status{
		Identifier:      s.deps.Identity.StableIdentifier(),
		BuildID:         cfg.BuildID,
		ConfigFetchedAt: snap.FetchedAt(),
		Triggers:        len(cfg.Triggers),
		Experiments:     len(cfg.Experiments),
	}
	st.PendingSessions, st.PendingTransactions = s.deps.Telemetry.Pending()

	entries, err := s.deps.Assignments.Snapshot()
	if err != nil {
		return Status{}, err
	}
	for _, e := range entries {
		if e.Confirmed {
			st.ConfirmedAssignments++
		} else {
			st.PendingAssignments++
		}
	}
	return st, nil
}
