// Package telemetry batches analytics records for delivery to the remote
// service with bounded memory and a crash-safe snapshot of recent records.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Kind separates session analytics from purchase transactions. The two are
// queued independently and combined only when a batch is sent.
type Kind string

const (
	KindSession     Kind = "session"
	KindTransaction Kind = "transaction"
)

// Record names emitted by the engine.
const (
	PlacementRegistered      = "placement_registered"
	TriggerFire              = "trigger_fire"
	PaywallResponseLoadStart = "paywall_response_load_start"
	PaywallResponseLoadDone  = "paywall_response_load_complete"
	PaywallResponseLoadFail  = "paywall_response_load_fail"
	PaywallResponseNotFound  = "paywall_response_load_not_found"
	ProductsLoadStart        = "paywall_products_load_start"
	ProductsLoadDone         = "paywall_products_load_complete"
	ProductsLoadFail         = "paywall_products_load_fail"
	AssignmentConfirmed      = "assignment_confirmed"
	IdentityReset            = "identity_reset"
	ConfigRefresh            = "config_refresh"
	ConfigRefreshFail        = "config_refresh_fail"
	AppBackground            = "app_background"
)

// Record is one analytics event.
type Record struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"createdAt"`
	Params    map[string]any `json:"params,omitempty"`
}

// NewSession returns a session record stamped with a fresh id and the
// current time.
func NewSession(name string, params map[string]any) Record {
	return newRecord(KindSession, name, params)
}

// NewTransaction returns a transaction record stamped with a fresh id and
// the current time.
func NewTransaction(name string, params map[string]any) Record {
	return newRecord(KindTransaction, name, params)
}

func newRecord(kind Kind, name string, params map[string]any) Record {
	return Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Params:    params,
	}
}

// FlushInterval returns the timer interval for an environment: 20 seconds in
// production, 5 seconds otherwise.
func FlushInterval(environment string) time.Duration {
	if environment == "production" {
		return 20 * time.Second
	}
	return 5 * time.Second
}
