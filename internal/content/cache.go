package content

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"

	"github.com/kalambet/paygate/internal/products"
	"github.com/kalambet/paygate/internal/remoteconfig"
	"github.com/kalambet/paygate/internal/telemetry"
)

// DefinitionSource fetches paywall definitions from the network.
// Implemented by network.Client.
type DefinitionSource interface {
	FetchPaywall(ctx context.Context, id string) (remoteconfig.PaywallDefinition, error)
}

// StaticSource exposes paywall definitions embedded in the remote config.
// Implemented by remoteconfig.Manager.
type StaticSource interface {
	Snapshot() *remoteconfig.Snapshot
}

// Catalog resolves product ids. Implemented by products.Catalog.
type Catalog interface {
	Resolve(ctx context.Context, ids []string, substitutions map[string]string) (map[string]products.Product, error)
}

// Recorder receives telemetry records. Implemented by telemetry.Queue.
type Recorder interface {
	Enqueue(rec telemetry.Record)
}

type notFounder interface {
	NotFound() bool
}

// Deps groups the collaborators of a Cache. Static, Events and Locale are
// optional.
type Deps struct {
	Source  DefinitionSource
	Static  StaticSource
	Catalog Catalog
	Events  Recorder
	Locale  language.Tag
}

type nopRecorder struct{}

func (nopRecorder) Enqueue(telemetry.Record) {}

// Cache is the single-flight paywall content cache. A load for a given key
// runs at most once at a time; every concurrent caller for that key receives
// its result.
type Cache struct {
	deps   Deps
	tracer trace.Tracer
	logger *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	cached map[string]*Paywall
}

// NewCache creates an empty Cache.
func NewCache(deps Deps) *Cache {
	if deps.Events == nil {
		deps.Events = nopRecorder{}
	}
	if deps.Locale == language.Und {
		deps.Locale = language.AmericanEnglish
	}
	return &Cache{
		deps:   deps,
		tracer: otel.Tracer("github.com/kalambet/paygate/internal/content"),
		logger: slog.Default(),
		cached: make(map[string]*Paywall),
	}
}

// Get returns the paywall for req, loading it if needed. Cancelling ctx stops
// the wait but not the load, which still populates the cache for later
// callers.
func (c *Cache) Get(ctx context.Context, req Request) (*Paywall, error) {
	key := req.Key()
	if req.Debug {
		key = "debug:" + key
	} else if p, ok := c.lookup(key); ok {
		return p.stamped(req.Experiment), nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if !req.Debug {
			if p, ok := c.lookup(key); ok {
				return p, nil
			}
		}
		p, err := c.load(loadCtx, req)
		if err != nil {
			return nil, err
		}
		if !req.Debug {
			c.mu.Lock()
			c.cached[key] = p
			c.mu.Unlock()
		}
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Paywall).stamped(req.Experiment), nil
	}
}

func (c *Cache) lookup(key string) (*Paywall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.cached[key]
	return p, ok
}

// Cached reports whether content for req is in the cache.
func (c *Cache) Cached(req Request) bool {
	_, ok := c.lookup(req.Key())
	return ok
}

// Reset drops every cached paywall. Loads in flight are unaffected.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = make(map[string]*Paywall)
}

// Len returns the number of cached paywalls.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cached)
}

func (c *Cache) load(ctx context.Context, req Request) (*Paywall, error) {
	p := &Paywall{Locale: canonicalLocale(req.Locale)}

	p.Timings.DefinitionStart = time.Now().UTC()
	def, err := c.definition(ctx, req)
	p.Timings.DefinitionEnd = time.Now().UTC()
	if err != nil {
		return nil, err
	}
	p.Definition = def

	p.Timings.ProductsStart = time.Now().UTC()
	slots, err := c.resolveProducts(ctx, req, def)
	p.Timings.ProductsEnd = time.Now().UTC()
	if err != nil {
		return nil, err
	}
	p.Products = slots

	tag := c.deps.Locale
	if req.Locale != "" {
		if t, err := language.Parse(p.Locale); err == nil {
			tag = t
		}
	}
	p.TemplateVariables = products.TemplateVariables(slots, tag)
	p.IsFreeTrialAvailable = products.IsTrialAvailable(slots)

	c.logger.Debug("paywall loaded",
		"paywall_id", req.PaywallID,
		"products", len(slots),
		"definition_ms", p.Timings.DefinitionEnd.Sub(p.Timings.DefinitionStart).Milliseconds(),
		"products_ms", p.Timings.ProductsEnd.Sub(p.Timings.ProductsStart).Milliseconds(),
	)
	return p, nil
}

func (c *Cache) definition(ctx context.Context, req Request) (remoteconfig.PaywallDefinition, error) {
	ctx, span := c.tracer.Start(ctx, "content.fetch_definition",
		trace.WithAttributes(attribute.String("paywall.id", req.PaywallID)))
	defer span.End()

	params := map[string]any{"paywall_id": req.PaywallID, "placement": req.PlacementName}
	c.deps.Events.Enqueue(telemetry.NewSession(telemetry.PaywallResponseLoadStart, params))

	if c.deps.Static != nil {
		if def, ok := c.deps.Static.Snapshot().StaticPaywall(req.PaywallID); ok {
			span.SetAttributes(attribute.Bool("paywall.static", true))
			c.deps.Events.Enqueue(telemetry.NewSession(telemetry.PaywallResponseLoadDone, params))
			return def, nil
		}
	}

	def, err := c.deps.Source.FetchPaywall(ctx, req.PaywallID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetching paywall definition")

		var nf notFounder
		if errors.As(err, &nf) && nf.NotFound() {
			c.deps.Events.Enqueue(telemetry.NewSession(telemetry.PaywallResponseNotFound, params))
			return remoteconfig.PaywallDefinition{}, &FetchError{Kind: ContentNotFound, PaywallID: req.PaywallID, Err: err}
		}
		c.deps.Events.Enqueue(telemetry.NewSession(telemetry.PaywallResponseLoadFail, params))
		return remoteconfig.PaywallDefinition{}, &FetchError{Kind: ContentFetchFailed, PaywallID: req.PaywallID, Err: err}
	}

	c.deps.Events.Enqueue(telemetry.NewSession(telemetry.PaywallResponseLoadDone, params))
	return def, nil
}

// resolveProducts returns the product bound to each slot of def, keyed by
// slot name, with slot substitutions applied.
func (c *Cache) resolveProducts(ctx context.Context, req Request, def remoteconfig.PaywallDefinition) (map[string]products.Product, error) {
	ctx, span := c.tracer.Start(ctx, "content.resolve_products",
		trace.WithAttributes(
			attribute.String("paywall.id", req.PaywallID),
			attribute.Int("paywall.slots", len(def.Products)),
		))
	defer span.End()

	if len(def.Products) == 0 {
		return map[string]products.Product{}, nil
	}

	params := map[string]any{"paywall_id": req.PaywallID, "placement": req.PlacementName}
	c.deps.Events.Enqueue(telemetry.NewSession(telemetry.ProductsLoadStart, params))

	ids := make([]string, 0, len(def.Products))
	subs := make(map[string]string)
	for _, slot := range def.Products {
		ids = append(ids, slot.ProductID)
		if sub, ok := req.Substitutions[slot.Name]; ok {
			subs[slot.ProductID] = sub
		}
	}

	resolved, err := c.deps.Catalog.Resolve(ctx, ids, subs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolving products")
		c.deps.Events.Enqueue(telemetry.NewSession(telemetry.ProductsLoadFail, params))
		return nil, &FetchError{Kind: ContentFetchFailed, PaywallID: req.PaywallID, Err: err}
	}

	slots := make(map[string]products.Product, len(def.Products))
	for _, slot := range def.Products {
		slots[slot.Name] = resolved[slot.ProductID]
	}
	c.deps.Events.Enqueue(telemetry.NewSession(telemetry.ProductsLoadDone, params))
	return slots, nil
}
