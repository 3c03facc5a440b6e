package content

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/paygate/internal/audience"
	"github.com/kalambet/paygate/internal/products"
	"github.com/kalambet/paygate/internal/remoteconfig"
	"github.com/kalambet/paygate/internal/storage"
	"github.com/kalambet/paygate/internal/telemetry"
)

// --- Mocks ---

type mockSource struct {
	calls   atomic.Int32
	gate    chan struct{}
	fetchFn func(id string, call int32) (remoteconfig.PaywallDefinition, error)
}

func (m *mockSource) FetchPaywall(ctx context.Context, id string) (remoteconfig.PaywallDefinition, error) {
	n := m.calls.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	if m.fetchFn != nil {
		return m.fetchFn(id, n)
	}
	return testDefinition(id), nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string  { return "404" }
func (notFoundErr) NotFound() bool { return true }

type staticConfig struct{ snap *remoteconfig.Snapshot }

func (s staticConfig) Snapshot() *remoteconfig.Snapshot { return s.snap }

type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) Enqueue(rec telemetry.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, rec.Name)
}

func (r *recorder) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

func testDefinition(id string) remoteconfig.PaywallDefinition {
	return remoteconfig.PaywallDefinition{
		ID:   id,
		Name: "Paywall " + id,
		URL:  "https://paywalls.example.com/" + id,
		Products: []remoteconfig.ProductSlot{
			{Name: "primary", ProductID: "pro_monthly"},
			{Name: "secondary", ProductID: "pro_yearly"},
		},
	}
}

func testCatalog(t *testing.T) *products.Catalog {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	c := products.NewCatalog(s)
	if err := c.Register([]products.Product{
		{ID: "pro_monthly", Price: 9.99, CurrencyCode: "USD", Period: "month", TrialPeriodDays: 7},
		{ID: "pro_yearly", Price: 59.99, CurrencyCode: "USD", Period: "year"},
		{ID: "pro_weekly", Price: 2.99, CurrencyCode: "USD", Period: "week"},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return c
}

func newTestCache(t *testing.T, src *mockSource) (*Cache, *recorder) {
	t.Helper()
	rec := &recorder{}
	return NewCache(Deps{Source: src, Catalog: testCatalog(t), Events: rec}), rec
}

// --- Tests ---

func TestGet_LoadsAndCaches(t *testing.T) {
	src := &mockSource{}
	c, rec := newTestCache(t, src)
	ctx := context.Background()
	req := Request{PaywallID: "pw1", Locale: "en_US"}

	p, err := c.Get(ctx, req)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Definition.ID != "pw1" {
		t.Errorf("Definition.ID = %q", p.Definition.ID)
	}
	if p.Products["primary"].ID != "pro_monthly" || p.Products["secondary"].ID != "pro_yearly" {
		t.Errorf("Products = %+v", p.Products)
	}
	if !p.IsFreeTrialAvailable {
		t.Error("IsFreeTrialAvailable should be true")
	}
	if p.Locale != "en-US" {
		t.Errorf("Locale = %q, want en-US", p.Locale)
	}
	if p.Timings.DefinitionEnd.Before(p.Timings.DefinitionStart) || p.Timings.ProductsStart.IsZero() {
		t.Errorf("Timings = %+v", p.Timings)
	}

	if _, err := c.Get(ctx, req); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if got := src.calls.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	if !c.Cached(req) {
		t.Error("request should be cached")
	}
	for _, name := range []string{telemetry.PaywallResponseLoadStart, telemetry.PaywallResponseLoadDone, telemetry.ProductsLoadStart, telemetry.ProductsLoadDone} {
		if !rec.has(name) {
			t.Errorf("missing telemetry record %s", name)
		}
	}
}

func TestGet_SingleFlight(t *testing.T) {
	src := &mockSource{gate: make(chan struct{})}
	c, _ := newTestCache(t, src)
	req := Request{PaywallID: "pw1"}

	const n = 16
	results := make([]*Paywall, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), req)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if got := src.calls.Load(); got != 1 {
		t.Fatalf("fetches = %d, want exactly 1", got)
	}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Definition.ID != "pw1" || results[i].Products["primary"].ID != "pro_monthly" {
			t.Errorf("caller %d got %+v", i, results[i].Definition)
		}
	}
	if results[0] == results[1] {
		t.Error("callers should receive distinct copies")
	}
}

func TestGet_SingleFlightSharesError(t *testing.T) {
	src := &mockSource{
		gate: make(chan struct{}),
		fetchFn: func(string, int32) (remoteconfig.PaywallDefinition, error) {
			return remoteconfig.PaywallDefinition{}, errors.New("connection reset")
		},
	}
	c, _ := newTestCache(t, src)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), Request{PaywallID: "pw1"})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	for i, err := range errs {
		var fe *FetchError
		if !errors.As(err, &fe) || fe.Kind != ContentFetchFailed {
			t.Errorf("caller %d error = %v, want FetchError(fetch_failed)", i, err)
		}
	}
	if got := src.calls.Load(); got > int32(n) || got < 1 {
		t.Errorf("fetches = %d", got)
	}
}

func TestGet_DebugNeverCached(t *testing.T) {
	src := &mockSource{}
	c, _ := newTestCache(t, src)
	req := Request{PaywallID: "pw1", Debug: true}

	for range 2 {
		if _, err := c.Get(context.Background(), req); err != nil {
			t.Fatalf("Get: %v", err)
		}
		if c.Cached(req) {
			t.Fatal("debug request must not be cached")
		}
	}
	if got := src.calls.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestGet_FailureNotCachedAndRetried(t *testing.T) {
	src := &mockSource{
		fetchFn: func(id string, call int32) (remoteconfig.PaywallDefinition, error) {
			if call == 1 {
				return remoteconfig.PaywallDefinition{}, errors.New("timeout")
			}
			return testDefinition(id), nil
		},
	}
	c, rec := newTestCache(t, src)
	req := Request{PaywallID: "pw1"}

	if _, err := c.Get(context.Background(), req); err == nil {
		t.Fatal("first Get should fail")
	}
	if c.Cached(req) {
		t.Fatal("failed load must not be cached")
	}
	if !rec.has(telemetry.PaywallResponseLoadFail) {
		t.Error("missing load fail record")
	}

	if _, err := c.Get(context.Background(), req); err != nil {
		t.Fatalf("retry Get: %v", err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	src := &mockSource{
		fetchFn: func(string, int32) (remoteconfig.PaywallDefinition, error) {
			return remoteconfig.PaywallDefinition{}, notFoundErr{}
		},
	}
	c, rec := newTestCache(t, src)

	_, err := c.Get(context.Background(), Request{PaywallID: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != ContentNotFound || fe.PaywallID != "ghost" {
		t.Errorf("FetchError = %+v", fe)
	}
	if !rec.has(telemetry.PaywallResponseNotFound) {
		t.Error("missing not-found record")
	}
}

func TestGet_UnknownProductFails(t *testing.T) {
	src := &mockSource{
		fetchFn: func(id string, _ int32) (remoteconfig.PaywallDefinition, error) {
			def := testDefinition(id)
			def.Products = append(def.Products, remoteconfig.ProductSlot{Name: "tertiary", ProductID: "missing"})
			return def, nil
		},
	}
	c, rec := newTestCache(t, src)

	_, err := c.Get(context.Background(), Request{PaywallID: "pw1"})
	if !errors.Is(err, products.ErrUnknownProduct) {
		t.Fatalf("error = %v, want products.ErrUnknownProduct", err)
	}
	if !rec.has(telemetry.ProductsLoadFail) {
		t.Error("missing products fail record")
	}
}

func TestGet_StaticPaywallSkipsNetwork(t *testing.T) {
	src := &mockSource{}
	def := testDefinition("static")
	def.Name = "Offline"
	snap := remoteconfig.NewSnapshot(remoteconfig.Config{StaticPaywalls: []remoteconfig.PaywallDefinition{def}}, time.Now())
	c := NewCache(Deps{Source: src, Static: staticConfig{snap: snap}, Catalog: testCatalog(t)})

	p, err := c.Get(context.Background(), Request{PaywallID: "static"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Definition.Name != "Offline" {
		t.Errorf("Name = %q, want Offline", p.Definition.Name)
	}
	if src.calls.Load() != 0 {
		t.Error("network should not be used for static paywalls")
	}
}

func TestGet_RestampsExperiment(t *testing.T) {
	src := &mockSource{}
	c, _ := newTestCache(t, src)
	ctx := context.Background()

	a, err := c.Get(ctx, Request{PaywallID: "pw1", Experiment: &audience.ExperimentRef{ID: "e1"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := c.Get(ctx, Request{PaywallID: "pw1", Experiment: &audience.ExperimentRef{ID: "e2"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Experiment.ID != "e1" || b.Experiment.ID != "e2" {
		t.Errorf("experiments = %s, %s; want e1, e2", a.Experiment.ID, b.Experiment.ID)
	}
	if src.calls.Load() != 1 {
		t.Errorf("fetches = %d, want 1", src.calls.Load())
	}

	// Mutating a returned copy must not leak into the cache.
	a.TemplateVariables["isTrialAvailable"] = "tampered"
	c2, _ := c.Get(ctx, Request{PaywallID: "pw1"})
	if c2.TemplateVariables["isTrialAvailable"] != true {
		t.Error("cached entry was mutated through a returned copy")
	}
	if c2.Experiment != nil {
		t.Error("request without experiment should get none")
	}
}

func TestGet_Substitutions(t *testing.T) {
	src := &mockSource{}
	c, _ := newTestCache(t, src)
	ctx := context.Background()

	plain, err := c.Get(ctx, Request{PaywallID: "pw1"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	subbed, err := c.Get(ctx, Request{PaywallID: "pw1", Substitutions: map[string]string{"primary": "pro_weekly"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if plain.Products["primary"].ID != "pro_monthly" {
		t.Errorf("plain primary = %q", plain.Products["primary"].ID)
	}
	if subbed.Products["primary"].ID != "pro_weekly" {
		t.Errorf("substituted primary = %q, want pro_weekly", subbed.Products["primary"].ID)
	}
	if src.calls.Load() != 2 {
		t.Errorf("fetches = %d, want 2 (different keys)", src.calls.Load())
	}
}

func TestGet_CallerCancelDoesNotAbortLoad(t *testing.T) {
	src := &mockSource{gate: make(chan struct{})}
	c, _ := newTestCache(t, src)
	req := Request{PaywallID: "pw1"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, req)
		done <- err
	}()

	for src.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	close(src.gate)
	deadline := time.Now().Add(2 * time.Second)
	for !c.Cached(req) {
		if time.Now().After(deadline) {
			t.Fatal("abandoned load did not populate the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReset(t *testing.T) {
	src := &mockSource{}
	c, _ := newTestCache(t, src)
	req := Request{PaywallID: "pw1"}
	if _, err := c.Get(context.Background(), req); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Reset()
	if c.Cached(req) {
		t.Error("Reset should empty the cache")
	}
}

func TestRequestKey(t *testing.T) {
	a := Request{PaywallID: "pw1", Locale: "en_US", Substitutions: map[string]string{"a": "1", "b": "2"}}
	b := Request{PaywallID: "pw1", Locale: "en-us", Substitutions: map[string]string{"b": "2", "a": "1"}, Experiment: &audience.ExperimentRef{ID: "x"}}
	if a.Key() != b.Key() {
		t.Error("equivalent requests should share a key")
	}
	if a.Key() == (Request{PaywallID: "pw2", Locale: "en_US"}).Key() {
		t.Error("different paywalls should not share a key")
	}
	if a.Key() == (Request{PaywallID: "pw1", Locale: "de_DE", Substitutions: a.Substitutions}).Key() {
		t.Error("different locales should not share a key")
	}
}

func TestRequestKey_SeparatorsInsideFields(t *testing.T) {
	cases := []struct {
		name string
		a, b Request
	}{
		{
			name: "substitution value spanning two slots",
			a:    Request{PaywallID: "pw", Substitutions: map[string]string{"a": "1|b=2"}},
			b:    Request{PaywallID: "pw", Substitutions: map[string]string{"a": "1", "b": "2"}},
		},
		{
			name: "equals sign inside slot name",
			a:    Request{PaywallID: "pw", Substitutions: map[string]string{"a=1": "x"}},
			b:    Request{PaywallID: "pw", Substitutions: map[string]string{"a": "1=x"}},
		},
		{
			name: "paywall id absorbing the locale",
			a:    Request{PaywallID: "pw|fr"},
			b:    Request{PaywallID: "pw", Locale: "fr"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.a.Key() == tc.b.Key() {
				t.Errorf("requests %+v and %+v share key %s", tc.a, tc.b, tc.a.Key())
			}
		})
	}
}
