package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/paygate/internal/api"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// captureOutput redirects stdout and disables colors for the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevColor := stdout, noColor
	stdout, noColor = &buf, true
	t.Cleanup(func() { stdout, noColor = prevOut, prevColor })
	return &buf
}

var ctx = context.Background()

const paywallResult = `{
	"outcome": {
		"kind": "paywall",
		"ruleId": "rule-1",
		"experiment": {"id": "exp-1", "groupId": "g-1", "variant": {"id": "var-a", "type": "TREATMENT", "paywallId": "pw-1"}}
	},
	"paywall": {
		"products": {"primary": {"id": "pro_monthly", "price": 9.99, "currencyCode": "USD", "period": "month", "trialPeriodDays": 7}},
		"isFreeTrialAvailable": true
	}
}`

func TestClient_PostRegister(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /placements/campaign_trigger": paywallResult,
	})

	resp, err := ts.client().post(ctx, "/placements/campaign_trigger", api.RegisterRequest{
		Params:        map[string]any{"plan": "pro"},
		Substitutions: map[string]string{"primary": "pro_yearly"},
		Locale:        "de_DE",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if _, ok := result["paywall"]; !ok {
		t.Error("expected paywall in result")
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body api.RegisterRequest
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Params["plan"] != "pro" {
		t.Errorf("params.plan = %v, want pro", body.Params["plan"])
	}
	if body.Substitutions["primary"] != "pro_yearly" {
		t.Errorf("substitutions.primary = %q, want pro_yearly", body.Substitutions["primary"])
	}
	if body.Locale != "de_DE" {
		t.Errorf("locale = %q, want de_DE", body.Locale)
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = decodeJSON(resp, nil)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want status and message", err)
	}
}

func TestDecodeJSON_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	resp, err := c.post(ctx, "/lifecycle/background", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v map[string]any
	if err := decodeJSON(resp, &v); err != nil {
		t.Errorf("decodeJSON on 204 = %v, want nil", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := &apiClient{baseURL: url, token: "t", httpClient: &http.Client{}}
	_, err := c.get(ctx, "/status")
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if !strings.Contains(err.Error(), "is paygate running") {
		t.Errorf("error = %q, want hint about the daemon", err)
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"plan=pro", "count=3", "trial=true", `meta={"a":1}`, "note=hello world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["plan"] != "pro" {
		t.Errorf("plan = %v, want pro", got["plan"])
	}
	if got["count"] != float64(3) {
		t.Errorf("count = %v (%T), want float64 3", got["count"], got["count"])
	}
	if got["trial"] != true {
		t.Errorf("trial = %v, want true", got["trial"])
	}
	if m, ok := got["meta"].(map[string]any); !ok || m["a"] != float64(1) {
		t.Errorf("meta = %v, want object", got["meta"])
	}
	if got["note"] != "hello world" {
		t.Errorf("note = %v, want hello world", got["note"])
	}
}

func TestParseParams_Invalid(t *testing.T) {
	for _, in := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{in}); err == nil {
			t.Errorf("parseParams(%q) expected error", in)
		}
	}
}

func TestParseParams_Empty(t *testing.T) {
	got, err := parseParams(nil)
	if err != nil || got != nil {
		t.Errorf("parseParams(nil) = %v, %v; want nil, nil", got, err)
	}
}

func TestParseSubstitutions(t *testing.T) {
	got, err := parseSubstitutions([]string{"primary=pro_yearly"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["primary"] != "pro_yearly" {
		t.Errorf("primary = %q, want pro_yearly", got["primary"])
	}

	if _, err := parseSubstitutions([]string{"primary="}); err == nil {
		t.Error("expected error for empty product")
	}
}

func TestPrintResult_Paywall(t *testing.T) {
	out := captureOutput(t)

	if err := printResult(json.RawMessage(paywallResult)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := out.String()
	for _, want := range []string{"paywall\n", "rule-1", "exp-1", "var-a", "pw-1", "primary:", "pro_monthly", "9.99 USD", "free trial available"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPrintResult_Error(t *testing.T) {
	out := captureOutput(t)

	raw := `{"outcome":{"kind":"error"},"error":"evaluating rule: boom"}`
	if err := printResult(json.RawMessage(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "evaluating rule: boom") {
		t.Errorf("output = %q, want error text", out.String())
	}
}

func TestRegisterCommand_JSON(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /placements/onboarding": `{"outcome":{"kind":"holdout"}}`,
	})
	out := captureOutput(t)

	prev := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = prev })

	rootCmd.SetArgs([]string{"register", "onboarding", "--param", "step=2", "--json"})
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body api.RegisterRequest
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Params["step"] != float64(2) {
		t.Errorf("params.step = %v, want 2", body.Params["step"])
	}
	if !strings.Contains(out.String(), `"kind": "holdout"`) {
		t.Errorf("output = %q, want indented JSON result", out.String())
	}
}

func TestLoadProductsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.yaml")
	data := `products:
  - id: pro_monthly
    price: 9.99
    currencyCode: USD
    period: month
    trialPeriodDays: 7
  - id: pro_yearly
    price: 59.99
    currencyCode: USD
    period: year
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	list, err := loadProductsFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d products, want 2", len(list))
	}
	if list[0].ID != "pro_monthly" || list[0].TrialPeriodDays != 7 || list[0].Period != "month" {
		t.Errorf("first product = %+v", list[0])
	}
	if list[1].Price != 59.99 {
		t.Errorf("second price = %v, want 59.99", list[1].Price)
	}
}

func TestLoadProductsFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty.yaml":    "products: []\n",
		"currency.yaml": "products:\n  - id: p\n    price: 1\n    currencyCode: dollars\n",
		"syntax.yaml":   "products: [\n",
	}
	for name, data := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := loadProductsFile(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	if _, err := loadProductsFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestColorize(t *testing.T) {
	prev := noColor
	t.Cleanup(func() { noColor = prev })

	noColor = true
	if got := colorize(colorRed, "x"); got != "x" {
		t.Errorf("colorize with noColor = %q, want x", got)
	}

	noColor = false
	if got := colorize(colorRed, "x"); got != colorRed+"x"+colorReset {
		t.Errorf("colorize = %q", got)
	}
}

func TestParseLocale(t *testing.T) {
	if got := parseLocale("de_DE").String(); got != "de-DE" {
		t.Errorf("parseLocale(de_DE) = %q, want de-DE", got)
	}
	if got := parseLocale("!!").String(); got != "en-US" {
		t.Errorf("parseLocale(invalid) = %q, want en-US", got)
	}
}
