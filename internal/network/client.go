// Package network talks to the remote paywall service: config and
// assignment fetches, assignment confirmations, paywall definitions and
// telemetry batches.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/paygate/internal/remoteconfig"
	"github.com/kalambet/paygate/internal/telemetry"
)

const (
	DefaultBaseURL       = "https://api.paygate.dev/v1"
	DefaultConfigRetries = 6

	defaultTimeout = 30 * time.Second
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// IdentityProvider supplies the identifier sent with per-user requests.
type IdentityProvider interface {
	StableIdentifier() string
}

// Client communicates with the remote service.
type Client struct {
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	identity      IdentityProvider
	configRetries int
	backoff       time.Duration
}

// NewClient creates a client for the production endpoint.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		configRetries: DefaultConfigRetries,
		backoff:       initialBackoff,
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// SetIdentity attaches the identity sent as X-Paygate-Alias.
func (c *Client) SetIdentity(identity IdentityProvider) {
	c.identity = identity
}

// SetConfigRetries sets how many attempts FetchConfig makes before giving up.
func (c *Client) SetConfigRetries(n int) {
	if n < 1 {
		n = 1
	}
	c.configRetries = n
}

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// NotFound reports whether the server answered 404.
func (e *StatusError) NotFound() bool { return e.Status == http.StatusNotFound }

func (e *StatusError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// FetchConfig retrieves the remote config, retrying transient failures with
// exponential backoff. A 404 is terminal. Failures are reported as
// *remoteconfig.FetchError.
func (c *Client) FetchConfig(ctx context.Context) (remoteconfig.Config, error) {
	var lastErr error
	for attempt := range c.configRetries {
		var cfg remoteconfig.Config
		err := c.getJSON(ctx, "/static_config", &cfg)
		if err == nil {
			return cfg, nil
		}

		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return remoteconfig.Config{}, classifyConfigError(err)
		}
		if ctx.Err() != nil {
			return remoteconfig.Config{}, classifyConfigError(err)
		}

		lastErr = err
		if attempt < c.configRetries-1 {
			select {
			case <-ctx.Done():
				return remoteconfig.Config{}, classifyConfigError(ctx.Err())
			case <-time.After(c.backoffFor(attempt)):
			}
		}
	}
	return remoteconfig.Config{}, classifyConfigError(fmt.Errorf("after %d attempts: %w", c.configRetries, lastErr))
}

func (c *Client) backoffFor(attempt int) time.Duration {
	d := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
	return min(d, maxBackoff)
}

func classifyConfigError(err error) *remoteconfig.FetchError {
	kind := remoteconfig.FetchServerError
	var se *StatusError
	var ne net.Error
	switch {
	case errors.As(err, &se) && se.NotFound():
		kind = remoteconfig.FetchNotFound
	case errors.Is(err, context.DeadlineExceeded):
		kind = remoteconfig.FetchTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = remoteconfig.FetchTimeout
	}
	return &remoteconfig.FetchError{Kind: kind, Err: err}
}

type assignmentsPayload struct {
	Assignments []remoteconfig.Assignment `json:"assignments"`
}

// FetchAssignments retrieves the server-side assignments for the current identity.
func (c *Client) FetchAssignments(ctx context.Context) ([]remoteconfig.Assignment, error) {
	var payload assignmentsPayload
	if err := c.getJSON(ctx, "/assignments", &payload); err != nil {
		return nil, fmt.Errorf("fetching assignments: %w", err)
	}
	if payload.Assignments == nil {
		return []remoteconfig.Assignment{}, nil
	}
	return payload.Assignments, nil
}

// ConfirmAssignments acknowledges assignments the client has acted on.
func (c *Client) ConfirmAssignments(ctx context.Context, assignments []remoteconfig.Assignment) error {
	if err := c.postJSON(ctx, "/confirm_assignments", assignmentsPayload{Assignments: assignments}); err != nil {
		return fmt.Errorf("confirming assignments: %w", err)
	}
	return nil
}

// FetchPaywall retrieves one paywall definition. A missing paywall is
// reported as a *StatusError whose NotFound method returns true.
func (c *Client) FetchPaywall(ctx context.Context, id string) (remoteconfig.PaywallDefinition, error) {
	var def remoteconfig.PaywallDefinition
	if err := c.getJSON(ctx, "/paywall/"+url.PathEscape(id), &def); err != nil {
		return remoteconfig.PaywallDefinition{}, fmt.Errorf("fetching paywall %s: %w", id, err)
	}
	return def, nil
}

type eventsPayload struct {
	Sessions     []telemetry.Record `json:"sessions"`
	Transactions []telemetry.Record `json:"transactions"`
}

// SendEvents posts one telemetry batch.
func (c *Client) SendEvents(ctx context.Context, sessions, transactions []telemetry.Record) error {
	payload := eventsPayload{Sessions: sessions, Transactions: transactions}
	if payload.Sessions == nil {
		payload.Sessions = []telemetry.Record{}
	}
	if payload.Transactions == nil {
		payload.Transactions = []telemetry.Record{}
	}
	if err := c.postJSON(ctx, "/events", payload); err != nil {
		return fmt.Errorf("sending events: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.identity != nil {
		req.Header.Set("X-Paygate-Alias", c.identity.StableIdentifier())
	}
}
