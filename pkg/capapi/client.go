// Package capapi implements the HTTP clients behind each provider in the
// catalog. Every client speaks one capability and classifies failures into
// the resilience taxonomy so the dispatcher can decide on retry, failover
// and billing.
package capapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/agency-core/internal/catalog"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/resilience"
)

// DefaultTimeout bounds a single provider call when the catalog sets none.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response ends up in the ledger.
const maxErrorBody = 512

// Option configures a provider client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithBaseURL overrides the catalog endpoint (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.endpoint = u
	}
}

// WithAPIKey overrides the key read from the provider's environment variable.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

// auth says where a provider expects its key.
type auth int

const (
	authQuery auth = iota // ?api_key=
	authBearer
)

type httpClient struct {
	provider string
	endpoint string
	apiKey   string
	keyParam string
	auth     auth
	limiter  *AdaptiveLimiter
	http     *http.Client
}

func newHTTPClient(spec catalog.ProviderSpec, opts []Option) *httpClient {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &httpClient{
		provider: spec.ID,
		endpoint: spec.Endpoint,
		apiKey:   spec.APIKey(),
		keyParam: "api_key",
		limiter:  NewAdaptiveLimiter(spec.ID, spec.RatePerSecond),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// getJSON issues a GET with params and decodes a 2xx body into out. Non-2xx
// responses and transport failures come back as *resilience.CallError.
func (c *httpClient) getJSON(ctx context.Context, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		// Nothing was sent, so nothing is billed.
		return resilience.Unavailable(0, eris.Wrapf(err, "%s: rate limiter wait", c.provider))
	}

	if params == nil {
		params = url.Values{}
	}
	if c.auth == authQuery && c.apiKey != "" {
		params.Set(c.keyParam, c.apiKey)
	}
	reqURL := c.endpoint
	if q := params.Encode(); q != "" {
		sep := "?"
		if strings.Contains(reqURL, "?") {
			sep = "&"
		}
		reqURL += sep + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return resilience.Rejected(0, eris.Wrapf(err, "%s: create request", c.provider))
	}
	req.Header.Set("Accept", "application/json")
	if c.auth == authBearer && c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.Classify(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.Classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusTooManyRequests {
			c.limiter.OnRateLimit()
		}
		return resilience.FromStatus(resp.StatusCode, fmt.Errorf("%s: %s", c.provider, truncate(body)))
	}
	c.limiter.OnSuccess()

	if err := json.Unmarshal(body, out); err != nil {
		// The provider accepted and billed the call but answered garbage.
		return resilience.Rejected(resp.StatusCode, eris.Wrapf(err, "%s: decode response", c.provider))
	}
	return nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

// wrongPayload rejects a payload of another capability before any request.
func wrongPayload(provider string, want model.Capability, p model.Payload) error {
	got := model.Capability("")
	if p != nil {
		got = p.Capability()
	}
	return resilience.Rejected(0, eris.Errorf("%s: expected %s payload, got %q", provider, want, got))
}

// flexFloat accepts both JSON numbers and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// boolValue is the {"value": true, "text": "TRUE"} wrapper some APIs use.
type boolValue struct {
	Value bool `json:"value"`
}
