// Package remote implements the thin client for the external compute service.
// Each exported call performs exactly one HTTP round trip (FetchReferenceMetadata
// fans out to four) and never retries; retry policy belongs to callers.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/policyengine/calcd/internal/calc"
)

// DefaultHouseholdTimeout is the client-side ceiling for household calls.
const DefaultHouseholdTimeout = 240 * time.Second

// maxErrorBodyBytes bounds how much of a non-2xx body is drained.
const maxErrorBodyBytes = 64 << 10

var errClientTimeout = errors.New("remote: client-side timeout")

// Client talks to the compute service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Headers are added to every request (for example an API key).
	Headers map[string]string

	HouseholdTimeoutFn func() time.Duration
	RequestTimeoutFn   func() time.Duration
	UserAgentFn        func() string
}

// NewClient creates a client that pulls timeouts and user agent from
// callbacks on each request.
func NewClient(baseURL string, householdTimeoutFn, requestTimeoutFn func() time.Duration, userAgentFn func() string) *Client {
	if householdTimeoutFn == nil {
		panic("remote: NewClient requires non-nil householdTimeoutFn")
	}
	if requestTimeoutFn == nil {
		panic("remote: NewClient requires non-nil requestTimeoutFn")
	}
	if userAgentFn == nil {
		panic("remote: NewClient requires non-nil userAgentFn")
	}
	return &Client{
		BaseURL:            strings.TrimRight(baseURL, "/"),
		HTTP:               &http.Client{},
		HouseholdTimeoutFn: householdTimeoutFn,
		RequestTimeoutFn:   requestTimeoutFn,
		UserAgentFn:        userAgentFn,
	}
}

// householdResponse is the wire shape of the household endpoint.
type householdResponse struct {
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// FetchHouseholdResult computes one household under the effective policy.
// The call is bounded by the household timeout; on expiry the request is
// aborted and a *TimeoutError is returned.
func (c *Client) FetchHouseholdResult(ctx context.Context, country string, policyIDs calc.PolicyIDs, householdID string) (json.RawMessage, error) {
	u := c.endpoint([]string{country, "household", householdID, "policy", policyIDs.Effective()}, nil)
	body, err := c.get(ctx, u, c.HouseholdTimeoutFn())
	if err != nil {
		return nil, err
	}

	var resp householdResponse
	if err := gojson.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{Message: fmt.Sprintf("decode household response: %v", err)}
	}
	if resp.Status == "error" {
		return nil, &APIError{Message: nonEmpty(resp.Error, "household calculation failed"), Retryable: resp.Retryable}
	}
	if isNullJSON(resp.Result) {
		return nil, &APIError{Message: nonEmpty(resp.Error, "household calculation returned no result")}
	}
	return resp.Result, nil
}

// Economy poll statuses reported by the compute service.
const (
	EconomyPending   = "pending"
	EconomyCompleted = "completed"
	EconomyError     = "error"
)

// EconomyResponse is one economy poll step.
type EconomyResponse struct {
	Status        string          `json:"status"`
	QueuePosition *int            `json:"queue_position,omitempty"`
	AverageTime   *float64        `json:"average_time,omitempty"`
	Result        json.RawMessage `json:"result"`
	Error         string          `json:"error,omitempty"`
	// Retryable is set by the server on errors it expects to clear up.
	Retryable bool `json:"retryable,omitempty"`
}

// FetchEconomyResult performs one "check or advance" request for an economy
// calculation. It does not loop.
func (c *Client) FetchEconomyResult(ctx context.Context, country string, policyIDs calc.PolicyIDs, region string) (*EconomyResponse, error) {
	baselineID, reformID := policyIDs.Baseline, policyIDs.Effective()
	var query url.Values
	if region != "" {
		query = url.Values{"region": []string{region}}
	}
	u := c.endpoint([]string{country, "economy", reformID, "over", baselineID}, query)
	body, err := c.get(ctx, u, c.RequestTimeoutFn())
	if err != nil {
		return nil, err
	}

	var resp EconomyResponse
	if err := gojson.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{Message: fmt.Sprintf("decode economy response: %v", err)}
	}
	switch resp.Status {
	case EconomyPending, EconomyError:
	case EconomyCompleted:
		if isNullJSON(resp.Result) {
			return nil, &APIError{Message: "economy calculation completed without result"}
		}
	default:
		return nil, &APIError{Message: fmt.Sprintf("unknown economy status %q", resp.Status)}
	}
	return &resp, nil
}

// VersionInfo identifies the server's current reference metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	VersionID string `json:"versionId"`
}

// FetchMetadataVersion is the cheap version-only metadata call.
func (c *Client) FetchMetadataVersion(ctx context.Context, country string) (*VersionInfo, error) {
	u := c.endpoint([]string{country, "metadata", "version"}, nil)
	body, err := c.get(ctx, u, c.RequestTimeoutFn())
	if err != nil {
		return nil, err
	}
	var v VersionInfo
	if err := gojson.Unmarshal(body, &v); err != nil {
		return nil, &APIError{Message: fmt.Sprintf("decode metadata version: %v", err)}
	}
	if v.Version == "" || v.VersionID == "" {
		return nil, &APIError{Message: "metadata version response missing version or versionId"}
	}
	return &v, nil
}

// Entity kinds served under /{country}/metadata/{kind}.
const (
	KindVariables  = "variables"
	KindDatasets   = "datasets"
	KindParameters = "parameters"
)

// FetchVariables returns the variable catalog keyed by variable name.
func (c *Client) FetchVariables(ctx context.Context, country string) (map[string]json.RawMessage, error) {
	return c.fetchEntities(ctx, country, KindVariables)
}

// FetchDatasets returns the dataset catalog keyed by dataset name.
func (c *Client) FetchDatasets(ctx context.Context, country string) (map[string]json.RawMessage, error) {
	return c.fetchEntities(ctx, country, KindDatasets)
}

// FetchParameters returns the parameter catalog keyed by parameter path.
func (c *Client) FetchParameters(ctx context.Context, country string) (map[string]json.RawMessage, error) {
	return c.fetchEntities(ctx, country, KindParameters)
}

func (c *Client) fetchEntities(ctx context.Context, country, kind string) (map[string]json.RawMessage, error) {
	u := c.endpoint([]string{country, "metadata", kind}, nil)
	body, err := c.get(ctx, u, c.RequestTimeoutFn())
	if err != nil {
		return nil, err
	}
	out := map[string]json.RawMessage{}
	if err := gojson.Unmarshal(body, &out); err != nil {
		return nil, &APIError{Message: fmt.Sprintf("decode %s: %v", kind, err)}
	}
	return out, nil
}

// ReferenceMetadata is the full reference catalog of one country.
type ReferenceMetadata struct {
	VersionInfo
	Variables  map[string]json.RawMessage
	Datasets   map[string]json.RawMessage
	Parameters map[string]json.RawMessage
}

// FetchReferenceMetadata fetches the version and the three entity catalogs
// concurrently. The first failure cancels the remaining fetches.
func (c *Client) FetchReferenceMetadata(ctx context.Context, country string) (*ReferenceMetadata, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &ReferenceMetadata{}
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		v, err := c.FetchMetadataVersion(ctx, country)
		if err != nil {
			fail(fmt.Errorf("version: %w", err))
			return
		}
		out.VersionInfo = *v
	}()
	fetches := []struct {
		kind string
		dst  *map[string]json.RawMessage
	}{
		{KindVariables, &out.Variables},
		{KindDatasets, &out.Datasets},
		{KindParameters, &out.Parameters},
	}
	for _, f := range fetches {
		go func() {
			defer wg.Done()
			m, err := c.fetchEntities(ctx, country, f.kind)
			if err != nil {
				fail(fmt.Errorf("%s: %w", f.kind, err))
				return
			}
			*f.dst = m
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// get performs one GET bounded by timeout (when > 0) and returns the body of
// a 2xx response.
func (c *Client) get(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeoutCause(ctx, timeout, errClientTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &NonRetryableError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := c.UserAgentFn(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(ctx, reqCtx, rawURL, timeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status, URL: rawURL}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, reqCtx, rawURL, timeout, err)
	}
	return body, nil
}

// transportError separates caller cancellation, our own deadline and
// connection failures.
func transportError(parent, reqCtx context.Context, rawURL string, timeout time.Duration, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	if errors.Is(context.Cause(reqCtx), errClientTimeout) {
		return &TimeoutError{Timeout: timeout, URL: rawURL}
	}
	return &NetworkError{Err: err}
}

func (c *Client) endpoint(segments []string, query url.Values) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := c.BaseURL + "/" + strings.Join(escaped, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
