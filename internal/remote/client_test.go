package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/policyengine/calcd/internal/calc"
)

func newTestClient(baseURL string, householdTimeout time.Duration) *Client {
	return NewClient(
		baseURL,
		func() time.Duration { return householdTimeout },
		func() time.Duration { return 5 * time.Second },
		func() string { return "calcd-test" },
	)
}

func TestFetchHouseholdResult_Success(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{"status":"ok","result":{"net_income":1234}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, time.Second)
	result, err := c.FetchHouseholdResult(context.Background(), "us", calc.PolicyIDs{Baseline: "1", Reform: "7"}, "hh-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"net_income":1234}` {
		t.Fatalf("result: got %s", result)
	}
	if gotPath != "/us/household/hh-42/policy/7" {
		t.Fatalf("path: got %q", gotPath)
	}
	if gotUA != "calcd-test" {
		t.Fatalf("user agent: got %q", gotUA)
	}
}

func TestFetchHouseholdResult_APIErrorBody(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		msg       string
		retryable bool
	}{
		{"status error", `{"status":"error","result":null,"error":"bad household"}`, "bad household", false},
		{"server marks retryable", `{"status":"error","result":null,"error":"busy","retryable":true}`, "busy", true},
		{"null result", `{"status":"ok","result":null}`, "household calculation returned no result", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL, time.Second).
				FetchHouseholdResult(context.Background(), "us", calc.PolicyIDs{Baseline: "1"}, "hh")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %T %v", err, err)
			}
			if apiErr.Message != tc.msg {
				t.Fatalf("message: got %q, want %q", apiErr.Message, tc.msg)
			}
			ce := calc.ClassifyError(err)
			if ce.Code != calc.ErrCodeAPI || ce.Retryable != tc.retryable {
				t.Fatalf("classified: got %s/retryable=%v, want retryable=%v", ce.Code, ce.Retryable, tc.retryable)
			}
		})
	}
}

func TestClientSynthesizedAPIErrorsAreNotRetryable(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		fetch func(c *Client) error
	}{
		{"undecodable household body", `not json`, func(c *Client) error {
			_, err := c.FetchHouseholdResult(context.Background(), "us", calc.PolicyIDs{Baseline: "1"}, "hh")
			return err
		}},
		{"economy completed without result", `{"status":"completed","result":null}`, func(c *Client) error {
			_, err := c.FetchEconomyResult(context.Background(), "us", calc.PolicyIDs{Baseline: "1"}, "")
			return err
		}},
		{"undecodable economy body", `{"status":`, func(c *Client) error {
			_, err := c.FetchEconomyResult(context.Background(), "us", calc.PolicyIDs{Baseline: "1"}, "")
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := tc.fetch(newTestClient(srv.URL, time.Second))
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %T %v", err, err)
			}
			if ce := calc.ClassifyError(err); ce.Code != calc.ErrCodeAPI || ce.Retryable {
				t.Fatalf("classified: %+v", ce)
			}
		})
	}
}

func TestFetchHouseholdResult_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).
		FetchHouseholdResult(context.Background(), "us", calc.PolicyIDs{Baseline: "1"}, "hh")
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *HTTPStatusError, got %T %v", err, err)
	}
	if statusErr.StatusCode != http.StatusBadGateway || !strings.Contains(statusErr.Status, "502") {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
	ce := calc.ClassifyError(err)
	if ce.Code != calc.ErrCodeHTTP || !ce.Retryable {
		t.Fatalf("5xx should be retryable Http, got %+v", ce)
	}
}

func TestHTTPStatusError_4xxNotRetryable(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:         false,
		http.StatusNotFound:           false,
		http.StatusRequestTimeout:     true,
		http.StatusTooManyRequests:    true,
		http.StatusServiceUnavailable: true,
	}
	for code, want := range cases {
		e := &HTTPStatusError{StatusCode: code, Status: http.StatusText(code)}
		if got := e.CalcError().Retryable; got != want {
			t.Errorf("status %d retryable: got %v, want %v", code, got, want)
		}
	}
}

func TestFetchHouseholdResult_TimeoutAbortsRequest(t *testing.T) {
	var aborted atomic.Bool
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			aborted.Store(true)
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestClient(srv.URL, 50*time.Millisecond).
		FetchHouseholdResult(context.Background(), "us", calc.PolicyIDs{Baseline: "1"}, "hh")
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %T %v", err, err)
	}
	if got := calc.ClassifyError(err).Code; got != calc.ErrCodeTimeout {
		t.Fatalf("code: got %s, want Timeout", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !aborted.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !aborted.Load() {
		t.Fatal("server never observed the aborted request")
	}
}

func TestFetchHouseholdResult_CallerCancelIsNotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := newTestClient(srv.URL, 5*time.Second).
		FetchHouseholdResult(ctx, "us", calc.PolicyIDs{Baseline: "1"}, "hh")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %T %v", err, err)
	}
}

func TestFetchHouseholdResult_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, time.Second).
		FetchHouseholdResult(context.Background(), "us", calc.PolicyIDs{Baseline: "1"}, "hh")
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected *NetworkError, got %T %v", err, err)
	}
	if got := calc.ClassifyError(err).Code; got != calc.ErrCodeNetwork {
		t.Fatalf("code: got %s", got)
	}
}

func TestFetchEconomyResult_Statuses(t *testing.T) {
	bodies := []string{
		`{"status":"pending","queue_position":5,"average_time":40,"result":null}`,
		`{"status":"completed","result":{"budget":{"net":-1}}}`,
		`{"status":"error","result":null,"error":"worker crashed"}`,
	}
	var call atomic.Int32
	var gotPath, gotRegion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRegion = r.URL.Query().Get("region")
		i := call.Add(1) - 1
		_, _ = w.Write([]byte(bodies[i]))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, time.Second)
	ids := calc.PolicyIDs{Baseline: "2", Reform: "9"}

	resp, err := c.FetchEconomyResult(context.Background(), "uk", ids, "country/scotland")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != EconomyPending || resp.QueuePosition == nil || *resp.QueuePosition != 5 {
		t.Fatalf("pending: %+v", resp)
	}
	if resp.AverageTime == nil || *resp.AverageTime != 40 {
		t.Fatalf("average time: %+v", resp.AverageTime)
	}
	if gotPath != "/uk/economy/9/over/2" || gotRegion != "country/scotland" {
		t.Fatalf("request: path=%q region=%q", gotPath, gotRegion)
	}

	resp, err = c.FetchEconomyResult(context.Background(), "uk", ids, "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != EconomyCompleted || string(resp.Result) != `{"budget":{"net":-1}}` {
		t.Fatalf("completed: %+v", resp)
	}

	resp, err = c.FetchEconomyResult(context.Background(), "uk", ids, "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != EconomyError || resp.Error != "worker crashed" {
		t.Fatalf("error: %+v", resp)
	}
}

func TestFetchEconomyResult_UnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"exploded"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).
		FetchEconomyResult(context.Background(), "us", calc.PolicyIDs{Baseline: "1"}, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
}

func TestFetchReferenceMetadata_Concurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/us/metadata/version":
			_, _ = w.Write([]byte(`{"version":"1.2.3","versionId":"abc"}`))
		case "/us/metadata/variables":
			_, _ = w.Write([]byte(`{"income":{"unit":"usd"},"age":{"unit":"year"}}`))
		case "/us/metadata/datasets":
			_, _ = w.Write([]byte(`{"cps_2024":{"label":"CPS"}}`))
		case "/us/metadata/parameters":
			_, _ = w.Write([]byte(`{"gov.irs.credits.ctc.amount":{"values":{}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	md, err := newTestClient(srv.URL, time.Second).FetchReferenceMetadata(context.Background(), "us")
	if err != nil {
		t.Fatal(err)
	}
	if md.Version != "1.2.3" || md.VersionID != "abc" {
		t.Fatalf("version: %+v", md.VersionInfo)
	}
	if len(md.Variables) != 2 || len(md.Datasets) != 1 || len(md.Parameters) != 1 {
		t.Fatalf("entity counts: v=%d d=%d p=%d", len(md.Variables), len(md.Datasets), len(md.Parameters))
	}
}

func TestFetchReferenceMetadata_FailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/us/metadata/datasets" {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		if r.URL.Path == "/us/metadata/version" {
			_, _ = w.Write([]byte(`{"version":"1","versionId":"x"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).FetchReferenceMetadata(context.Background(), "us")
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected wrapped *HTTPStatusError, got %v", err)
	}
	if !strings.Contains(err.Error(), "datasets") {
		t.Fatalf("error should name the failing fetch: %v", err)
	}
}

func TestFetchMetadataVersion_MissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"1"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).FetchMetadataVersion(context.Background(), "us")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
}
