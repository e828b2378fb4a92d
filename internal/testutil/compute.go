// Package testutil provides a scripted fake of the compute service for
// tests that exercise the remote client end to end.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// EconomyStep is one scripted economy poll response.
type EconomyStep struct {
	Status        string          `json:"status"`
	QueuePosition *int            `json:"queue_position,omitempty"`
	AverageTime   *float64        `json:"average_time,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// FakeCompute serves the household, economy and metadata endpoints.
// Economy scripts are consumed one step per request; the last step repeats.
type FakeCompute struct {
	Server *httptest.Server

	mu         sync.Mutex
	households map[string]json.RawMessage
	economy    []EconomyStep
	version    string
	entities   map[string]map[string]json.RawMessage
	hits       map[string]int
	block      chan struct{}
}

// NewFakeCompute starts a FakeCompute closed at test cleanup.
func NewFakeCompute(t *testing.T) *FakeCompute {
	t.Helper()
	f := &FakeCompute{
		households: make(map[string]json.RawMessage),
		version:    "1.0.0",
		entities: map[string]map[string]json.RawMessage{
			"variables":  {"income": json.RawMessage(`{"label":"Income"}`)},
			"datasets":   {"cps": json.RawMessage(`{"year":2024}`)},
			"parameters": {"tax.rate": json.RawMessage(`{"value":0.2}`)},
		},
		hits: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.Unblock()
		f.Server.Close()
	})
	return f
}

// URL returns the base URL of the fake.
func (f *FakeCompute) URL() string { return f.Server.URL }

// SetHousehold scripts the result of household id.
func (f *FakeCompute) SetHousehold(id string, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.households[id] = json.RawMessage(result)
}

// SetEconomy scripts the economy poll sequence.
func (f *FakeCompute) SetEconomy(steps ...EconomyStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.economy = steps
}

// SetVersion changes the metadata version the fake reports.
func (f *FakeCompute) SetVersion(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = v
}

// Block makes household requests hang until Unblock.
func (f *FakeCompute) Block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block == nil {
		f.block = make(chan struct{})
	}
}

// Unblock releases blocked household requests.
func (f *FakeCompute) Unblock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
}

// Hits returns how many requests reached endpoints of kind ("household",
// "economy", "metadata/version", "metadata/variables", ...).
func (f *FakeCompute) Hits(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[kind]
}

func (f *FakeCompute) serve(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "household":
		f.serveHousehold(w, r, parts)
	case "economy":
		f.serveEconomy(w)
	case "metadata":
		if len(parts) != 3 {
			http.NotFound(w, r)
			return
		}
		f.serveMetadata(w, r, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeCompute) serveHousehold(w http.ResponseWriter, r *http.Request, parts []string) {
	f.mu.Lock()
	f.hits["household"]++
	block := f.block
	var result json.RawMessage
	if len(parts) >= 3 {
		result = f.households[parts[2]]
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-r.Context().Done():
			return
		}
	}
	if result == nil {
		writeJSON(w, map[string]any{"status": "error", "error": "unknown household"})
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "result": result})
}

func (f *FakeCompute) serveEconomy(w http.ResponseWriter) {
	f.mu.Lock()
	f.hits["economy"]++
	var step EconomyStep
	switch len(f.economy) {
	case 0:
		step = EconomyStep{Status: "error", Error: "no economy script"}
	case 1:
		step = f.economy[0]
	default:
		step = f.economy[0]
		f.economy = f.economy[1:]
	}
	f.mu.Unlock()
	writeJSON(w, step)
}

func (f *FakeCompute) serveMetadata(w http.ResponseWriter, r *http.Request, kind string) {
	f.mu.Lock()
	f.hits["metadata/"+kind]++
	version := f.version
	entities, ok := f.entities[kind]
	f.mu.Unlock()

	if kind == "version" {
		writeJSON(w, map[string]string{"version": version, "versionId": "v-" + version})
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, entities)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
