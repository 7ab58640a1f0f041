package secagent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return server, client
}

func TestRunSession(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/sessions" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Goal != "investigate 10.0.0.8" || !req.Run {
			t.Fatalf("unexpected payload: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(StepResult{
			SessionID:   "s-1",
			Status:      "completed",
			FinalAnswer: "host is reachable",
		})
	})

	result, err := client.RunSession(context.Background(), "investigate 10.0.0.8")
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if result.SessionID != "s-1" || result.FinalAnswer != "host is reachable" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestStepSendsInput(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/s-1/steps" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req stepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Input != "yes" || req.Run {
			t.Fatalf("unexpected payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(StepResult{SessionID: "s-1", Status: "continuing"})
	})

	result, err := client.Step(context.Background(), "s-1", "yes")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if result.Status != "continuing" {
		t.Fatalf("unexpected status: %s", result.Status)
	}
}

func TestAPIKeyHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]CapabilitySchema{{Name: "network_ping"}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, WithAPIKey("secret"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	schemas, err := client.ListCapabilities(context.Background())
	if err != nil {
		t.Fatalf("list capabilities: %v", err)
	}
	if len(schemas) != 1 || schemas[0].Name != "network_ping" {
		t.Fatalf("unexpected schemas: %+v", schemas)
	}
}

func TestAPIErrorCarriesStatusAndBody(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	})

	_, err := client.GetSession(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "session not found" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestListArchiveLimit(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("unexpected limit: %q", got)
		}
		_ = json.NewEncoder(w).Encode([]ArchiveRecord{{SessionID: "s-9", Status: "completed"}})
	})

	records, err := client.ListArchive(context.Background(), 5)
	if err != nil {
		t.Fatalf("list archive: %v", err)
	}
	if len(records) != 1 || records[0].SessionID != "s-9" {
		t.Fatalf("unexpected records: %+v", records)
	}
}
