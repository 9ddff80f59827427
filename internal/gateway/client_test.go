package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kkeeland/trak-sub001/internal/gateway"
)

func newTestServer(t *testing.T, handler http.Handler) *gateway.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return gateway.NewClient(strings.TrimPrefix(srv.URL, "http://"))
}

func TestPingHealthy(t *testing.T) {
	c := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestPingDownMapsToUnreachable(t *testing.T) {
	c := gateway.NewClient("127.0.0.1:1")
	err := c.Ping(context.Background())
	if !errors.Is(err, gateway.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	c = newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	if err := c.Ping(context.Background()); !errors.Is(err, gateway.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable on 503, got %v", err)
	}
}

func TestSpawnRoundTrip(t *testing.T) {
	var got gateway.SpawnRequest
	c := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/spawn" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(gateway.SpawnResult{OK: true, SessionID: "sess-42"})
	}))

	res, err := c.Spawn(context.Background(), gateway.SpawnRequest{
		Instruction:    "do the thing",
		Label:          "trak-abc",
		Cleanup:        "on-success",
		TimeoutSeconds: 120,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !res.OK || res.SessionID != "sess-42" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got.Label != "trak-abc" || got.TimeoutSeconds != 120 {
		t.Fatalf("request lost fields: %+v", got)
	}
}

func TestSpawnRejection(t *testing.T) {
	c := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gateway.SpawnResult{OK: false, Error: "no capacity"})
	}))

	res, err := c.Spawn(context.Background(), gateway.SpawnRequest{Instruction: "x", Label: "trak-x"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if res.OK || res.Error != "no capacity" {
		t.Fatalf("expected gateway-side rejection, got %+v", res)
	}
}

func TestSpawnServerError(t *testing.T) {
	c := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	if _, err := c.Spawn(context.Background(), gateway.SpawnRequest{Instruction: "x"}); err == nil {
		t.Fatal("expected transport-level error on 500")
	}
}
