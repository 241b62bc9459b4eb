package embedding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
)

func TestEmbedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embedding": [0.1, 0.2, 0.3], "model": "embed-v2", "version": "2024-01"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "embed-v2")
	result, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(result.Vector) != 3 {
		t.Errorf("vector length = %d, want 3", len(result.Vector))
	}
	if result.ModelID != "embed-v2" || result.ModelVersion != "2024-01" {
		t.Errorf("model metadata = %q/%q", result.ModelID, result.ModelVersion)
	}
}

func TestEmbedSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"skipped": true, "reason": "content filtered"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m")
	_, err := c.Embed(context.Background(), "hello")
	if _, ok := err.(*SkippedError); !ok {
		t.Fatalf("expected SkippedError, got %v", err)
	}
}

func TestCircuitOpensAfterFiveServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.Embed(ctx, "x"); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i)
		}
	}

	// The fifth consecutive 5xx trips the breaker: the next call fails
	// immediately without reaching the provider.
	_, err := c.Embed(ctx, "x")
	if err != gobreaker.ErrOpenState {
		t.Fatalf("expected ErrOpenState after 5 failures, got %v", err)
	}
}

func TestClientErrorsDoNotTripCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := c.Embed(ctx, "x")
		if err == gobreaker.ErrOpenState {
			t.Fatalf("4xx responses tripped the circuit on call %d", i)
		}
		if !IsClientError(err) {
			t.Fatalf("expected client error, got %v", err)
		}
	}
}

func TestNullEmbedder(t *testing.T) {
	_, err := NullEmbedder{}.Embed(context.Background(), "anything")
	if _, ok := err.(*SkippedError); !ok {
		t.Fatalf("expected SkippedError from NullEmbedder, got %v", err)
	}
}
