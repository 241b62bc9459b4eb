// Package embedding is the port to an external embedding provider: a plain
// Embed(text) -> (vector, model id, model version) call, wrapped in a
// circuit breaker so a flaky provider degrades the embedding worker instead
// of taking the whole process down with it. Grounded on bud2's
// internal/engram/client.go (bearer-token HTTP client, JSON request/
// response shape) adapted from "talk to the Engram memory API" into "talk
// to an embedding provider", with the circuit breaker borrowed from
// kubernaut's sony/gobreaker usage.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// SkippedError signals that the provider deliberately declined to embed
// this text (rate limited, content filtered, too short) rather than
// failing outright. The embedding worker aborts its current batch on a
// SkippedError but keeps retrying later batches, unlike a hard error.
type SkippedError struct {
	Reason string
}

func (e *SkippedError) Error() string { return "embedding skipped: " + e.Reason }

// Result is one successful embedding call.
type Result struct {
	Vector       []float32
	ModelID      string
	ModelVersion string
}

// Embedder is the port the rest of the engine depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) (Result, error)
}

// Client is an HTTP client for a text-embedding provider, guarded by a
// circuit breaker so repeated transport failures stop hammering the
// provider and start failing fast instead.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient builds a Client against baseURL (e.g. "https://api.example.com")
// using apiKey as a Bearer token and model as the embedding model name.
func NewClient(baseURL, apiKey, model string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-provider",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// 4xx is the caller's fault, not the provider's — don't let it
			// count toward tripping the breaker.
			return err == nil || IsClientError(err)
		},
	})
	return c
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
	Version   string    `json:"version"`
	Skipped   bool       `json:"skipped"`
	Reason    string     `json:"reason,omitempty"`
}

// Embed calls the provider once, through the circuit breaker. 4xx responses
// never trip the breaker (they're the caller's fault, not the provider's);
// 5xx, timeouts and transport errors do.
func (c *Client) Embed(ctx context.Context, text string) (Result, error) {
	v, err := c.breaker.Execute(func() (any, error) {
		return c.doEmbed(ctx, text)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Client) doEmbed(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: text})
	if err != nil {
		return Result{}, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read embed response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Result{}, &nonRetryableError{status: resp.StatusCode, body: string(data)}
	}
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("embed provider returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed embedResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode embed response: %w", err)
	}
	if parsed.Skipped {
		return Result{}, &SkippedError{Reason: parsed.Reason}
	}

	return Result{Vector: parsed.Embedding, ModelID: parsed.Model, ModelVersion: parsed.Version}, nil
}

// nonRetryableError wraps a 4xx response. gobreaker's default IsSuccessful
// treats any non-nil error as a failure; we only want 5xx/transport errors
// to count toward tripping, so the worker checks for this type before
// deciding whether to back off.
type nonRetryableError struct {
	status int
	body   string
}

func (e *nonRetryableError) Error() string {
	return fmt.Sprintf("embed provider returned %d: %s", e.status, e.body)
}

// IsClientError reports whether err came from a 4xx provider response.
func IsClientError(err error) bool {
	_, ok := err.(*nonRetryableError)
	return ok
}

// NullEmbedder always returns SkippedError, for running the engine with no
// embedding provider configured: tag-only search keeps working, and the
// embedding worker simply never drains its queue.
type NullEmbedder struct{}

func (NullEmbedder) Embed(ctx context.Context, text string) (Result, error) {
	return Result{}, &SkippedError{Reason: "embedding provider not configured"}
}
