package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEmbedder_EmptyText(t *testing.T) {
	e := NewEmbedder(NewClient(Config{APIKey: "test-key"}))
	vec, err := e.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed('') error: %v", err)
	}
	if vec != nil {
		t.Errorf("expected nil for empty text, got %v", vec)
	}
}

func TestEmbedder_SuccessfulEmbedding(t *testing.T) {
	wantEmbedding := []float32{0.1, 0.2, 0.3}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/embeddings" {
			t.Errorf("expected /embeddings, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key-123" {
			t.Errorf("unexpected Authorization header: %s", r.Header.Get("Authorization"))
		}

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "text-embedding-3-small" {
			t.Errorf("expected model text-embedding-3-small, got %q", req.Model)
		}
		if req.Input != "hello world" {
			t.Errorf("expected input 'hello world', got %q", req.Input)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": wantEmbedding, "index": 0}},
		})
	}))
	defer srv.Close()

	e := NewEmbedder(NewClient(Config{APIKey: "test-key-123", BaseURL: srv.URL}))
	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(vec) != len(wantEmbedding) {
		t.Fatalf("expected %d-dim embedding, got %d", len(wantEmbedding), len(vec))
	}
	for i, v := range vec {
		if v != wantEmbedding[i] {
			t.Errorf("embedding[%d] = %f, want %f", i, v, wantEmbedding[i])
		}
	}
}

func TestEmbedder_RateLimitMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "rate limit exceeded", "type": "rate_limit_error"},
		})
	}))
	defer srv.Close()

	e := NewEmbedder(NewClient(Config{APIKey: "key", BaseURL: srv.URL}))
	_, err := e.Embed(context.Background(), "test")
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("err = %v, want ErrRateLimit", err)
	}
}

func TestEmbedder_ServerErrorMapsToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "upstream down", "type": "server_error"},
		})
	}))
	defer srv.Close()

	e := NewEmbedder(NewClient(Config{APIKey: "key", BaseURL: srv.URL}))
	_, err := e.Embed(context.Background(), "test")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestEmbedder_TransportFailureMapsToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	e := NewEmbedder(NewClient(Config{APIKey: "key", BaseURL: srv.URL}))
	_, err := e.Embed(context.Background(), "test")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestGenerator_BuildsPersonaPrompt(t *testing.T) {
	var gotSystem, gotUser string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected /chat/completions, got %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 {
			t.Fatalf("got %d messages, want 2", len(req.Messages))
		}
		gotSystem = req.Messages[0].Content
		gotUser = req.Messages[1].Content

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hey!"}},
			},
		})
	}))
	defer srv.Close()

	g := NewGenerator(NewClient(Config{APIKey: "key", BaseURL: srv.URL}))
	reply, err := g.Generate(context.Background(), GenerateRequest{
		UserID:   "@alice:example.com",
		Message:  "good morning",
		Mood:     "feeling upbeat",
		Trust:    0.8,
		Facts:    []string{"works as a gardener"},
		Episodes: []string{"long chat about spring planting"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "hey!" {
		t.Fatalf("reply = %q, want %q", reply, "hey!")
	}

	for _, want := range []string{
		"feeling upbeat",
		"trusted friend",
		"works as a gardener",
		"long chat about spring planting",
	} {
		if !strings.Contains(gotSystem, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if gotUser != "good morning" {
		t.Errorf("user message = %q, want %q", gotUser, "good morning")
	}
}

func TestGenerator_EmptyReplyIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "   "}},
			},
		})
	}))
	defer srv.Close()

	g := NewGenerator(NewClient(Config{APIKey: "key", BaseURL: srv.URL}))
	_, err := g.Generate(context.Background(), GenerateRequest{Message: "hi"})
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
}

func TestExtractor_RequestsJSONMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected json_object response format, got %+v", req.ResponseFormat)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "line one\nline two") {
			t.Errorf("transcript not joined into user message: %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{
					"role":    "assistant",
					"content": `{"facts": [], "episodes": []}`,
				}},
			},
		})
	}))
	defer srv.Close()

	x := NewExtractor(NewClient(Config{APIKey: "key", BaseURL: srv.URL}))
	raw, err := x.Propose(context.Background(), []string{"line one", "line two"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if string(raw) != `{"facts": [], "episodes": []}` {
		t.Fatalf("raw = %s", raw)
	}
}
