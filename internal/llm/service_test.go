package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chat-relay/pkg/models"

	"go.uber.org/zap"
)

func testConfig(baseURL string) *Config {
	return &Config{
		APIKey:         "test-key",
		BaseURL:        baseURL,
		Referer:        "http://localhost:3000",
		Title:          "Chat Relay",
		ConnectTimeout: time.Second,
		HeaderTimeout:  time.Second,
		IdleTimeout:    time.Second,
		Temperature:    0.7,
		MaxTokens:      2000,
	}
}

func TestOpenStream(t *testing.T) {
	var gotBody map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "Chat Relay" {
			t.Errorf("X-Title = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(chunk("Hi") + chunk(" there") + "data: [DONE]\n\n"))
	}))
	defer server.Close()

	s := NewService(testConfig(server.URL+"/"), zap.NewNop())
	stream, err := s.OpenStream(context.Background(), ChatRequest{
		Model: "openai/gpt-4o-mini",
		Messages: []models.Message{
			models.NewUserTurn("look", []models.ImagePart{{URL: "data:image/png;base64,AAAA"}}),
		},
		Temperature: 0.7,
		MaxTokens:   2000,
	})
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer stream.Close()

	var reply string
	for {
		ev, err := stream.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if ev.Done {
			break
		}
		reply += ev.Content
	}
	if reply != "Hi there" {
		t.Errorf("reply = %q, want %q", reply, "Hi there")
	}

	if string(gotBody["stream"]) != "true" {
		t.Errorf("stream = %s, want true", gotBody["stream"])
	}
	if string(gotBody["max_tokens"]) != "2000" {
		t.Errorf("max_tokens = %s, want 2000", gotBody["max_tokens"])
	}
	if string(gotBody["temperature"]) != "0.7" {
		t.Errorf("temperature = %s, want 0.7", gotBody["temperature"])
	}
	wantMessages := `[{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}}]}]`
	if string(gotBody["messages"]) != wantMessages {
		t.Errorf("messages = %s\nwant %s", gotBody["messages"], wantMessages)
	}
}

func TestOpenStreamNon2xx(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "json error body", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`, wantMsg: "slow down"},
		{name: "plain body", status: http.StatusBadGateway, body: "bad gateway", wantMsg: "bad gateway"},
		{name: "empty body", status: http.StatusServiceUnavailable, body: "", wantMsg: "503 Service Unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			s := NewService(testConfig(server.URL), zap.NewNop())
			_, err := s.OpenStream(context.Background(), ChatRequest{Model: "m"})

			var upErr *UpstreamError
			if !errors.As(err, &upErr) {
				t.Fatalf("OpenStream() error = %v, want *UpstreamError", err)
			}
			if upErr.Status != tt.status || upErr.Message != tt.wantMsg {
				t.Errorf("UpstreamError = %+v, want status %d message %q", upErr, tt.status, tt.wantMsg)
			}
		})
	}
}

func TestOpenStreamMissingAPIKey(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.APIKey = ""
	s := NewService(cfg, zap.NewNop())

	if _, err := s.OpenStream(context.Background(), ChatRequest{Model: "m"}); !errors.Is(err, ErrAPIKeyMissing) {
		t.Errorf("OpenStream() error = %v, want ErrAPIKeyMissing", err)
	}
}

func TestOpenStreamCancelledByCaller(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(chunk("first")))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewService(testConfig(server.URL), zap.NewNop())
	stream, err := s.OpenStream(ctx, ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer stream.Close()

	if ev, err := stream.Next(); err != nil || ev.Content != "first" {
		t.Fatalf("Next() = %+v, %v", ev, err)
	}

	cancel()
	if _, err := stream.Next(); err == nil {
		t.Error("Next() after cancel returned nil error")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")
	t.Setenv("OPENROUTER_BASE_URL", "http://upstream.local/v1")
	t.Setenv("UPSTREAM_IDLE_TIMEOUT", "5s")
	t.Setenv("UPSTREAM_MAX_TOKENS", "512")
	t.Setenv("UPSTREAM_TEMPERATURE", "")

	cfg := ConfigFromEnv()
	if cfg.APIKey != "sk-or-test" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.BaseURL != "http://upstream.local/v1" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.IdleTimeout != 5*time.Second {
		t.Errorf("IdleTimeout = %v", cfg.IdleTimeout)
	}
	if cfg.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d", cfg.MaxTokens)
	}
	if cfg.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want default 0.7", cfg.Temperature)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want default 10s", cfg.ConnectTimeout)
	}
}
