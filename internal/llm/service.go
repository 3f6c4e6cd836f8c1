package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chat-relay/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxErrorBody bounds how much of a failed upstream response is read.
const maxErrorBody = 64 * 1024

var (
	// ErrAPIKeyMissing is returned when no upstream API key is configured
	ErrAPIKeyMissing = errors.New("OpenRouter API key not configured")
)

// ChatRequest is the body posted to the chat completions endpoint.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Service talks to the upstream completion API.
type Service struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewService creates a streaming client for cfg. The client has no overall
// timeout; streams are bounded by the connect, header and idle timeouts and by
// the caller's context.
func NewService(cfg *Config, logger *zap.Logger) *Service {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
	}
	return &Service{
		config:     cfg,
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
}

// GetConfig returns the service's configuration
func (s *Service) GetConfig() *Config {
	return s.config
}

// OpenStream posts req with stream enabled and returns the open event stream.
// A non-2xx status is returned as *UpstreamError before any event is read.
func (s *Service) OpenStream(ctx context.Context, req ChatRequest) (ChatStream, error) {
	if s.config.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	url := strings.TrimRight(s.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	httpReq.Header.Set("HTTP-Referer", s.config.Referer)
	httpReq.Header.Set("X-Title", s.config.Title)
	httpReq.Header.Set("X-Request-ID", requestID)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		var apiErr apiErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		if msg == "" {
			msg = resp.Status
		}
		s.logger.Warn("upstream rejected completion request",
			zap.String("request_id", requestID),
			zap.String("model", req.Model),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return nil, &UpstreamError{Status: resp.StatusCode, Message: msg}
	}

	s.logger.Debug("upstream stream opened",
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
		zap.Int("messages", len(req.Messages)))
	return newStream(resp.Body, cancel, s.config.IdleTimeout), nil
}
