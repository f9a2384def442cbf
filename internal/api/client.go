package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"gangban/internal/chat"
)

const DefaultBaseURL = "http://localhost:8000"

// StatusError is returned for every non-2xx response. Response bodies are not
// interpreted on failure.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed with status %d", e.Op, e.StatusCode)
}

// Permanent reports whether repeating the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsStatus reports whether err carries a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == code
	}
	return false
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http = &http.Client{Timeout: timeout, Transport: c.http.Transport}
		}
	}
}

// WithRateLimit caps outgoing requests; rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL: NormalizeBaseURL(baseURL),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  log.Logger.With().Str("component", "api").Logger(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// NormalizeBaseURL trims trailing slashes and makes sure the URL ends in /api.
func NormalizeBaseURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if strings.HasSuffix(trimmed, "/api") {
		return trimmed
	}
	return trimmed + "/api"
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) PostChat(ctx context.Context, role chat.Role, req ChatRequest) (*ChatResponse, error) {
	var out ChatResponse
	if err := c.do(ctx, "chat", http.MethodPost, "chat/"+role.Slug(), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetHistory(ctx context.Context, role chat.Role, q HistoryQuery) (*HistoryResponse, error) {
	params := url.Values{}
	params.Set("user_id", q.UserID)
	if q.ThreadID != "" {
		params.Set("thread_id", q.ThreadID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	var out HistoryResponse
	if err := c.do(ctx, "chat history", http.MethodGet, "chat/"+role.Slug()+"/history", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ClearHistory(ctx context.Context, role chat.Role, req ClearHistoryRequest) (*ClearHistoryResponse, error) {
	if req.Role == "" {
		req.Role = role.String()
	}
	var out ClearHistoryResponse
	if err := c.do(ctx, "clear history", http.MethodDelete, "chat/"+role.Slug()+"/history", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PostRecommendations(ctx context.Context, req RecommendationRequest) (*RecommendationResponse, error) {
	var out RecommendationResponse
	if err := c.do(ctx, "recommendation", http.MethodPost, "recommendations", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PostRecommendationHistory(ctx context.Context, req RecommendationHistoryRequest) (*RecommendationHistoryResponse, error) {
	var out RecommendationHistoryResponse
	if err := c.do(ctx, "recommendation history", http.MethodPost, "recommendations/history", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrapf(err, "%s request", op)
		}
	}

	endpoint := c.baseURL + "/" + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "encode %s request", op)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errors.Wrapf(err, "build %s request", op)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s request failed", op)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("op", op).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("api call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Op: strings.ToUpper(op[:1]) + op[1:], StatusCode: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", op)
	}
	return nil
}
