// Package api wraps the rider HTTP API: authenticated requests with a single
// shared token refresh, error decoding and response validation, plus typed
// clients for every endpoint group.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/observability"
	"github.com/example/rider-agent/internal/tokenstore"
)

// Request describes one API call. Name labels metrics; it defaults to Path.
type Request struct {
	Name   string
	Method string
	Path   string
	Query  url.Values
	Body   any
	Auth   bool
}

type validator interface{ Validate() error }

// Transport sends requests to the rider API. Authenticated requests that
// come back 401 trigger a refresh-token exchange shared by every caller that
// saw the same stale token, then are retried exactly once.
type Transport struct {
	baseURL string
	client  *http.Client
	tokens  tokenstore.Store
	logger  *slog.Logger

	refresh singleflight.Group

	mu        sync.RWMutex
	onExpired []func()
}

func NewTransport(baseURL string, client *http.Client, tokens tokenstore.Store, logger *slog.Logger) *Transport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
		logger:  logging.OrDefault(logger),
	}
}

// Tokens exposes the store so higher layers share one source of truth.
func (t *Transport) Tokens() tokenstore.Store { return t.tokens }

// OnSessionExpired registers fn to run after a failed refresh.
func (t *Transport) OnSessionExpired(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpired = append(t.onExpired, fn)
}

// Do sends req and decodes a 2xx JSON body into out (which may be nil).
func (t *Transport) Do(ctx context.Context, req Request, out any) error {
	var token string
	if req.Auth {
		var err error
		if token, err = t.tokens.GetAuthToken(ctx); err != nil {
			return fmt.Errorf("read access token: %w", err)
		}
	}
	status, body, err := t.send(ctx, req, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && req.Auth {
		fresh, err := t.refreshToken(ctx, token)
		if err != nil {
			return err
		}
		if status, body, err = t.send(ctx, req, fresh); err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			t.expire(ctx)
			return ErrSessionExpired
		}
	}
	return decode(status, body, out)
}

func (t *Transport) send(ctx context.Context, req Request, token string) (int, []byte, error) {
	u := t.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	name := req.Name
	if name == "" {
		name = req.Path
	}
	start := time.Now()
	resp, err := t.client.Do(httpReq)
	observability.APIRequestDuration.WithLabelValues(method, name).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.APIRequestsTotal.WithLabelValues(method, name, "error").Inc()
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, &NetworkError{Op: method + " " + req.Path, Err: err}
	}
	defer resp.Body.Close()
	observability.APIRequestsTotal.WithLabelValues(method, name, strconv.Itoa(resp.StatusCode)).Inc()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &NetworkError{Op: "read response", Err: err}
	}
	t.logger.Debug("api_request", "method", method, "endpoint", name, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return resp.StatusCode, b, nil
}

func decode(status int, body []byte, out any) error {
	if status < 200 || status > 299 {
		var eb errorBody
		apiErr := &Error{Status: status}
		if err := json.Unmarshal(body, &eb); err == nil {
			apiErr.Code = eb.Code
			apiErr.Message = eb.text()
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if v, ok := out.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return nil
}

// refreshToken returns an access token newer than stale, exchanging the
// refresh token only if nobody else has already done so.
func (t *Transport) refreshToken(ctx context.Context, stale string) (string, error) {
	if current, err := t.tokens.GetAuthToken(ctx); err == nil && current != "" && current != stale {
		return current, nil
	}
	v, err, shared := t.refresh.Do("refresh:"+stale, func() (any, error) {
		// a flight that finished just before this one may have rotated it
		if current, err := t.tokens.GetAuthToken(ctx); err == nil && current != "" && current != stale {
			return current, nil
		}
		return t.exchange(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	if shared {
		t.logger.Debug("token_refresh_shared")
	}
	return v.(string), nil
}

func (t *Transport) exchange(ctx context.Context) (string, error) {
	refresh, err := t.tokens.GetRefreshToken(ctx)
	if err != nil || refresh == "" {
		observability.TokenRefreshes.WithLabelValues("missing").Inc()
		t.expire(ctx)
		return "", ErrSessionExpired
	}
	var pair models.Tokens
	status, body, err := t.send(ctx, Request{Name: "auth.refresh", Method: http.MethodPost, Path: "/auth/refresh", Body: map[string]string{"refreshToken": refresh}}, "")
	if err == nil {
		err = decode(status, body, &pair)
	}
	if err != nil {
		observability.TokenRefreshes.WithLabelValues("failed").Inc()
		t.logger.Warn("token_refresh_failed", "error", err)
		t.expire(ctx)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	if err := t.tokens.SaveAuthToken(ctx, pair); err != nil {
		observability.TokenRefreshes.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}
	observability.TokenRefreshes.WithLabelValues("ok").Inc()
	t.logger.Info("token_refreshed")
	return pair.AccessToken, nil
}

func (t *Transport) expire(ctx context.Context) {
	if err := t.tokens.ClearTokens(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Error("clear_tokens_failed", "error", err)
	}
	t.mu.RLock()
	hooks := append([]func(){}, t.onExpired...)
	t.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}
