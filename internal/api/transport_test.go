package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/tokenstore"
)

// refreshServer accepts only the token it last issued and counts refreshes.
type refreshServer struct {
	mu        sync.Mutex
	valid     string
	refreshes int32
	failNext  bool
	delay     time.Duration
}

func (s *refreshServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.refreshes, 1)
		time.Sleep(s.delay)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failNext {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"statusCode":401,"code":"INVALID_REFRESH_TOKEN","message":"refresh token revoked"}`))
			return
		}
		s.valid = "fresh-token"
		_ = json.NewEncoder(w).Encode(models.Tokens{AccessToken: "fresh-token", RefreshToken: "fresh-refresh"})
	})
	mux.HandleFunc("/orders/rider/assigned", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		valid := s.valid
		s.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	return mux
}

func newTestClient(t *testing.T, h http.Handler, tokens tokenstore.Store) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.Client(), tokens, logging.Discard())
}

func TestConcurrent401sShareOneRefresh(t *testing.T) {
	rs := &refreshServer{valid: "never-matches", delay: 50 * time.Millisecond}
	tokens := tokenstore.NewMemoryStore()
	require.NoError(t, tokens.SaveAuthToken(context.Background(), models.Tokens{AccessToken: "stale", RefreshToken: "r0"}))
	c := newTestClient(t, rs.handler(), tokens)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.AssignedOrders(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&rs.refreshes))
	tok, _ := tokens.GetAuthToken(context.Background())
	assert.Equal(t, "fresh-token", tok)
	ref, _ := tokens.GetRefreshToken(context.Background())
	assert.Equal(t, "fresh-refresh", ref)
}

func TestLate401AfterRotationDoesNotRefreshAgain(t *testing.T) {
	rs := &refreshServer{valid: "never-matches"}
	tokens := tokenstore.NewMemoryStore()
	require.NoError(t, tokens.SaveAuthToken(context.Background(), models.Tokens{AccessToken: "stale", RefreshToken: "r0"}))
	c := newTestClient(t, rs.handler(), tokens)

	_, err := c.AssignedOrders(context.Background())
	require.NoError(t, err)

	// a request that was sent with the stale token before rotation
	fresh, err := c.Transport().refreshToken(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", fresh)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rs.refreshes))
}

func TestRefreshFailureClearsTokensAndExpiresSession(t *testing.T) {
	rs := &refreshServer{valid: "never-matches", failNext: true}
	tokens := tokenstore.NewMemoryStore()
	require.NoError(t, tokens.SaveAuthToken(context.Background(), models.Tokens{AccessToken: "stale", RefreshToken: "r0"}))
	c := newTestClient(t, rs.handler(), tokens)

	var expired int32
	c.Transport().OnSessionExpired(func() { atomic.AddInt32(&expired, 1) })

	_, err := c.AssignedOrders(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), atomic.LoadInt32(&expired))

	tok, _ := tokens.GetAuthToken(context.Background())
	ref, _ := tokens.GetRefreshToken(context.Background())
	assert.Empty(t, tok)
	assert.Empty(t, ref)
	assert.Equal(t, "Your session has expired. Please log in again.", UserMessage(err))
}

func TestDecodesBusinessErrors(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"statusCode":409,"code":"MAX_ORDERS_REACHED","message":"rider holds 3 orders"}`))
	})
	tokens := tokenstore.NewMemoryStore()
	_ = tokens.SaveAuthToken(context.Background(), models.Tokens{AccessToken: "a", RefreshToken: "r"})
	c := newTestClient(t, h, tokens)

	_, err := c.AcceptOrder(context.Background(), "o1")
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "rider holds 3 orders", apiErr.Message)
	assert.True(t, IsCode(err, CodeOrderAlreadyAssigned, CodeMaxOrdersReached))
	assert.Contains(t, UserMessage(err), "3 active orders")
}

func TestValidationMessageList(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"statusCode":400,"message":["phone must be set","password too short"],"error":"Bad Request"}`))
	})
	c := newTestClient(t, h, tokenstore.NewMemoryStore())
	_, err := c.Login(context.Background(), "", "x")
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "phone must be set; password too short", apiErr.Message)
	assert.Equal(t, genericMessage, UserMessage(err))
}

func TestRejectsMalformedPayload(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"o1","status":"teleported"}]`))
	})
	tokens := tokenstore.NewMemoryStore()
	_ = tokens.SaveAuthToken(context.Background(), models.Tokens{AccessToken: "a", RefreshToken: "r"})
	c := newTestClient(t, h, tokens)

	_, err := c.EligibleOrders(context.Background(), "r1")
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(srv.URL, nil, tokenstore.NewMemoryStore(), logging.Discard())

	err := c.RequestOTP(context.Background(), "+2348000000000")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, UserMessage(err), "Network error")
}

func TestLoginPersistsTokens(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"INVALID_CREDENTIALS","message":"bad password"}`))
			return
		}
		_, _ = w.Write([]byte(`{"user":{"id":"rider-1","firstName":"Ada"},"accessToken":"a","refreshToken":"r"}`))
	})
	tokens := tokenstore.NewMemoryStore()
	c := newTestClient(t, h, tokens)

	_, err := c.Login(context.Background(), "+234", "wrong")
	require.True(t, IsCode(err, CodeInvalidCredentials))

	res, err := c.Login(context.Background(), "+234", "secret")
	require.NoError(t, err)
	assert.Equal(t, "rider-1", res.User.ID)
	tok, _ := tokens.GetAuthToken(context.Background())
	assert.Equal(t, "a", tok)
}
