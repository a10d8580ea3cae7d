package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-agent/internal/agent"
	"github.com/example/rider-agent/internal/api"
	"github.com/example/rider-agent/internal/chat"
	"github.com/example/rider-agent/internal/location"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/orders"
	"github.com/example/rider-agent/internal/query"
	"github.com/example/rider-agent/internal/realtime"
	"github.com/example/rider-agent/internal/session"
	"github.com/example/rider-agent/internal/testutil/fakeapi"
	"github.com/example/rider-agent/internal/tokenstore"
	"github.com/example/rider-agent/internal/wallet"
)

type fixedGeocoder struct{}

func (fixedGeocoder) ReverseGeocode(context.Context, float64, float64) (string, error) {
	return "Ozumba Mbadiwe Ave", nil
}

func newTestServer(t *testing.T) (*Server, *fakeapi.Server) {
	t.Helper()
	logger := logging.Discard()
	backend := fakeapi.New(t)
	tokens := tokenstore.NewMemoryStore()
	client := api.New(backend.URL(), nil, tokens, logger)
	cache := query.New(time.Minute)
	hub := realtime.NewHub(realtime.Options{URL: backend.SocketURL(), Token: client.AccessToken, ReconnectDelay: 10 * time.Millisecond, Logger: logger})
	t.Cleanup(hub.CloseAll)

	sess := session.New(client, tokens, logger)
	src := location.NewFeedSource()
	tracker := location.NewTracker(client, fixedGeocoder{}, src, location.TrackerConfig{RiderID: sess.RiderID, Logger: logger})
	t.Cleanup(tracker.Stop)
	walletSvc := wallet.NewService(client, cache, logger)
	a := agent.New(agent.Deps{
		API:     client,
		Session: sess,
		Cache:   cache,
		Hub:     hub,
		Orders:  orders.NewService(client, cache, orders.Config{RiderID: sess.RiderID, Logger: logger}),
		Chat:    chat.NewService(client, cache, hub, chat.Config{Logger: logger}),
		Wallet:  walletSvc,
		Tracker: tracker,
		Logger:  logger,
	})
	srv := NewServer(a, src, logger)
	t.Cleanup(srv.Close)
	return srv, backend
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func login(t *testing.T, srv *Server) {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/session/login", map[string]string{"phone": fakeapi.Phone, "password": fakeapi.Password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthzAndRequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	var st agent.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Authenticated)
}

func TestOnlineRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/online", map[string]string{"regionId": fakeapi.RegionID})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/session/login", map[string]string{"phone": fakeapi.Phone, "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, api.CodeInvalidCredentials, e.Code)
	assert.Equal(t, "Incorrect phone number or password.", e.Message)

	login(t, srv)
	rec = do(t, srv, http.MethodPost, "/online", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "REGION_REQUIRED", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/online", map[string]string{"regionId": fakeapi.RegionID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st agent.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Online)
	assert.True(t, st.Tracking)

	rec = do(t, srv, http.MethodPost, "/offline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Online)
}

func TestLocationFixFeedsTracker(t *testing.T) {
	srv, backend := newTestServer(t)
	login(t, srv)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/online", map[string]string{"regionId": fakeapi.RegionID}).Code)

	rec := do(t, srv, http.MethodPost, "/location/fix", map[string]float64{"latitude": 123, "longitude": 3.4})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_POSITION", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/location/fix", map[string]float64{"latitude": 6.4302, "longitude": 3.4215, "accuracy": 6})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return len(backend.Locations()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Ozumba Mbadiwe Ave", backend.Locations()[0].Address)
}

func TestOrderFlowOverHTTP(t *testing.T) {
	srv, backend := newTestServer(t)
	login(t, srv)
	for _, id := range []string{"ord-1", "ord-2", "ord-3", "ord-4"} {
		backend.AddOrder(fakeapi.NewOrder(id), "4821")
	}

	rec := do(t, srv, http.MethodGet, "/orders/eligible", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.OrderList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 4)

	for _, id := range []string{"ord-1", "ord-2", "ord-3"} {
		require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/orders/"+id+"/accept", nil).Code)
	}
	rec = do(t, srv, http.MethodPost, "/orders/ord-4/accept", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "MAX_ACTIVE_ORDERS", decodeError(t, rec).Code)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/orders/ord-1/picked-up", nil).Code)

	rec = do(t, srv, http.MethodPost, "/orders/ord-1/delivered", map[string]string{"confirmationCode": "48"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_CODE_FORMAT", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/orders/ord-1/delivered", map[string]string{"confirmationCode": "1111"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, api.CodeInvalidConfirmationCode, e.Code)
	assert.Contains(t, e.Message, "confirmation code is incorrect")

	rec = do(t, srv, http.MethodPost, "/orders/ord-1/delivered", map[string]string{"confirmationCode": "4821"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/orders/completed", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.True(t, list.Contains("ord-1"))

	rec = do(t, srv, http.MethodGet, "/orders/ord-1/history", nil)
	var history []models.OrderEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 3)

	rec = do(t, srv, http.MethodGet, "/wallet/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal models.WalletBalance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, int64(120000), bal.Balance)
}

func TestNearbyRanksEligibleOrders(t *testing.T) {
	srv, backend := newTestServer(t)
	login(t, srv)

	far := fakeapi.NewOrder("far")
	far.Pickup.Coord = models.Coord{Lat: 6.6000, Lon: 3.3500}
	backend.AddOrder(far, "1111")
	backend.AddOrder(fakeapi.NewOrder("near"), "2222")

	rec := do(t, srv, http.MethodGet, "/orders/nearby", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_POSITION", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodGet, "/orders/nearby?lat=6.4290&lon=3.4220", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ranked []location.NearbyOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ranked))
	require.Len(t, ranked, 2)
	assert.Equal(t, "near", ranked[0].ID)
	assert.Less(t, ranked[0].PickupDistanceM, ranked[1].PickupDistanceM)
}

func TestChatOverHTTP(t *testing.T) {
	srv, backend := newTestServer(t)
	login(t, srv)
	backend.AddOrder(fakeapi.NewOrder("ord-1"), "4821")

	rec := do(t, srv, http.MethodPost, "/chat/ord-1/messages", map[string]string{"content": "Arriving now"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/chat/ord-1/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var th threadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &th))
	assert.Equal(t, "conv-ord-1", th.ConversationID)
	require.Len(t, th.Messages, 1)
	assert.Equal(t, "Arriving now", th.Messages[0].Content)

	rec = do(t, srv, http.MethodPost, "/chat/ord-1/messages", map[string]string{"content": " "})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodPost, "/chat/ord-1/read", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/chat/ord-1", nil).Code)
	require.Eventually(t, func() bool {
		return len(backend.Received(realtime.NamespaceChat, chat.EventLeave)) == 1
	}, time.Second, 5*time.Millisecond)

	rec = do(t, srv, http.MethodGet, "/chat/missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJoiningOneRoomDoesNotBlockOthers(t *testing.T) {
	srv, backend := newTestServer(t)
	login(t, srv)
	backend.AddOrder(fakeapi.NewOrder("ord-1"), "4821")
	backend.AddOrder(fakeapi.NewOrder("ord-2"), "1234")

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/chat/ord-1/messages", nil).Code)
	require.Equal(t, 1, backend.Calls("chat.conversation"))

	release := backend.Stall("chat.conversation")
	t.Cleanup(release)

	slow := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() { slow <- do(t, srv, http.MethodGet, "/chat/ord-2/messages", nil).Code }()
	}
	require.Eventually(t, func() bool { return backend.Calls("chat.conversation") == 2 }, time.Second, 5*time.Millisecond)

	fast := make(chan int, 1)
	go func() { fast <- do(t, srv, http.MethodPost, "/chat/ord-1/read", nil).Code }()
	select {
	case code := <-fast:
		assert.Equal(t, http.StatusNoContent, code)
	case <-time.After(2 * time.Second):
		t.Fatal("open room blocked behind a room being joined")
	}

	release()
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, <-slow)
	}
	assert.Equal(t, 2, backend.Calls("chat.conversation"), "concurrent first uses share one join")
	require.Eventually(t, func() bool {
		return len(backend.Received(realtime.NamespaceChat, chat.EventJoin)) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBadJSONIsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/session/login", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", decodeError(t, rec).Code)
}
