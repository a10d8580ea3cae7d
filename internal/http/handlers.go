// Package httpapi is the agent's local control surface: a loopback HTTP API
// that a rider UI, a GPS daemon or an operator's curl drives.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/example/rider-agent/internal/agent"
	"github.com/example/rider-agent/internal/api"
	"github.com/example/rider-agent/internal/chat"
	"github.com/example/rider-agent/internal/location"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/orders"
	"github.com/example/rider-agent/internal/wallet"
)

// defaultSpeedMps ranks nearby orders for a rider on a motorcycle in traffic.
const defaultSpeedMps = 8.0

type Server struct {
	Agent  *agent.Agent
	Source *location.FeedSource
	logger *slog.Logger
	mux    *mux.Router

	mu      sync.Mutex
	rooms   map[string]*chat.Room
	roomGen uint64 // bumped when rooms are dropped
	opening singleflight.Group
}

func NewServer(a *agent.Agent, src *location.FeedSource, logger *slog.Logger) *Server {
	s := &Server{
		Agent:  a,
		Source: src,
		logger: logging.OrDefault(logger),
		mux:    mux.NewRouter(),
		rooms:  make(map[string]*chat.Room),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/status", s.handleStatus).Methods("GET")

	s.mux.HandleFunc("/session/login", s.handleLogin).Methods("POST")
	s.mux.HandleFunc("/session/logout", s.handleLogout).Methods("POST")
	s.mux.HandleFunc("/online", s.handleOnline).Methods("POST")
	s.mux.HandleFunc("/offline", s.handleOffline).Methods("POST")

	s.mux.HandleFunc("/orders/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/orders/{list:eligible|assigned|completed}", s.handleOrderList).Methods("GET")
	s.mux.HandleFunc("/orders/{id}/history", s.handleOrderHistory).Methods("GET")
	s.mux.HandleFunc("/orders/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/orders/{id}/picked-up", s.handlePickedUp).Methods("POST")
	s.mux.HandleFunc("/orders/{id}/delivered", s.handleDelivered).Methods("POST")

	s.mux.HandleFunc("/location/fix", s.handleLocationFix).Methods("POST")

	s.mux.HandleFunc("/chat/{orderId}/messages", s.handleMessages).Methods("GET")
	s.mux.HandleFunc("/chat/{orderId}/messages", s.handleSend).Methods("POST")
	s.mux.HandleFunc("/chat/{orderId}/more", s.handleLoadMore).Methods("POST")
	s.mux.HandleFunc("/chat/{orderId}/read", s.handleRead).Methods("POST")
	s.mux.HandleFunc("/chat/{orderId}", s.handleCloseRoom).Methods("DELETE")

	s.mux.HandleFunc("/wallet/balance", s.handleBalance).Methods("GET")
	s.mux.HandleFunc("/wallet/transactions", s.handleTransactions).Methods("GET")
	s.mux.HandleFunc("/wallet/summary", s.handleSummary).Methods("GET")
	s.mux.HandleFunc("/wallet/withdraw", s.handleWithdraw).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Agent.Status(r.Context()))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phone    string `json:"phone"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	u, err := s.Agent.Session.Login(r.Context(), body.Phone, body.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.closeRooms()
	if err := s.Agent.Logout(r.Context()); err != nil {
		// local state is cleared regardless
		s.logger.Warn("logout_incomplete", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RegionID string `json:"regionId"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	if body.RegionID == "" {
		if p, ok := s.Agent.Session.Profile(); ok {
			body.RegionID = p.RegionID
		}
	}
	if err := s.Agent.GoOnline(r.Context(), body.RegionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Agent.Status(r.Context()))
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	if err := s.Agent.GoOffline(r.Context()); err != nil {
		s.logger.Warn("offline_incomplete", "error", err)
	}
	writeJSON(w, http.StatusOK, s.Agent.Status(r.Context()))
}

func (s *Server) handleOrderList(w http.ResponseWriter, r *http.Request) {
	var (
		list models.OrderList
		err  error
	)
	switch mux.Vars(r)["list"] {
	case "eligible":
		list, err = s.Agent.Orders.Eligible(r.Context())
	case "assigned":
		list, err = s.Agent.Orders.Assigned(r.Context())
	default:
		list, err = s.Agent.Orders.Completed(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleNearby ranks eligible orders by distance from ?lat=&lon=, or from
// the last pushed fix when omitted.
func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	from, err := s.positionFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.Agent.Orders.Eligible(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, location.RankByPickup(list, from, defaultSpeedMps))
}

var errBadPosition = errors.New("lat and lon must be numbers")

func (s *Server) positionFromQuery(r *http.Request) (models.Coord, error) {
	q := r.URL.Query()
	if q.Get("lat") == "" && q.Get("lon") == "" {
		fix, err := s.Source.Current(r.Context())
		if err != nil {
			return models.Coord{}, err
		}
		return models.Coord{Lat: fix.Lat, Lon: fix.Lon}, nil
	}
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		return models.Coord{}, errBadPosition
	}
	c := models.Coord{Lat: lat, Lon: lon}
	if err := c.Validate(); err != nil {
		return models.Coord{}, errBadPosition
	}
	return c, nil
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.Agent.Orders.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	o, err := s.Agent.Orders.AcceptOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handlePickedUp(w http.ResponseWriter, r *http.Request) {
	o, err := s.Agent.Orders.MarkPickedUp(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConfirmationCode string `json:"confirmationCode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	o, err := s.Agent.Orders.MarkDelivered(r.Context(), mux.Vars(r)["id"], body.ConfirmationCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleLocationFix feeds a device position into the tracker.
func (s *Server) handleLocationFix(w http.ResponseWriter, r *http.Request) {
	var fix location.Fix
	if !decodeBody(w, r, &fix) {
		return
	}
	if err := (models.Coord{Lat: fix.Lat, Lon: fix.Lon}).Validate(); err != nil {
		s.writeError(w, r, errBadPosition)
		return
	}
	s.Source.Push(fix)
	w.WriteHeader(http.StatusAccepted)
}

// room returns the open room for an order, joining it on first use.
// Concurrent first uses of one order share a single join; s.mu is never
// held while joining.
func (s *Server) room(r *http.Request) (*chat.Room, error) {
	orderID := mux.Vars(r)["orderId"]
	if room, ok := s.lookupRoom(orderID); ok {
		return room, nil
	}
	v, err, _ := s.opening.Do(orderID, func() (any, error) {
		s.mu.Lock()
		if room, ok := s.rooms[orderID]; ok {
			s.mu.Unlock()
			return room, nil
		}
		gen := s.roomGen
		s.mu.Unlock()

		room, err := s.Agent.Chat.Open(r.Context(), orderID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.roomGen != gen {
			// rooms were dropped (logout) while joining
			room.Close()
			return nil, chat.ErrRoomClosed
		}
		s.rooms[orderID] = room
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*chat.Room), nil
}

func (s *Server) lookupRoom(orderID string) (*chat.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[orderID]
	return room, ok
}

func (s *Server) closeRooms() {
	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[string]*chat.Room)
	s.roomGen++
	s.mu.Unlock()
	for _, room := range rooms {
		room.Close()
	}
}

type threadResponse struct {
	ConversationID string           `json:"conversationId"`
	ReadOnly       bool             `json:"readOnly"`
	HasMore        bool             `json:"hasMore"`
	Messages       []models.Message `json:"messages"`
}

func (s *Server) writeThread(w http.ResponseWriter, room *chat.Room, th chat.Thread) {
	msgs := th.Messages
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, threadResponse{
		ConversationID: room.Conversation().ID,
		ReadOnly:       room.ReadOnly(),
		HasMore:        th.HasMore,
		Messages:       msgs,
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	room, err := s.room(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	th, err := room.Messages(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeThread(w, room, th)
}

func (s *Server) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	room, err := s.room(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	th, err := room.LoadMore(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeThread(w, room, th)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	room, err := s.room(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := room.Send(r.Context(), body.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	room, err := s.room(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := room.MarkRead(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseRoom(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]
	s.mu.Lock()
	room, ok := s.rooms[orderID]
	delete(s.rooms, orderID)
	s.mu.Unlock()
	if ok {
		room.Close()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.Agent.Wallet.Balance(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	p, err := s.Agent.Wallet.Transactions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Agent.Wallet.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount int64 `json:"amount"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	tx, err := s.Agent.Wallet.Withdraw(r.Context(), body.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// Close leaves every open chat room.
func (s *Server) Close() { s.closeRooms() }

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: "Request body is not valid JSON."})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// localErrors maps agent-side failures that never reached the server.
var localErrors = []struct {
	err    error
	status int
	code   string
	msg    string
}{
	{orders.ErrMaxActiveOrders, http.StatusConflict, "MAX_ACTIVE_ORDERS", "You can only have 3 active orders at a time. Deliver one before picking another."},
	{orders.ErrInvalidCodeFormat, http.StatusUnprocessableEntity, "INVALID_CODE_FORMAT", "Enter the 4-digit code from the customer."},
	{chat.ErrReadOnlyConversation, http.StatusConflict, api.CodeConversationReadOnly, "This chat is closed because the order has been delivered."},
	{chat.ErrEmptyMessage, http.StatusUnprocessableEntity, "EMPTY_MESSAGE", "Type a message first."},
	{wallet.ErrInvalidAmount, http.StatusUnprocessableEntity, "INVALID_AMOUNT", "Enter an amount greater than zero."},
	{location.ErrRegionRequired, http.StatusUnprocessableEntity, "REGION_REQUIRED", "Choose a region before going online."},
	{location.ErrNoFix, http.StatusConflict, "NO_POSITION", "Waiting for a location fix."},
	{errBadPosition, http.StatusBadRequest, "BAD_POSITION", "Latitude and longitude are invalid."},
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Code: "INTERNAL", Message: api.UserMessage(err), RequestID: requestIDFromContext(r.Context())}
	status := http.StatusInternalServerError

	var apiErr *api.Error
	matched := false
	for _, le := range localErrors {
		if errors.Is(err, le.err) {
			status, resp.Code, resp.Message = le.status, le.code, le.msg
			matched = true
			break
		}
	}
	switch {
	case matched:
	case errors.Is(err, api.ErrSessionExpired), errors.Is(err, api.ErrNotAuthenticated):
		status, resp.Code = http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.As(err, &apiErr):
		status, resp.Code = apiErr.Status, apiErr.Code
		if resp.Code == "" {
			resp.Code = "API_ERROR"
		}
	case api.IsTransient(err):
		status, resp.Code = http.StatusBadGateway, "NETWORK"
	}
	if status >= 500 {
		s.logger.Error("request_failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}
