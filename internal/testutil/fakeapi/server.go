// Package fakeapi is an in-process rider backend for tests. It serves the
// REST endpoints and the /orders and /chat sockets the agent talks to,
// enforces the same business rules the real server does and counts calls.
package fakeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/rider-agent/internal/models"
)

// Credentials and identity of the single seeded rider.
const (
	Phone    = "+2348000000001"
	Password = "s3cret"
	OTP      = "123456"
	RiderID  = "rider-1"
	RegionID = "region-lagos"
	UserID   = "user-1"
)

type Server struct {
	srv     *httptest.Server
	router  *mux.Router
	sockets *registry

	mu            sync.Mutex
	maxActive     int
	tokenSeq      int
	access        string
	refresh       string
	failRefresh   bool
	orders        map[string]*models.Order
	codes         map[string]string
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
	msgSeq        int
	balance       models.WalletBalance
	txs           []models.Transaction
	locations     []models.RiderLocation
	online        bool
	calls         map[string]int
	stalls        map[string]chan struct{}
}

// New starts a server that is shut down when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		router:        mux.NewRouter(),
		sockets:       newRegistry(),
		maxActive:     3,
		orders:        make(map[string]*models.Order),
		codes:         make(map[string]string),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		balance:       models.WalletBalance{Currency: "NGN"},
		calls:         make(map[string]int),
		stalls:        make(map[string]chan struct{}),
	}
	s.routes()
	s.srv = httptest.NewServer(s.router)
	t.Cleanup(func() {
		s.sockets.drop("/orders")
		s.sockets.drop("/chat")
		s.srv.Close()
	})
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")
	r.HandleFunc("/auth/logout", s.authed(s.handleLogout)).Methods("POST")
	r.HandleFunc("/auth/otp/request", s.count("auth.otp", noContent)).Methods("POST")
	r.HandleFunc("/auth/otp/verify", s.handleVerifyOTP).Methods("POST")

	r.HandleFunc("/riders/me", s.authed(s.handleProfile)).Methods("GET")
	r.HandleFunc("/riders/me/location", s.authed(s.handleLocation)).Methods("PATCH")
	r.HandleFunc("/riders/me/availability", s.authed(s.handleAvailability)).Methods("PATCH")

	r.HandleFunc("/orders/rider/eligible", s.authed(s.handleEligible)).Methods("GET")
	r.HandleFunc("/orders/rider/assigned", s.authed(s.handleAssigned)).Methods("GET")
	r.HandleFunc("/orders/rider/completed", s.authed(s.handleCompleted)).Methods("GET")
	r.HandleFunc("/orders/rider/{id}/accept", s.authed(s.handleAccept)).Methods("POST")
	r.HandleFunc("/orders/rider/{id}/picked-up", s.authed(s.handlePickedUp)).Methods("POST")
	r.HandleFunc("/orders/rider/{id}/delivered", s.authed(s.handleDelivered)).Methods("POST")

	r.HandleFunc("/wallets/me/balance", s.authed(s.handleBalance)).Methods("GET")
	r.HandleFunc("/wallets/me/transactions", s.authed(s.handleTransactions)).Methods("GET")
	r.HandleFunc("/wallets/me/summary", s.authed(s.handleSummary)).Methods("GET")
	r.HandleFunc("/wallets/me/withdraw", s.authed(s.handleWithdraw)).Methods("POST")

	r.HandleFunc("/chat/conversations", s.authed(s.handleConversations)).Methods("GET")
	r.HandleFunc("/chat/conversations/order/{orderId}", s.authed(s.handleConversationForOrder)).Methods("GET")
	r.HandleFunc("/chat/conversations/{id}/messages", s.authed(s.handleMessages)).Methods("GET")
	r.HandleFunc("/chat/conversations/{id}/messages", s.authed(s.handleSend)).Methods("POST")
	r.HandleFunc("/chat/conversations/{id}/read", s.authed(s.handleRead)).Methods("POST")

	r.HandleFunc("/{namespace:orders|chat}", s.handleSocket)
}

// URL is the REST base URL.
func (s *Server) URL() string { return s.srv.URL }

// SocketURL is the base URL for namespace sockets.
func (s *Server) SocketURL() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

// SetMaxActive changes the server-side cap on active orders.
func (s *Server) SetMaxActive(n int) {
	s.mu.Lock()
	s.maxActive = n
	s.mu.Unlock()
}

// Calls returns how often the named endpoint was hit, e.g. "orders.eligible".
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Stall holds every request to the named endpoint until release is called.
// The call is counted before it blocks.
func (s *Server) Stall(name string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.stalls[name] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.stalls, name)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// IssueTokens logs the rider in server-side and returns a valid pair.
func (s *Server) IssueTokens() models.Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

// ExpireAccessToken invalidates the current access token; the refresh token
// stays usable.
func (s *Server) ExpireAccessToken() {
	s.mu.Lock()
	s.access = "expired-" + s.access
	s.mu.Unlock()
}

// FailRefresh makes every refresh exchange fail with 401.
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	s.failRefresh = fail
	s.mu.Unlock()
}

func (s *Server) rotateLocked() models.Tokens {
	s.tokenSeq++
	s.access = fmt.Sprintf("access-%d", s.tokenSeq)
	s.refresh = fmt.Sprintf("refresh-%d", s.tokenSeq)
	return models.Tokens{AccessToken: s.access, RefreshToken: s.refresh}
}

func (s *Server) validToken(tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tok != "" && tok == s.access
}

// NewOrder builds a ready order around Lagos with the given id.
func NewOrder(id string) models.Order {
	now := time.Now().UTC().Truncate(time.Second)
	return models.Order{
		ID:           id,
		OrderNumber:  "ORD-" + strings.ToUpper(id),
		Status:       models.OrderReady,
		RegionID:     RegionID,
		Pickup:       models.Place{Address: "Kitchen, Victoria Island", Coord: models.Coord{Lat: 6.4281, Lon: 3.4219}},
		Delivery:     models.Place{Address: "Flat 4, Lekki Phase 1", Coord: models.Coord{Lat: 6.4474, Lon: 3.4723}},
		Subtotal:     450000,
		DeliveryFee:  150000,
		Total:        600000,
		RiderEarning: 120000,
		Currency:     "NGN",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// AddOrder seeds an order and the customer's confirmation code for it. A
// conversation with the customer is opened alongside.
func (s *Server) AddOrder(o models.Order, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := o
	s.orders[o.ID] = &cp
	s.codes[o.ID] = code
	convID := "conv-" + o.ID
	s.conversations[convID] = &models.Conversation{
		ID:      convID,
		OrderID: o.ID,
		Participants: []models.Participant{
			{ID: UserID, Role: models.RoleUser, Name: "Ada"},
			{ID: RiderID, Role: models.RoleRider, Name: "Tunde"},
		},
		UpdatedAt: o.CreatedAt,
	}
}

// Order returns the server's copy of an order.
func (s *Server) Order(id string) (models.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// AssignElsewhere gives an order to another rider behind the agent's back.
func (s *Server) AssignElsewhere(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		o.RiderID = "rider-other"
	}
}

// CustomerSays appends a customer message to the order's conversation and
// pushes new-message on /chat.
func (s *Server) CustomerSays(orderID, content string) models.Message {
	s.mu.Lock()
	msg := s.appendMessageLocked("conv-"+orderID, UserID, models.RoleUser, content)
	s.mu.Unlock()
	s.Push("/chat", "new-message", msg)
	return msg
}

func (s *Server) appendMessageLocked(convID, sender string, role models.ParticipantRole, content string) models.Message {
	s.msgSeq++
	msg := models.Message{
		ID:             fmt.Sprintf("msg-%d", s.msgSeq),
		ConversationID: convID,
		SenderID:       sender,
		SenderRole:     role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages[convID] = append(s.messages[convID], msg)
	if c, ok := s.conversations[convID]; ok {
		m := msg
		c.LastMessage = &m
		c.UpdatedAt = msg.CreatedAt
		if role == models.RoleUser {
			c.UnreadCount++
		}
	}
	return msg
}

// Locations returns every location the rider reported.
func (s *Server) Locations() []models.RiderLocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RiderLocation(nil), s.locations...)
}

func (s *Server) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Credit adds earnings to the wallet directly.
func (s *Server) Credit(amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creditLocked(amount, "")
}

func (s *Server) creditLocked(amount int64, orderID string) {
	s.balance.Balance += amount
	s.txs = append(s.txs, models.Transaction{
		ID:        fmt.Sprintf("tx-%d", len(s.txs)+1),
		Type:      models.TxEarned,
		Status:    models.TxCompleted,
		Amount:    amount,
		OrderID:   orderID,
		CreatedAt: time.Now().UTC(),
	})
}

// handlers

func noContent(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }

func (s *Server) count(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[name]++
		s.mu.Unlock()
		h(w, r)
	}
}

// authed rejects requests without the current access token and counts the
// rest under the route's name.
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !s.validToken(tok) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
			return
		}
		name := callName(r)
		s.mu.Lock()
		s.calls[name]++
		stall := s.stalls[name]
		s.mu.Unlock()
		if stall != nil {
			<-stall
		}
		h(w, r)
	}
}

// callName maps a request to the endpoint names the api client uses for
// metrics, so tests can count calls by the same labels.
func callName(r *http.Request) string {
	p := r.URL.Path
	switch {
	case p == "/orders/rider/eligible":
		return "orders.eligible"
	case p == "/orders/rider/assigned":
		return "orders.assigned"
	case p == "/orders/rider/completed":
		return "orders.completed"
	case strings.HasSuffix(p, "/accept"):
		return "orders.accept"
	case strings.HasSuffix(p, "/picked-up"):
		return "orders.picked_up"
	case strings.HasPrefix(p, "/orders/") && strings.HasSuffix(p, "/delivered"):
		return "orders.delivered"
	case p == "/riders/me/location":
		return "riders.location"
	case p == "/riders/me/availability":
		return "riders.availability"
	case p == "/riders/me":
		return "riders.profile"
	case p == "/wallets/me/balance":
		return "wallet.balance"
	case p == "/wallets/me/transactions":
		return "wallet.transactions"
	case p == "/wallets/me/summary":
		return "wallet.summary"
	case p == "/wallets/me/withdraw":
		return "wallet.withdraw"
	case p == "/chat/conversations":
		return "chat.conversations"
	case strings.HasPrefix(p, "/chat/conversations/order/"):
		return "chat.conversation"
	case strings.HasSuffix(p, "/messages") && r.Method == http.MethodPost:
		return "chat.send"
	case strings.HasSuffix(p, "/messages"):
		return "chat.messages"
	case strings.HasSuffix(p, "/read"):
		return "chat.read"
	case p == "/auth/logout":
		return "auth.logout"
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"statusCode": status,
		"code":       code,
		"message":    msg,
		"error":      http.StatusText(status),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct{ Phone, Password string }
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	s.mu.Lock()
	s.calls["auth.login"]++
	if body.Phone != Phone || body.Password != Password {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid phone or password")
		return
	}
	pair := s.rotateLocked()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"user":         rider(),
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.calls["auth.refresh"]++
	if s.failRefresh || body.RefreshToken == "" || body.RefreshToken != s.refresh {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token invalid")
		return
	}
	pair := s.rotateLocked()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.access, s.refresh = "", ""
	s.online = false
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body struct{ Phone, Code string }
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Code != OTP {
		writeError(w, http.StatusBadRequest, "INVALID_OTP", "invalid code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"verificationToken": "verify-" + body.Phone})
}

func rider() models.User {
	return models.User{ID: RiderID, FirstName: "Tunde", LastName: "Bakare", Phone: Phone, Role: "rider"}
}

func (s *Server) handleProfile(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, models.RiderProfile{User: rider(), VehicleType: "motorcycle", RegionID: RegionID, IsOnline: online, IsVerified: true})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.RiderLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	s.mu.Lock()
	s.locations = append(s.locations, loc)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsOnline bool `json:"isOnline"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.online = body.IsOnline
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) filterOrders(keep func(*models.Order) bool) models.OrderList {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := models.OrderList{}
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) activeForRiderLocked() int {
	n := 0
	for _, o := range s.orders {
		if o.RiderID == RiderID && !o.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (s *Server) handleEligible(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("regionId")
	writeJSON(w, http.StatusOK, s.filterOrders(func(o *models.Order) bool {
		return o.Status == models.OrderReady && o.RiderID == "" && (region == "" || o.RegionID == region)
	}))
}

func (s *Server) handleAssigned(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.filterOrders(func(o *models.Order) bool {
		return o.RiderID == RiderID && !o.Status.IsTerminal()
	}))
}

func (s *Server) handleCompleted(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.filterOrders(func(o *models.Order) bool {
		return o.RiderID == RiderID && o.Status == models.OrderDelivered
	}))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	o, ok := s.orders[id]
	switch {
	case !ok:
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		return
	case o.RiderID != "":
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "ORDER_ALREADY_ASSIGNED", "order already assigned")
		return
	case o.Status != models.OrderReady:
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "ORDER_NOT_AVAILABLE", "order not available")
		return
	case s.activeForRiderLocked() >= s.maxActive:
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "MAX_ORDERS_REACHED", "maximum active orders reached")
		return
	}
	now := time.Now().UTC()
	o.RiderID = RiderID
	o.AssignedAt = &now
	o.UpdatedAt = now
	out := *o
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePickedUp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	o, ok := s.orders[id]
	if !ok || o.RiderID != RiderID {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		return
	}
	if o.Status != models.OrderReady {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "INVALID_ORDER_STATUS", "order cannot be picked up")
		return
	}
	now := time.Now().UTC()
	o.Status = models.OrderOutForDelivery
	o.PickedUpAt = &now
	o.UpdatedAt = now
	out := *o
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		ConfirmationCode string `json:"confirmationCode"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	o, ok := s.orders[id]
	if !ok || o.RiderID != RiderID {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		return
	}
	if o.Status != models.OrderOutForDelivery {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "INVALID_ORDER_STATUS", "order is not out for delivery")
		return
	}
	if body.ConfirmationCode != s.codes[id] {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "INVALID_CONFIRMATION_CODE", "invalid confirmation code")
		return
	}
	now := time.Now().UTC()
	o.Status = models.OrderDelivered
	o.DeliveredAt = &now
	o.UpdatedAt = now
	s.creditLocked(o.RiderEarning, o.ID)
	convID := "conv-" + id
	if c, ok := s.conversations[convID]; ok {
		c.ReadOnly = true
	}
	out := *o
	s.mu.Unlock()
	s.Push("/chat", "conversation-read-only", map[string]string{"conversationId": convID, "orderId": id})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	b := s.balance
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleTransactions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	txs := make([]models.Transaction, len(s.txs))
	for i := range s.txs {
		txs[len(s.txs)-1-i] = s.txs[i]
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, models.TransactionPage{Transactions: txs})
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := models.WalletSummary{Currency: s.balance.Currency}
	for _, tx := range s.txs {
		switch tx.Type {
		case models.TxEarned:
			sum.TotalEarnings += tx.Amount
			sum.DeliveryCount++
		case models.TxWithdrew:
			sum.TotalWithdrawn += tx.Amount
		}
	}
	sum.TodayEarnings = sum.TotalEarnings
	sum.WeekEarnings = sum.TotalEarnings
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"statusCode": http.StatusBadRequest,
			"message":    []string{"amount must be a positive number"},
			"error":      "Bad Request",
		})
		return
	}
	s.mu.Lock()
	if body.Amount > s.balance.Balance {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "INSUFFICIENT_BALANCE", "insufficient balance")
		return
	}
	s.balance.Balance -= body.Amount
	s.balance.Pending += body.Amount
	tx := models.Transaction{
		ID:        fmt.Sprintf("tx-%d", len(s.txs)+1),
		Type:      models.TxWithdrew,
		Status:    models.TxPending,
		Amount:    body.Amount,
		Reference: "WD-" + strconv.Itoa(len(s.txs)+1),
		CreatedAt: time.Now().UTC(),
	}
	s.txs = append(s.txs, tx)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleConversations(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := models.ConversationList{}
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConversationForOrder(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.conversations["conv-"+mux.Vars(r)["orderId"]]
	var out models.Conversation
	if ok {
		out = *c
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMessages pages newest first; the cursor is an offset.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("cursor"))

	s.mu.Lock()
	all := s.messages[id]
	newest := make([]models.Message, len(all))
	for i := range all {
		newest[len(all)-1-i] = all[i]
	}
	s.mu.Unlock()

	page := models.MessagePage{Messages: []models.Message{}}
	if offset < len(newest) {
		end := offset + limit
		if end > len(newest) {
			end = len(newest)
		}
		page.Messages = newest[offset:end]
		if end < len(newest) {
			page.HasMore = true
			page.NextCursor = strconv.Itoa(end)
		}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Content string `json:"content"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "content must not be empty")
		return
	}
	s.mu.Lock()
	c, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation not found")
		return
	}
	if c.ReadOnly {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "CONVERSATION_READ_ONLY", "conversation is read-only")
		return
	}
	msg := s.appendMessageLocked(id, RiderID, models.RoleRider, body.Content)
	s.mu.Unlock()
	s.Push("/chat", "new-message", msg)
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	for i := range s.messages[id] {
		if s.messages[id][i].SenderRole == models.RoleUser {
			s.messages[id][i].Read = true
		}
	}
	if c, ok := s.conversations[id]; ok {
		c.UnreadCount = 0
	}
	s.mu.Unlock()
	s.Push("/chat", "messages-read", map[string]string{"conversationId": id, "readerId": RiderID})
	w.WriteHeader(http.StatusNoContent)
}
