// Package orders keeps the rider's eligible, assigned and completed order
// lists in step with the server. Mutations never edit the lists directly:
// they invalidate the affected cache keys and refetch.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/rider-agent/internal/api"
	"github.com/example/rider-agent/internal/ingest"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/observability"
	"github.com/example/rider-agent/internal/query"
	"github.com/example/rider-agent/internal/realtime"
	"github.com/example/rider-agent/internal/storage"
)

// Server-pushed events on the orders namespace.
const (
	EventOrderReady    = "order:ready"
	EventOrderPickedUp = "order:picked-up"
)

const DefaultMaxActive = 3

var (
	// ErrMaxActiveOrders is returned before any request is made when the
	// rider already holds the maximum number of active orders.
	ErrMaxActiveOrders = errors.New("maximum active orders reached")
	// ErrInvalidCodeFormat means the confirmation code is not four digits.
	ErrInvalidCodeFormat = errors.New("confirmation code must be 4 digits")
)

var codePattern = regexp.MustCompile(`^[0-9]{4}$`)

// API is the subset of the rider API the service needs.
type API interface {
	EligibleOrders(ctx context.Context, regionID string) (models.OrderList, error)
	AssignedOrders(ctx context.Context) (models.OrderList, error)
	CompletedOrders(ctx context.Context, page, limit int) (models.OrderList, error)
	AcceptOrder(ctx context.Context, orderID string) (*models.Order, error)
	MarkPickedUp(ctx context.Context, orderID string) (*models.Order, error)
	MarkDelivered(ctx context.Context, orderID, confirmationCode string) (*models.Order, error)
}

type Config struct {
	MaxActive int
	RiderID   func() string
	Journal   storage.Journal
	Telemetry ingest.Publisher
	Logger    *slog.Logger
}

type Service struct {
	api    API
	cache  *query.Cache
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	regionID string

	// held from the cap check until the assigned list is refetched
	acceptMu sync.Mutex
}

func NewService(a API, cache *query.Cache, cfg Config) *Service {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.RiderID == nil {
		cfg.RiderID = func() string { return "" }
	}
	if cfg.Journal == nil {
		cfg.Journal = storage.NewMemoryJournal()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = ingest.Nop{}
	}
	return &Service{api: a, cache: cache, cfg: cfg, logger: logging.OrDefault(cfg.Logger)}
}

// SetRegion scopes the eligible list; changing it drops the cached list.
func (s *Service) SetRegion(regionID string) {
	s.mu.Lock()
	changed := s.regionID != regionID
	s.regionID = regionID
	s.mu.Unlock()
	if changed {
		s.cache.Invalidate(query.KeyEligibleOrders)
	}
}

func (s *Service) Region() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regionID
}

func (s *Service) loader(key string) func(context.Context) (any, error) {
	switch key {
	case query.KeyEligibleOrders:
		return func(ctx context.Context) (any, error) { return s.api.EligibleOrders(ctx, s.Region()) }
	case query.KeyAssignedOrders:
		return func(ctx context.Context) (any, error) {
			l, err := s.api.AssignedOrders(ctx)
			if err == nil {
				observability.ActiveOrders.Set(float64(l.ActiveCount()))
			}
			return l, err
		}
	case query.KeyCompletedOrders:
		return func(ctx context.Context) (any, error) { return s.api.CompletedOrders(ctx, 1, 50) }
	}
	return nil
}

func (s *Service) list(ctx context.Context, key string) (models.OrderList, error) {
	v, err := s.cache.Fetch(ctx, key, s.loader(key))
	if err != nil {
		return nil, err
	}
	return v.(models.OrderList), nil
}

// Eligible returns orders ready for pickup in the current region.
func (s *Service) Eligible(ctx context.Context) (models.OrderList, error) {
	return s.list(ctx, query.KeyEligibleOrders)
}

// Assigned returns orders accepted by this rider.
func (s *Service) Assigned(ctx context.Context) (models.OrderList, error) {
	return s.list(ctx, query.KeyAssignedOrders)
}

func (s *Service) Completed(ctx context.Context) (models.OrderList, error) {
	return s.list(ctx, query.KeyCompletedOrders)
}

// Refresh invalidates keys and reloads them from the server. Refetches for
// the same key that overlap are coalesced.
func (s *Service) Refresh(ctx context.Context, keys ...string) error {
	s.cache.Invalidate(keys...)
	var errs []error
	for _, k := range keys {
		if _, err := s.cache.Refetch(ctx, k, s.loader(k)); err != nil {
			errs = append(errs, fmt.Errorf("refetch %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// AcceptOrder assigns orderID to the rider. The active-order cap is checked
// locally first; conflicts reported by the server trigger a resync.
// Accepts run one at a time so concurrent callers never both pass the cap
// check against the same assigned list.
func (s *Service) AcceptOrder(ctx context.Context, orderID string) (*models.Order, error) {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	assigned, err := s.Assigned(ctx)
	if err != nil {
		return nil, fmt.Errorf("load assigned orders: %w", err)
	}
	if assigned.ActiveCount() >= s.cfg.MaxActive {
		observability.OrderTransitions.WithLabelValues("accept", "cap").Inc()
		return nil, ErrMaxActiveOrders
	}

	order, err := s.api.AcceptOrder(ctx, orderID)
	if err != nil {
		observability.OrderTransitions.WithLabelValues("accept", "error").Inc()
		if api.IsCode(err, api.CodeOrderAlreadyAssigned, api.CodeMaxOrdersReached, api.CodeOrderNotAvailable) {
			s.logger.Info("order_accept_conflict", "order_id", orderID, "error", err)
			if rerr := s.Refresh(ctx, query.KeyEligibleOrders, query.KeyAssignedOrders); rerr != nil {
				s.logger.Warn("order_resync_failed", "error", rerr)
			}
		}
		return nil, err
	}
	observability.OrderTransitions.WithLabelValues("accept", "ok").Inc()
	s.record(ctx, orderID, models.OrderEventAccepted, order.Status)
	if err := s.Refresh(ctx, query.KeyEligibleOrders, query.KeyAssignedOrders); err != nil {
		s.logger.Warn("order_refetch_failed", "error", err)
	}
	return order, nil
}

// MarkPickedUp moves an assigned order to out-for-delivery.
func (s *Service) MarkPickedUp(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.api.MarkPickedUp(ctx, orderID)
	if err != nil {
		observability.OrderTransitions.WithLabelValues("picked_up", "error").Inc()
		if api.IsCode(err, api.CodeInvalidOrderStatus, api.CodeOrderNotFound) {
			_ = s.Refresh(ctx, query.KeyAssignedOrders)
		}
		return nil, err
	}
	observability.OrderTransitions.WithLabelValues("picked_up", "ok").Inc()
	s.record(ctx, orderID, models.OrderEventPickedUp, order.Status)
	if err := s.Refresh(ctx, query.KeyAssignedOrders); err != nil {
		s.logger.Warn("order_refetch_failed", "error", err)
	}
	return order, nil
}

// MarkDelivered completes an order with the customer's confirmation code.
// A malformed or rejected code leaves local state untouched; the rider can
// simply enter it again.
func (s *Service) MarkDelivered(ctx context.Context, orderID, code string) (*models.Order, error) {
	if !codePattern.MatchString(code) {
		return nil, ErrInvalidCodeFormat
	}
	order, err := s.api.MarkDelivered(ctx, orderID, code)
	if err != nil {
		outcome := "error"
		if api.IsCode(err, api.CodeInvalidConfirmationCode) {
			outcome = "bad_code"
		}
		observability.OrderTransitions.WithLabelValues("delivered", outcome).Inc()
		return nil, err
	}
	observability.OrderTransitions.WithLabelValues("delivered", "ok").Inc()
	s.record(ctx, orderID, models.OrderEventDelivered, order.Status)
	if err := s.Refresh(ctx, query.KeyAssignedOrders, query.KeyCompletedOrders); err != nil {
		s.logger.Warn("order_refetch_failed", "error", err)
	}
	return order, nil
}

// CanAcceptMore reports whether another order may be requested.
func (s *Service) CanAcceptMore(ctx context.Context) (bool, error) {
	assigned, err := s.Assigned(ctx)
	if err != nil {
		return false, err
	}
	return assigned.ActiveCount() < s.cfg.MaxActive, nil
}

func (s *Service) record(ctx context.Context, orderID string, typ models.OrderEventType, status models.OrderStatus) {
	ev := models.OrderEvent{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		RiderID:    s.cfg.RiderID(),
		Type:       typ,
		Status:     status,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.cfg.Journal.Record(ctx, ev); err != nil {
		s.logger.Warn("order_journal_failed", "order_id", orderID, "error", err)
	}
	if err := s.cfg.Telemetry.PublishOrderEvent(ctx, ev); err != nil {
		s.logger.Warn("order_telemetry_failed", "order_id", orderID, "error", err)
	}
}

// History returns the journaled transitions for one order.
func (s *Service) History(ctx context.Context, orderID string) ([]models.OrderEvent, error) {
	return s.cfg.Journal.ForOrder(ctx, orderID)
}

type orderEventPayload struct {
	OrderID string `json:"orderId"`
}

// Attach subscribes the service to the orders socket. The returned func
// detaches it without closing the socket.
func (s *Service) Attach(sock *realtime.Socket) (detach func()) {
	offs := []func(){
		sock.On(EventOrderReady, func(ev realtime.Event) { s.onEvent(ev, query.KeyEligibleOrders) }),
		sock.On(EventOrderPickedUp, func(ev realtime.Event) { s.onEvent(ev, query.KeyAssignedOrders) }),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (s *Service) onEvent(ev realtime.Event, key string) {
	var p orderEventPayload
	if len(ev.Data) > 0 {
		_ = json.Unmarshal(ev.Data, &p)
	}
	s.logger.Info("order_event", "event", ev.Name, "order_id", p.OrderID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Refresh(ctx, key); err != nil {
			s.logger.Warn("order_event_refetch_failed", "event", ev.Name, "error", err)
		}
	}()
}
