// Package agent is the rider session's coordinator. It owns the online
// state and drives the services that depend on it: availability on the
// server, the orders socket, order sync and location tracking.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-agent/internal/api"
	"github.com/example/rider-agent/internal/chat"
	"github.com/example/rider-agent/internal/location"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/observability"
	"github.com/example/rider-agent/internal/orders"
	"github.com/example/rider-agent/internal/query"
	"github.com/example/rider-agent/internal/realtime"
	"github.com/example/rider-agent/internal/session"
	"github.com/example/rider-agent/internal/wallet"
)

// Availability flips the rider's online flag on the server.
type Availability interface {
	SetAvailability(ctx context.Context, online bool, regionID string) error
}

// Deps are the per-session services. Everything is constructed by the
// caller; the agent only sequences them.
type Deps struct {
	API     Availability
	Session *session.Store
	Cache   *query.Cache
	Hub     *realtime.Hub
	Orders  *orders.Service
	Chat    *chat.Service
	Wallet  *wallet.Service
	Tracker *location.Tracker
	Logger  *slog.Logger
}

type Status struct {
	Authenticated bool                  `json:"authenticated"`
	RiderID       string                `json:"riderId,omitempty"`
	Online        bool                  `json:"online"`
	RegionID      string                `json:"regionId,omitempty"`
	Tracking      bool                  `json:"tracking"`
	OrdersSocket  realtime.State        `json:"ordersSocket"`
	ChatSocket    realtime.State        `json:"chatSocket"`
	LastLocation  *models.RiderLocation `json:"lastLocation,omitempty"`
	LastError     string                `json:"lastError,omitempty"`
	LastErrorAt   *time.Time            `json:"lastErrorAt,omitempty"`
}

type Agent struct {
	Deps
	logger *slog.Logger

	mu         sync.Mutex // serialises transitions
	online     bool
	regionID   string
	detach     func()
	offFailure func()

	bcMu          sync.Mutex
	stopBroadcast func()

	// socket failure hooks can fire while a transition holds mu
	errMu     sync.Mutex
	lastErr   error
	lastErrAt time.Time
}

func New(d Deps) *Agent {
	return &Agent{Deps: d, logger: logging.OrDefault(d.Logger)}
}

// HandleSessionExpired takes the rider offline after the refresh token was
// rejected. Register it with api.Transport.OnSessionExpired.
func (a *Agent) HandleSessionExpired() {
	a.Session.Expire()
	a.cancelBroadcast()
	a.recordError(api.ErrSessionExpired)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.GoOffline(ctx); err != nil {
			a.logger.Warn("agent_offline_after_expiry_failed", "error", err)
		}
	}()
}

// Start runs the one-shot location broadcast. Without a usable fix yet it
// waits for the next one instead, whether or not the rider goes online in
// the meantime. Failure is logged, never returned: the agent is usable
// without it.
func (a *Agent) Start(ctx context.Context) {
	if !a.Session.IsAuthenticated(ctx) {
		return
	}
	a.cancelBroadcast()
	sent, err := a.Tracker.BroadcastOnce(ctx, a.profileRegion())
	if sent {
		a.logger.Info("agent_initial_broadcast_sent")
		return
	}
	a.logger.Info("agent_initial_broadcast_deferred", "error", err)

	stop, err := a.Tracker.BroadcastOnNextFix(ctx, a.profileRegion)
	if err != nil {
		a.logger.Warn("agent_initial_broadcast_skipped", "error", err)
		return
	}
	a.bcMu.Lock()
	a.stopBroadcast = stop
	a.bcMu.Unlock()
}

// cancelBroadcast drops a broadcast still waiting for a fix.
func (a *Agent) cancelBroadcast() {
	a.bcMu.Lock()
	stop := a.stopBroadcast
	a.stopBroadcast = nil
	a.bcMu.Unlock()
	if stop != nil {
		stop()
	}
}

func (a *Agent) profileRegion() string {
	if p, ok := a.Session.Profile(); ok {
		return p.RegionID
	}
	return ""
}

// GoOnline marks the rider available in regionID and starts live order
// updates and location tracking. Calling it again while online in the same
// region is a no-op; a different region moves the rider.
func (a *Agent) GoOnline(ctx context.Context, regionID string) error {
	if !a.Session.IsAuthenticated(ctx) {
		return api.ErrNotAuthenticated
	}
	if regionID == "" {
		return location.ErrRegionRequired
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.online && a.regionID == regionID {
		return nil
	}

	if err := a.API.SetAvailability(ctx, true, regionID); err != nil {
		return fmt.Errorf("set availability: %w", err)
	}
	a.Orders.SetRegion(regionID)

	sock, err := a.Hub.Connect(ctx, realtime.NamespaceOrders)
	if err != nil {
		a.recordError(err)
		if offErr := a.API.SetAvailability(context.WithoutCancel(ctx), false, regionID); offErr != nil {
			a.logger.Warn("agent_availability_revert_failed", "error", offErr)
		}
		return fmt.Errorf("connect orders: %w", err)
	}
	if a.detach == nil {
		a.detach = a.Orders.Attach(sock)
		a.offFailure = sock.OnTerminalError(a.recordError)
	}

	if err := a.Tracker.Start(ctx, regionID); err != nil {
		a.logger.Warn("agent_tracking_start_failed", "error", err)
	}
	a.online = true
	a.regionID = regionID
	observability.Online.Set(1)
	a.logger.Info("agent_online", "region_id", regionID)

	if err := a.Orders.Refresh(ctx, query.KeyEligibleOrders, query.KeyAssignedOrders); err != nil {
		a.logger.Warn("agent_order_refresh_failed", "error", err)
	}
	return nil
}

// GoOffline stops tracking and live updates. It always runs to completion;
// the server-side availability flag is updated on a best-effort basis.
func (a *Agent) GoOffline(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Tracker.Stop()
	if a.detach != nil {
		a.detach()
		a.detach = nil
	}
	if a.offFailure != nil {
		a.offFailure()
		a.offFailure = nil
	}
	_ = a.Hub.Close(realtime.NamespaceOrders)

	wasOnline, region := a.online, a.regionID
	a.online = false
	a.regionID = ""
	observability.Online.Set(0)

	var err error
	if wasOnline && a.Session.IsAuthenticated(ctx) {
		if err = a.API.SetAvailability(ctx, false, region); err != nil {
			a.logger.Warn("agent_availability_off_failed", "error", err)
			err = fmt.Errorf("set availability: %w", err)
		}
	}
	if wasOnline {
		a.logger.Info("agent_offline")
	}
	return err
}

// Logout goes offline, ends the session and drops everything cached for it.
func (a *Agent) Logout(ctx context.Context) error {
	a.cancelBroadcast()
	offErr := a.GoOffline(ctx)
	logoutErr := a.Session.Logout(ctx)
	a.Hub.CloseAll()
	a.Cache.Clear()
	a.errMu.Lock()
	a.lastErr = nil
	a.lastErrAt = time.Time{}
	a.errMu.Unlock()
	return errors.Join(offErr, logoutErr)
}

func (a *Agent) recordError(err error) {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	a.lastErr = err
	a.lastErrAt = time.Now().UTC()
	a.logger.Error("agent_error", "error", err)
}

func (a *Agent) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

func (a *Agent) Status(ctx context.Context) Status {
	st := Status{
		Authenticated: a.Session.IsAuthenticated(ctx),
		RiderID:       a.Session.RiderID(),
		Tracking:      a.Tracker.Running(),
		OrdersSocket:  socketState(a.Hub, realtime.NamespaceOrders),
		ChatSocket:    socketState(a.Hub, realtime.NamespaceChat),
	}
	if loc, ok := a.Tracker.LastSent(); ok {
		st.LastLocation = &loc
	}
	a.mu.Lock()
	st.Online = a.online
	st.RegionID = a.regionID
	a.mu.Unlock()
	a.errMu.Lock()
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
		at := a.lastErrAt
		st.LastErrorAt = &at
	}
	a.errMu.Unlock()
	return st
}

func socketState(h *realtime.Hub, ns string) realtime.State {
	if s, ok := h.Lookup(ns); ok {
		return s.State()
	}
	return realtime.StateIdle
}
