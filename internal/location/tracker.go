package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-agent/internal/ingest"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/observability"
)

var ErrRegionRequired = errors.New("region id required to start tracking")

// Reporter submits a location to the rider API.
type Reporter interface {
	UpdateLocation(ctx context.Context, loc models.RiderLocation) error
}

type TrackerConfig struct {
	MinInterval  time.Duration // at most one update per interval
	MinDistanceM float64       // and only after moving further than this
	RiderID      func() string
	Telemetry    ingest.Publisher
	Logger       *slog.Logger
	Now          func() time.Time
}

// Tracker reports the rider's position while online. The first fix after
// Start is always sent; afterwards a fix is sent only once MinInterval has
// passed since the last report and the rider moved more than MinDistanceM.
type Tracker struct {
	reporter Reporter
	geocoder Geocoder
	source   Source
	cfg      TrackerConfig
	logger   *slog.Logger

	handleMu sync.Mutex // serialises fix handling

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	regionID string
	last     *models.RiderLocation
	gen      uint64
}

func NewTracker(reporter Reporter, geocoder Geocoder, source Source, cfg TrackerConfig) *Tracker {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Minute
	}
	if cfg.MinDistanceM <= 0 {
		cfg.MinDistanceM = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RiderID == nil {
		cfg.RiderID = func() string { return "" }
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = ingest.Nop{}
	}
	return &Tracker{reporter: reporter, geocoder: geocoder, source: source, cfg: cfg, logger: logging.OrDefault(cfg.Logger)}
}

// Start begins watching the position source. Calling Start while running
// only updates the region.
func (t *Tracker) Start(ctx context.Context, regionID string) error {
	if regionID == "" {
		return ErrRegionRequired
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regionID = regionID
	if t.cancel != nil {
		return nil
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	fixes, err := t.source.Watch(watchCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("watch position: %w", err)
	}
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(watchCtx, fixes, t.done)
	t.logger.Info("location_tracking_started", "region_id", regionID)
	return nil
}

func (t *Tracker) run(ctx context.Context, fixes <-chan Fix, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				return
			}
			if _, err := t.Handle(ctx, fix); err != nil && ctx.Err() == nil {
				t.logger.Warn("location_update_failed", "error", err)
			}
		}
	}
}

// Stop cancels the watch and forgets the last reported point. Safe to call
// when not running.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.last = nil
	t.gen++
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.logger.Info("location_tracking_stopped")
}

func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// LastSent returns the last reported location, if any.
func (t *Tracker) LastSent() (models.RiderLocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return models.RiderLocation{}, false
	}
	return *t.last, true
}

// Handle processes one fix and reports whether an update was sent. Throttled
// fixes and geocoding failures are skipped without error; the next fix
// tries again.
func (t *Tracker) Handle(ctx context.Context, fix Fix) (bool, error) {
	t.handleMu.Lock()
	defer t.handleMu.Unlock()

	t.mu.Lock()
	last, gen, region := t.last, t.gen, t.regionID
	t.mu.Unlock()

	now := t.cfg.Now()
	if last != nil {
		elapsed := now.Sub(last.Timestamp)
		moved := Haversine(last.Lat, last.Lon, fix.Lat, fix.Lon)
		if elapsed < t.cfg.MinInterval || moved <= t.cfg.MinDistanceM {
			observability.LocationUpdates.WithLabelValues("throttled").Inc()
			t.logger.Debug("location_skipped", "elapsed", elapsed.String(), "moved_m", moved)
			return false, nil
		}
	}

	loc, ok := t.resolve(ctx, fix, region, now)
	if !ok {
		return false, nil
	}
	if err := t.reporter.UpdateLocation(ctx, loc); err != nil {
		observability.LocationUpdates.WithLabelValues("error").Inc()
		return false, fmt.Errorf("update location: %w", err)
	}
	observability.LocationUpdates.WithLabelValues("sent").Inc()

	t.mu.Lock()
	if t.gen == gen {
		t.last = &loc
	}
	t.mu.Unlock()

	if err := t.cfg.Telemetry.PublishLocation(ctx, t.cfg.RiderID(), loc); err != nil {
		t.logger.Warn("location_telemetry_failed", "error", err)
	}
	t.logger.Info("location_sent", "lat", loc.Lat, "lon", loc.Lon, "region_id", region)
	return true, nil
}

// BroadcastOnce reports the current position regardless of online status,
// so the server knows roughly where the rider is as soon as the agent
// starts. It does not touch the tracking state.
func (t *Tracker) BroadcastOnce(ctx context.Context, regionID string) (bool, error) {
	fix, err := t.source.Current(ctx)
	if err != nil {
		return false, err
	}
	return t.broadcast(ctx, fix, regionID)
}

// BroadcastOnNextFix watches the source and broadcasts the first fix that
// resolves and reaches the server, then stops. A geocoding or reporting
// failure waits for the following fix. region is read when the fix
// arrives. The returned stop func ends the watch early.
func (t *Tracker) BroadcastOnNextFix(ctx context.Context, region func() string) (stop func(), err error) {
	ctx, cancel := context.WithCancel(ctx)
	fixes, err := t.source.Watch(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch position: %w", err)
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case fix, ok := <-fixes:
				if !ok {
					return
				}
				sent, err := t.broadcast(ctx, fix, region())
				if err != nil && ctx.Err() == nil {
					t.logger.Warn("location_broadcast_failed", "error", err)
				}
				if sent {
					return
				}
			}
		}
	}()
	return cancel, nil
}

func (t *Tracker) broadcast(ctx context.Context, fix Fix, regionID string) (bool, error) {
	loc, ok := t.resolve(ctx, fix, regionID, t.cfg.Now())
	if !ok {
		return false, nil
	}
	if err := t.reporter.UpdateLocation(ctx, loc); err != nil {
		observability.LocationUpdates.WithLabelValues("error").Inc()
		return false, fmt.Errorf("broadcast location: %w", err)
	}
	observability.LocationUpdates.WithLabelValues("sent").Inc()
	t.logger.Info("location_broadcast", "lat", loc.Lat, "lon", loc.Lon)
	return true, nil
}

func (t *Tracker) resolve(ctx context.Context, fix Fix, regionID string, now time.Time) (models.RiderLocation, bool) {
	address, err := t.geocoder.ReverseGeocode(ctx, fix.Lat, fix.Lon)
	if err != nil {
		observability.LocationUpdates.WithLabelValues("geocode_failed").Inc()
		t.logger.Warn("location_geocode_failed", "error", err)
		return models.RiderLocation{}, false
	}
	return models.RiderLocation{
		Lat:       fix.Lat,
		Lon:       fix.Lon,
		Accuracy:  fix.Accuracy,
		Address:   address,
		RegionID:  regionID,
		Timestamp: now,
	}, true
}
