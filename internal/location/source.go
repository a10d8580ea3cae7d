package location

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNoFix = errors.New("no position fix yet")

// Fix is a raw position reading from the device.
type Fix struct {
	Lat      float64   `json:"latitude"`
	Lon      float64   `json:"longitude"`
	Accuracy float64   `json:"accuracy,omitempty"`
	At       time.Time `json:"timestamp,omitempty"`
}

// Source yields the device position. Watch streams fixes until ctx ends.
type Source interface {
	Current(ctx context.Context) (Fix, error)
	Watch(ctx context.Context) (<-chan Fix, error)
}

// FeedSource is a Source fed by Push, e.g. from a GPS daemon posting to the
// control API.
type FeedSource struct {
	mu       sync.Mutex
	last     *Fix
	watchers map[int]chan Fix
	nextID   int
}

func NewFeedSource() *FeedSource {
	return &FeedSource{watchers: make(map[int]chan Fix)}
}

// Push records fix and hands it to every watcher. A watcher that has not
// consumed its previous fix gets the newer one instead.
func (f *FeedSource) Push(fix Fix) {
	if fix.At.IsZero() {
		fix.At = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = &fix
	for _, ch := range f.watchers {
		select {
		case ch <- fix:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- fix
		}
	}
}

func (f *FeedSource) Current(context.Context) (Fix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return Fix{}, ErrNoFix
	}
	return *f.last, nil
}

func (f *FeedSource) Watch(ctx context.Context) (<-chan Fix, error) {
	ch := make(chan Fix, 1)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.watchers[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Watchers reports how many watches are active.
func (f *FeedSource) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}
