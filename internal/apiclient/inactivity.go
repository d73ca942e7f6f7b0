package apiclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veramed/caregate/internal/log"
)

// Watchdog ends a session after a period with no recorded activity. It
// polls rather than arming a timer per activity event: Touch is called on
// every request and must stay cheap.
type Watchdog struct {
	window   time.Duration
	poll     time.Duration
	onExpire func()

	lastActivity atomic.Int64 // unix nanos

	stopOnce sync.Once
	stop     chan struct{}
}

// NewWatchdog creates a watchdog that fires onExpire once when no activity
// has been recorded for the given window. Poll is how often the deadline is
// checked.
func NewWatchdog(window, poll time.Duration, onExpire func()) *Watchdog {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	w := &Watchdog{
		window:   window,
		poll:     poll,
		onExpire: onExpire,
		stop:     make(chan struct{}),
	}
	w.lastActivity.Store(time.Now().UnixNano())
	return w
}

// Touch records activity, pushing the expiry window forward.
func (w *Watchdog) Touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

// Start runs the poll loop until the window lapses, Stop is called, or the
// context is canceled.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				idle := time.Since(time.Unix(0, w.lastActivity.Load()))
				if idle >= w.window {
					log.LogInfoWithFields("watchdog", "Session idle past window", map[string]any{
						"idle_minutes": int(idle.Minutes()),
					})
					w.Stop()
					if w.onExpire != nil {
						w.onExpire()
					}
					return
				}
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the watchdog without firing. Safe to call more than once.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}
