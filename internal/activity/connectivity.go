package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Connectivity reports whether the backend is reachable and announces
// transitions back to online.
type Connectivity interface {
	Online() bool
	OnRestored(fn func()) (cancel func())
}

// Monitor is the agent's Connectivity. The state is toggled explicitly
// with SetOnline or by a Probe loop.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	handlers map[int]func()
	nextID   int
	logger   *slog.Logger
}

// NewMonitor creates a monitor in the given initial state.
func NewMonitor(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	setGauge(online)
	return &Monitor{
		online:   online,
		handlers: make(map[int]func()),
		logger:   logger,
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnRestored registers fn to run on every offline to online transition.
func (m *Monitor) OnRestored(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// SetOnline records the current state. Handlers run synchronously, outside
// the lock, and only when the monitor was previously offline.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	restored := online && !m.online
	changed := online != m.online
	m.online = online
	var fns []func()
	if restored {
		fns = make([]func(), 0, len(m.handlers))
		for _, fn := range m.handlers {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	setGauge(online)
	m.logger.Info("connectivity changed", slog.Bool("online", online))
	for _, fn := range fns {
		fn()
	}
}

// Probe calls check every interval and feeds the result into SetOnline
// until ctx is done.
func (m *Monitor) Probe(ctx context.Context, interval time.Duration, check func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := check(ctx)
			if err != nil && ctx.Err() != nil {
				return
			}
			if err != nil {
				m.logger.Debug("connectivity probe failed", slog.String("error", err.Error()))
			}
			m.SetOnline(err == nil)
		}
	}
}

func setGauge(online bool) {
	if online {
		onlineGauge.Set(1)
		return
	}
	onlineGauge.Set(0)
}
