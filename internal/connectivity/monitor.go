// Package connectivity tracks whether the backend is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(online bool)
	logger    *zap.SugaredLogger
}

// NewMonitor starts in the given state; no transition fires for it.
func NewMonitor(online bool, logger *zap.SugaredLogger) *Monitor {
	return &Monitor{
		online:    online,
		listeners: make(map[int]func(bool)),
		logger:    logger,
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current state. Listeners run only on an actual change,
// synchronously and outside the lock.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Infow("Connectivity changed", "online", online)
	for _, fn := range fns {
		fn(online)
	}
}

// OnTransition registers fn and returns a func that removes it.
func (m *Monitor) OnTransition(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Probe pings the backend every interval until ctx is done.
func (m *Monitor) Probe(ctx context.Context, p Pinger, interval time.Duration) {
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := p.Ping(pctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Debugw("Backend probe failed", "error", err)
		}
		if ctx.Err() == nil {
			m.Set(err == nil)
		}
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
