// Package connectivity tracks the best-effort online/offline belief of
// the device. The reported state is advisory: remote calls can still
// fail while online (captive portals, server errors), so every remote
// attempt carries its own failure handling.
package connectivity

import (
	"sync"
	"time"

	"github.com/rmestre/tillsync/internal/logging"
)

// State is a snapshot of the connectivity belief.
type State struct {
	Online       bool
	TransitionAt time.Time
}

// Provider is the read/subscribe surface consumed by the sale processor
// and the reconciler. Tests inject their own implementation to simulate
// transitions deterministically.
type Provider interface {
	// Current returns the current connectivity snapshot.
	Current() State

	// Subscribe registers a callback fired on every transition. The
	// returned function removes the subscription.
	Subscribe(fn func(State)) func()
}

// Monitor is the process-wide Provider implementation. Platform glue
// (browser events, OS notifications) feeds it through SetOnline; it
// never raises errors, it only reports state.
type Monitor struct {
	mu           sync.RWMutex
	online       bool
	transitionAt time.Time
	subscribers  map[int]func(State)
	nextSubID    int
}

// NewMonitor creates a Monitor with an initial belief.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online:       online,
		transitionAt: time.Now(),
		subscribers:  make(map[int]func(State)),
	}
}

// Current returns the current connectivity snapshot.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{Online: m.online, TransitionAt: m.transitionAt}
}

// IsOnline reports the current belief.
func (m *Monitor) IsOnline() bool {
	return m.Current().Online
}

// SetOnline records a transition reported by the platform. Repeating
// the current state is a no-op and fires no callbacks.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.transitionAt = time.Now()
	state := State{Online: online, TransitionAt: m.transitionAt}

	subs := make([]func(State), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	logging.Info("Connectivity transition",
		map[string]interface{}{"online": online})

	// Callbacks run outside the lock so a subscriber may call back
	// into the monitor.
	for _, fn := range subs {
		fn(state)
	}
}

// Subscribe registers a transition callback and returns its removal
// function.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}
