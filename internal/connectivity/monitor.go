// Package connectivity tracks whether the remote backend is reachable and
// notifies subscribers on transitions.
package connectivity

import (
	"sync"
	"time"
)

// Event is emitted on every online/offline transition.
type Event struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Monitor holds the current reachability flag. Events are only emitted when
// the flag actually changes.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	nextID int
	subs   map[int]chan Event
	now    func() time.Time
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(initial bool) *Monitor {
	return &Monitor{
		online: initial,
		subs:   make(map[int]chan Event),
		now:    time.Now,
	}
}

// IsOnline reports the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a new observation and reports whether it was a
// transition. Slow subscribers whose buffer is full miss the event.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return false
	}
	m.online = online

	ev := Event{Online: online, At: m.now()}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return true
}

// Subscribe returns a channel receiving transitions and a cancel function
// that closes it. buffer below 1 is raised to 1.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
