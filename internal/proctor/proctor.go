// Package proctor enforces the integrity policy for a timed assessment
// attempt: one warning on the first focus or fullscreen loss, automatic
// submission on the second or when time runs out. The policy is a pure state
// machine; the platform layer supplies the events and executes the returned
// actions.
package proctor

import "sync"

type State int

const (
	StateNormal State = iota
	StateWarned
	StateAutoSubmitted
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarned:
		return "warned"
	case StateAutoSubmitted:
		return "auto_submitted"
	default:
		return "unknown"
	}
}

// Action is what the caller must do after feeding an event.
type Action int

const (
	ActionNone Action = iota
	ActionWarn
	ActionSubmit
)

// Monitor tracks one attempt. Safe for concurrent use; timer and UI events
// may race.
type Monitor struct {
	mu    sync.Mutex
	state State
}

func New() *Monitor { return &Monitor{} }

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnIntegrityLost handles a focus or fullscreen loss. The first loss warns,
// the second submits, anything after submission is ignored.
func (m *Monitor) OnIntegrityLost() Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateNormal:
		m.state = StateWarned
		return ActionWarn
	case StateWarned:
		m.state = StateAutoSubmitted
		return ActionSubmit
	default:
		return ActionNone
	}
}

// OnTimeExpired submits the attempt unless it already was.
func (m *Monitor) OnTimeExpired() Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAutoSubmitted {
		return ActionNone
	}
	m.state = StateAutoSubmitted
	return ActionSubmit
}
