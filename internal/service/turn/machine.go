// Package turn provides the per-utterance turn-taking state machine.
//
// The machine is the single owner of the silence timer and the fallback
// force-close timer. It is created fresh for every utterance and never
// reused across utterances.
package turn

import (
	"fmt"
	"sync"
	"time"
)

// State represents the lifecycle state of one user turn.
type State int

const (
	// StateIdle - no speech observed yet.
	StateIdle State = iota
	// StateArmed - at least one partial transcript arrived, silence timer running.
	StateArmed
	// StateEndSignaled - end of turn signaled upstream, fallback timer running.
	StateEndSignaled
	// StateClosed - turn is over. Terminal.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateArmed:
		return "ARMED"
	case StateEndSignaled:
		return "END_SIGNALED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// EndFunc is invoked exactly once when the machine decides the turn is over,
// before the fallback timer starts. It signals end-of-turn upstream.
type EndFunc func()

// ClosedFunc is invoked exactly once when the machine enters StateClosed with
// the transcript text accumulated so far. forced is true when the fallback
// timer fired before the upstream acknowledged completion. It is not invoked
// after Cancel.
type ClosedFunc func(text string, forced bool)

// Machine drives end-of-turn for a single utterance.
//
// State transitions:
//
//	IDLE → ARMED (first partial) → END_SIGNALED (silence timer / explicit stop) → CLOSED
//	        │ (every new partial restarts the silence timer)
//	        └────────────────────→ CLOSED (upstream finalizes on its own)
//
// Timer callbacks re-check state under the lock, so a canceled timer never
// fires its effect after Cancel or a competing transition.
type Machine struct {
	mu    sync.Mutex
	state State
	text  string

	silenceTimeout  time.Duration
	fallbackTimeout time.Duration
	silence         *time.Timer
	fallback        *time.Timer

	onEnd    EndFunc
	onClosed ClosedFunc
	canceled bool
}

// New creates a machine in StateIdle.
func New(silenceTimeout, fallbackTimeout time.Duration, onEnd EndFunc, onClosed ClosedFunc) *Machine {
	return &Machine{
		state:           StateIdle,
		silenceTimeout:  silenceTimeout,
		fallbackTimeout: fallbackTimeout,
		onEnd:           onEnd,
		onClosed:        onClosed,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Text returns the transcript text accumulated so far.
func (m *Machine) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text
}

// Ended reports whether end-of-turn has already been signaled. Audio arriving
// after this point is not forwarded upstream.
func (m *Machine) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateEndSignaled || m.state == StateClosed
}

// Arm records a partial transcript. The first partial transitions to
// StateArmed and starts the silence timer; every subsequent partial restarts
// it. Ignored once the end of the turn has been signaled.
func (m *Machine) Arm(partial string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
		m.state = StateArmed
	case StateArmed:
		// restart below
	default:
		return
	}

	m.text = partial
	if m.silence != nil {
		m.silence.Stop()
	}
	m.silence = time.AfterFunc(m.silenceTimeout, m.silenceExpired)
}

// ForceEnd signals end-of-turn immediately (explicit client stop). Idempotent;
// calling it after the turn has already been signaled has no effect.
func (m *Machine) ForceEnd() {
	m.mu.Lock()
	m.signalEndLocked()
}

// silenceExpired fires when the silence timeout elapses after the last partial.
func (m *Machine) silenceExpired() {
	m.mu.Lock()
	if m.state != StateArmed {
		m.mu.Unlock()
		return
	}
	m.signalEndLocked()
}

// signalEndLocked transitions to EndSignaled, invokes onEnd once, and starts
// the fallback timer. Called with m.mu held; releases it.
func (m *Machine) signalEndLocked() {
	if m.state == StateEndSignaled || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateEndSignaled
	if m.silence != nil {
		m.silence.Stop()
	}
	m.fallback = time.AfterFunc(m.fallbackTimeout, m.fallbackExpired)
	end := m.onEnd
	m.mu.Unlock()

	if end != nil {
		end()
	}
}

// fallbackExpired force-closes the turn when the upstream never acknowledges.
func (m *Machine) fallbackExpired() {
	m.mu.Lock()
	if m.state != StateEndSignaled {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	text := m.text
	closed := m.onClosed
	m.mu.Unlock()

	if closed != nil {
		closed(text, true)
	}
}

// Acknowledge closes the turn with the upstream's final transcript. An empty
// finalText keeps whatever partial text accumulated. Safe to call from any
// state; a no-op once closed.
func (m *Machine) Acknowledge(finalText string) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.state = StateClosed
	if finalText != "" {
		m.text = finalText
	}
	text := m.text
	closed := m.onClosed
	m.mu.Unlock()

	if closed != nil {
		closed(text, false)
	}
}

// Cancel stops both timers and closes the machine without invoking callbacks.
// Idempotent. Used on session cleanup.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimersLocked()
	m.state = StateClosed
	m.canceled = true
	m.onEnd = nil
	m.onClosed = nil
}

func (m *Machine) stopTimersLocked() {
	if m.silence != nil {
		m.silence.Stop()
	}
	if m.fallback != nil {
		m.fallback.Stop()
	}
}
