package turn

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testSilence  = 40 * time.Millisecond
	testFallback = 25 * time.Millisecond
)

type recorder struct {
	mu       sync.Mutex
	endCount int32
	closed   []struct {
		text   string
		forced bool
	}
}

func (r *recorder) onEnd() {
	atomic.AddInt32(&r.endCount, 1)
}

func (r *recorder) onClosed(text string, forced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, struct {
		text   string
		forced bool
	}{text, forced})
}

func (r *recorder) ends() int32 {
	return atomic.LoadInt32(&r.endCount)
}

func (r *recorder) closes() []struct {
	text   string
	forced bool
} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]struct {
		text   string
		forced bool
	}, len(r.closed))
	copy(out, r.closed)
	return out
}

func TestMachine_InitialState(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	if m.State() != StateIdle {
		t.Errorf("expected StateIdle, got %v", m.State())
	}
	if m.Ended() {
		t.Error("expected Ended to be false")
	}
}

func TestMachine_SilenceTimeoutSignalsEndExactlyOnce(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("hello")
	if m.State() != StateArmed {
		t.Fatalf("expected StateArmed, got %v", m.State())
	}

	time.Sleep(2 * testSilence)

	if got := r.ends(); got != 1 {
		t.Errorf("expected exactly one end signal, got %d", got)
	}
	if m.State() != StateEndSignaled && m.State() != StateClosed {
		t.Errorf("expected EndSignaled or Closed, got %v", m.State())
	}
}

func TestMachine_NewPartialRestartsSilenceTimer(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("what's")
	time.Sleep(testSilence / 2)
	m.Arm("what's the expected")
	time.Sleep(testSilence / 2)
	m.Arm("what's the expected time complexity")

	// Total elapsed exceeds the silence timeout, but the last partial was
	// recent, so the end signal must not have fired yet.
	if got := r.ends(); got != 0 {
		t.Errorf("expected no end signal yet, got %d", got)
	}

	time.Sleep(2 * testSilence)
	if got := r.ends(); got != 1 {
		t.Errorf("expected one end signal after silence, got %d", got)
	}
}

func TestMachine_ForceEndCancelsSilenceTimer(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("hello")
	m.ForceEnd()

	if got := r.ends(); got != 1 {
		t.Fatalf("expected one end signal after ForceEnd, got %d", got)
	}

	// Wait past the original silence timeout; no double-signal.
	time.Sleep(2 * testSilence)
	if got := r.ends(); got != 1 {
		t.Errorf("expected still one end signal, got %d", got)
	}
}

func TestMachine_ForceEndIdempotent(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("hello")
	m.ForceEnd()
	m.ForceEnd()
	m.ForceEnd()

	if got := r.ends(); got != 1 {
		t.Errorf("expected one end signal, got %d", got)
	}
}

func TestMachine_AcknowledgeBeforeFallback(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("hello wor")
	m.ForceEnd()
	m.Acknowledge("hello world")

	closes := r.closes()
	if len(closes) != 1 {
		t.Fatalf("expected one close, got %d", len(closes))
	}
	if closes[0].text != "hello world" {
		t.Errorf("expected final text, got %q", closes[0].text)
	}
	if closes[0].forced {
		t.Error("expected non-forced close")
	}

	// Fallback must not fire afterwards.
	time.Sleep(2 * testFallback)
	if got := r.closes(); len(got) != 1 {
		t.Errorf("expected still one close, got %d", len(got))
	}
	if m.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", m.State())
	}
}

func TestMachine_FallbackForcesCloseWithAccumulatedText(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("partial so far")
	m.ForceEnd()

	// Upstream never acknowledges; fallback closes with the last partial.
	time.Sleep(2 * testFallback)

	closes := r.closes()
	if len(closes) != 1 {
		t.Fatalf("expected one close, got %d", len(closes))
	}
	if closes[0].text != "partial so far" {
		t.Errorf("expected accumulated partial, got %q", closes[0].text)
	}
	if !closes[0].forced {
		t.Error("expected forced close")
	}
}

func TestMachine_FallbackWithEmptyTranscript(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	// Explicit stop with no partials at all.
	m.ForceEnd()
	time.Sleep(2 * testFallback)

	closes := r.closes()
	if len(closes) != 1 {
		t.Fatalf("expected one close, got %d", len(closes))
	}
	if closes[0].text != "" {
		t.Errorf("expected empty transcript, got %q", closes[0].text)
	}
	if !closes[0].forced {
		t.Error("expected forced close")
	}
}

func TestMachine_FallbackFiresExactlyOnce(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("text")
	m.ForceEnd()
	time.Sleep(3 * testFallback)

	if got := r.closes(); len(got) != 1 {
		t.Errorf("expected exactly one close, got %d", len(got))
	}
}

func TestMachine_AcknowledgeWhileArmed(t *testing.T) {
	// Upstream with server-side VAD can finalize before any end signal.
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("hel")
	m.Acknowledge("hello")

	if got := r.ends(); got != 0 {
		t.Errorf("expected no end signal, got %d", got)
	}
	closes := r.closes()
	if len(closes) != 1 || closes[0].text != "hello" || closes[0].forced {
		t.Errorf("unexpected closes: %v", closes)
	}

	// Silence timer must not fire afterwards.
	time.Sleep(2 * testSilence)
	if got := r.ends(); got != 0 {
		t.Errorf("expected no end signal after close, got %d", got)
	}
}

func TestMachine_AcknowledgeEmptyKeepsAccumulated(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("accumulated text")
	m.ForceEnd()
	m.Acknowledge("")

	closes := r.closes()
	if len(closes) != 1 || closes[0].text != "accumulated text" {
		t.Errorf("expected accumulated text on empty ack, got %v", closes)
	}
}

func TestMachine_CancelPreventsAllCallbacks(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("hello")
	m.Cancel()

	time.Sleep(2 * (testSilence + testFallback))

	if got := r.ends(); got != 0 {
		t.Errorf("expected no end signal after cancel, got %d", got)
	}
	if got := r.closes(); len(got) != 0 {
		t.Errorf("expected no closes after cancel, got %d", len(got))
	}
	if m.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", m.State())
	}
}

func TestMachine_CancelAfterEndSignaled(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("hello")
	m.ForceEnd()
	m.Cancel()

	time.Sleep(2 * testFallback)

	if got := r.closes(); len(got) != 0 {
		t.Errorf("expected no close after cancel, got %d", len(got))
	}
}

func TestMachine_CancelIdempotent(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Cancel()
	m.Cancel()

	if m.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", m.State())
	}
}

func TestMachine_ArmIgnoredAfterEndSignaled(t *testing.T) {
	r := &recorder{}
	m := New(testSilence, testFallback, r.onEnd, r.onClosed)

	m.Arm("first")
	m.ForceEnd()
	m.Arm("late partial")

	if m.Text() != "first" {
		t.Errorf("expected text unchanged after end, got %q", m.Text())
	}
	if !m.Ended() {
		t.Error("expected Ended to be true")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "IDLE"},
		{StateArmed, "ARMED"},
		{StateEndSignaled, "END_SIGNALED"},
		{StateClosed, "CLOSED"},
		{State(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %v, want %v", tt.state, got, tt.expected)
		}
	}
}
