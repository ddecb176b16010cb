package dispatch

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a transcription request.
type State int

const (
	// StatePending - Accepted, waiting in the queue.
	StatePending State = iota
	// StateDispatched - Picked up by a worker.
	StateDispatched
	// StateTranscribing - An attempt is in progress.
	StateTranscribing
	// StateSucceeded - Transcribed. Terminal.
	StateSucceeded
	// StateFailed - Abandoned after a permanent error, exhausted retries
	// or shutdown. No call is persisted. Terminal.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateDispatched:
		return "DISPATCHED"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true for SUCCEEDED and FAILED.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Errors for invalid state transitions.
var (
	ErrRequestFinished   = errors.New("request already finished")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// lifecycle enforces the request state machine:
//
//	PENDING → DISPATCHED → TRANSCRIBING ⇄ DISPATCHED (retry backoff)
//	                            │
//	                            ├── SUCCEEDED
//	                            └── FAILED
//
// FAILED is also reachable from PENDING and DISPATCHED on shutdown.
type lifecycle struct {
	mu       sync.RWMutex
	state    State
	attempts int
}

func (l *lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *lifecycle) Attempts() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.attempts
}

// dispatch moves PENDING to DISPATCHED, or TRANSCRIBING back to DISPATCHED
// between attempts.
func (l *lifecycle) dispatch() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StatePending, StateTranscribing:
		l.state = StateDispatched
		return nil
	case StateSucceeded, StateFailed:
		return ErrRequestFinished
	default:
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, l.state, StateDispatched)
	}
}

// beginAttempt moves DISPATCHED to TRANSCRIBING and returns the attempt
// number, starting at 1.
func (l *lifecycle) beginAttempt() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateDispatched:
		l.state = StateTranscribing
		l.attempts++
		return l.attempts, nil
	case StateSucceeded, StateFailed:
		return l.attempts, ErrRequestFinished
	default:
		return l.attempts, fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, l.state, StateTranscribing)
	}
}

func (l *lifecycle) succeed() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateTranscribing:
		l.state = StateSucceeded
		return nil
	case StateSucceeded, StateFailed:
		return ErrRequestFinished
	default:
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, l.state, StateSucceeded)
	}
}

// fail moves any non-terminal state to FAILED. Returns false if already
// terminal.
func (l *lifecycle) fail() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateFailed
	return true
}
