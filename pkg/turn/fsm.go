package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(event StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

// stateMachine implements the finite state machine for turn management.
type stateMachine struct {
	currentState State
	mu           sync.RWMutex
	now          func() time.Time

	speakingStartTime time.Time

	stateChangeListeners []StateListener
}

func newStateMachine(now func() time.Time) *stateMachine {
	if now == nil {
		now = time.Now
	}
	return &stateMachine{currentState: StateListening, now: now}
}

// State returns the current state.
func (tm *stateMachine) State() State {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.currentState
}

// transitionValid checks if a state transition is valid (must be called with lock held).
func (tm *stateMachine) transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateListening: {StateSpeaking, StateClosed},
		StateSpeaking:  {StateListening, StateClosed},
	}

	allowedStates, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, allowed := range allowedStates {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (tm *stateMachine) Transition(state State, reason string) error {
	tm.mu.Lock()
	if !tm.transitionValid(tm.currentState, state) {
		from := tm.currentState
		tm.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}

	oldState := tm.currentState
	tm.currentState = state
	now := tm.now()
	if state == StateSpeaking {
		tm.speakingStartTime = now
	}

	event := StateChange{
		FromState: oldState,
		ToState:   state,
		Timestamp: now,
		Reason:    reason,
	}
	listeners := make([]StateListener, len(tm.stateChangeListeners))
	copy(listeners, tm.stateChangeListeners)
	tm.mu.Unlock()

	// Notify without the lock so listeners may read State.
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// SpeakingSince returns when the current speaking turn began.
func (tm *stateMachine) SpeakingSince() time.Time {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.speakingStartTime
}

// AddListener registers a listener for state change events.
func (tm *stateMachine) AddListener(listener StateListener) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.stateChangeListeners = append(tm.stateChangeListeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
