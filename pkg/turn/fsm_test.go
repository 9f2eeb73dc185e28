package turn

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type captureListener struct {
	mu      sync.Mutex
	changes []StateChange
}

func (c *captureListener) OnStateChange(event StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, event)
}

func (c *captureListener) Reasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.changes))
	for _, ch := range c.changes {
		out = append(out, ch.Reason)
	}
	return out
}

func TestStateMachineTransitions(t *testing.T) {
	now := time.Unix(100, 0)
	sm := newStateMachine(func() time.Time { return now })
	listener := &captureListener{}
	sm.AddListener(listener)

	if sm.State() != StateListening {
		t.Fatalf("expected initial state LISTENING, got %s", sm.State())
	}
	if err := sm.Transition(StateSpeaking, "utterance queued"); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if !sm.SpeakingSince().Equal(now) {
		t.Fatalf("expected speaking start recorded")
	}
	if err := sm.Transition(StateListening, "barge-in"); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if err := sm.Transition(StateClosed, "stop"); err != nil {
		t.Fatalf("transition error: %v", err)
	}

	err := sm.Transition(StateListening, "revive")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != StateClosed {
		t.Fatalf("expected invalid transition out of CLOSED, got %v", err)
	}
	if got := listener.Reasons(); len(got) != 3 || got[1] != "barge-in" {
		t.Fatalf("unexpected listener events %v", got)
	}
}

func TestStateMachineRejectsSelfTransition(t *testing.T) {
	sm := newStateMachine(nil)
	if err := sm.Transition(StateListening, "noop"); err == nil {
		t.Fatalf("expected LISTENING to LISTENING to be rejected")
	}
}
