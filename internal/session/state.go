package session

import (
	"fmt"
	"slices"
	"sync"
)

// State is a conversation session's lifecycle state.
type State string

const (
	Idle    State = "IDLE"
	Opening State = "OPENING"
	Syncing State = "SYNCING"
	Ready   State = "READY"
	Failed  State = "FAILED"
	Closed  State = "CLOSED"
)

// validTransitions defines allowed lifecycle transitions.
var validTransitions = map[State][]State{
	Idle:    {Opening, Failed},
	Opening: {Syncing, Failed},
	Syncing: {Ready, Failed, Closed},
	Ready:   {Closed, Failed},
	Failed:  {Opening},
	Closed:  {Opening},
}

type stateMachine struct {
	mu      sync.RWMutex
	current State
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: Idle}
}

func (m *stateMachine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid session transition %s -> %s", m.current, to)
	}
	m.current = to
	return nil
}
