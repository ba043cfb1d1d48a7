// Package lifecycle tracks whether the plugin is bound to a host context.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	Uninitialized State = iota
	Attached
	TransientlyDetached
	PermanentlyDetached
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Attached:
		return "attached"
	case TransientlyDetached:
		return "transiently_detached"
	case PermanentlyDetached:
		return "permanently_detached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned for a lifecycle event the current state
// does not accept.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Transition records one state change.
type Transition struct {
	From      State     `json:"-"`
	To        State     `json:"-"`
	ContextID string    `json:"context_id,omitempty"`
	At        time.Time `json:"at"`
}

// Machine is the lifecycle state machine. The zero value is not usable; use New.
type Machine struct {
	mu        sync.Mutex
	state     State
	contextID string
	now       func() time.Time
}

func New() *Machine {
	return &Machine{state: Uninitialized, now: time.Now}
}

// Attach binds the plugin to a host context.
func (m *Machine) Attach(contextID string) (Transition, error) {
	if contextID == "" {
		return Transition{}, errors.New("attach requires a context id")
	}
	return m.move(contextID, Attached, Uninitialized, PermanentlyDetached)
}

// DetachForConfigChange records a transient detach. Pending work is kept.
func (m *Machine) DetachForConfigChange() (Transition, error) {
	return m.move("", TransientlyDetached, Attached)
}

// Reattach binds the replacement context after a transient detach.
func (m *Machine) Reattach(contextID string) (Transition, error) {
	if contextID == "" {
		return Transition{}, errors.New("reattach requires a context id")
	}
	return m.move(contextID, Attached, TransientlyDetached)
}

// Destroy records a permanent detach. A transient detach may end this way
// when the replacement context never arrives.
func (m *Machine) Destroy() (Transition, error) {
	return m.move("", PermanentlyDetached, Attached, TransientlyDetached)
}

func (m *Machine) move(contextID string, to State, from ...State) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := false
	for _, s := range from {
		if m.state == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}

	t := Transition{From: m.state, To: to, ContextID: contextID, At: m.now()}
	m.state = to
	if to == Attached {
		m.contextID = contextID
	} else {
		m.contextID = ""
	}
	return t, nil
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns the attached context id, or "" when not attached.
func (m *Machine) Context() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contextID
}

func (m *Machine) Attached() bool {
	return m.State() == Attached
}
