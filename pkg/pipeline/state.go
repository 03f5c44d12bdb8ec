package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

type State int32

const (
	StateStandby State = iota
	StatePreviewing
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StatePreviewing:
		return "previewing"
	case StateRecording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrState = errors.New("invalid state transition")

var (
	ErrAlreadyActive = fmt.Errorf("%w: already active", ErrState)
	ErrNotActive     = fmt.Errorf("%w: not active", ErrState)
)

// StateMachine owns the authoritative running state of one device. There is
// no direct previewing <-> recording transition.
type StateMachine struct {
	mu    sync.Mutex
	state atomic.Int32
}

func (m *StateMachine) State() State {
	return State(m.state.Load())
}

func (m *StateMachine) Active() bool {
	return m.State() != StateStandby
}

// Start runs arm and moves to previewing or recording if it succeeds. Arm
// receives the target state and must bring consumers up before hardware.
func (m *StateMachine) Start(record bool, arm func(target State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.State(); cur != StateStandby {
		return fmt.Errorf("%w (%s)", ErrAlreadyActive, cur)
	}
	target := StatePreviewing
	if record {
		target = StateRecording
	}
	if err := arm(target); err != nil {
		return err
	}
	m.state.Store(int32(target))
	return nil
}

// Stop runs disarm and returns to standby. Disarm must stop the hardware
// before draining consumers. The state is standby afterwards even if disarm
// reports an error.
func (m *StateMachine) Stop(disarm func(from State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.State()
	if cur == StateStandby {
		return ErrNotActive
	}
	err := disarm(cur)
	m.state.Store(int32(StateStandby))
	return err
}

// WhileStandby runs fn only if the machine is in standby, holding off any
// transition until fn returns. Configuration changes go through here.
func (m *StateMachine) WhileStandby(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.State(); cur != StateStandby {
		return fmt.Errorf("%w: device is %s", ErrState, cur)
	}
	return fn()
}
