package av

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Call state machine states.
const (
	stateInactive   = "inactive"
	stateRequesting = "requesting"
	stateRequested  = "requested"
	stateActive     = "active"
)

// Call state machine events.
const (
	eventInvite    = "invite"    // local invite sent
	eventInvited   = "invited"   // peer invite admitted
	eventStarted   = "started"   // peer answered our invite
	eventAnswer    = "answer"    // we answered the peer's invite
	eventTerminate = "terminate" // hangup, rejection, error or timeout
)

// newCallFSM builds the per-call state machine. The only way back to
// inactive is termination.
func newCallFSM() *fsm.FSM {
	return fsm.NewFSM(
		stateInactive,
		fsm.Events{
			{Name: eventInvite, Src: []string{stateInactive}, Dst: stateRequesting},
			{Name: eventInvited, Src: []string{stateInactive}, Dst: stateRequested},
			{Name: eventStarted, Src: []string{stateRequesting}, Dst: stateActive},
			{Name: eventAnswer, Src: []string{stateRequested}, Dst: stateActive},
			{Name: eventTerminate, Src: []string{stateRequesting, stateRequested, stateActive}, Dst: stateInactive},
		},
		fsm.Callbacks{},
	)
}

// fire runs an event on the call's state machine.
func (c *call) fire(event string) error {
	if err := c.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s in state %s: %v", ErrInvalidState, event, c.fsm.Current(), err)
	}
	return nil
}

// state maps the state machine's current state to a CallState.
func (c *call) state() CallState {
	return stateFromString(c.fsm.Current())
}

func stateFromString(s string) CallState {
	switch s {
	case stateRequesting:
		return CallStateRequesting
	case stateRequested:
		return CallStateRequested
	case stateActive:
		return CallStateActive
	default:
		return CallStateInactive
	}
}
