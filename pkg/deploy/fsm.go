package deploy

import (
	"context"

	"github.com/looplab/fsm"
)

// The states a deployment moves through. Failed is reachable from every
// working state; Done and Failed are terminal.
const (
	StateIdle      = "idle"
	StatePackaging = "packaging"
	StateSyncing   = "syncing"
	StateLaunching = "launching"
	StateDone      = "done"
	StateFailed    = "failed"
)

const (
	eventPackage = "package"
	eventSync    = "sync"
	eventLaunch  = "launch"
	eventFinish  = "finish"
	eventFail    = "fail"
)

// TransitionFunc is notified whenever a deployment changes state.
type TransitionFunc func(from, to string)

func newStateMachine(onTransition TransitionFunc) *fsm.FSM {
	events := fsm.Events{
		{Name: eventPackage, Src: []string{StateIdle}, Dst: StatePackaging},
		{Name: eventSync, Src: []string{StatePackaging}, Dst: StateSyncing},
		{Name: eventLaunch, Src: []string{StateSyncing}, Dst: StateLaunching},
		{Name: eventFinish, Src: []string{StateSyncing, StateLaunching}, Dst: StateDone},
		{Name: eventFail, Src: []string{StatePackaging, StateSyncing, StateLaunching}, Dst: StateFailed},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			if onTransition != nil {
				onTransition(e.Src, e.Dst)
			}
		},
	}
	return fsm.NewFSM(StateIdle, events, callbacks)
}
