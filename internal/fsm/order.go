package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// OrderStateMachine validates order transitions. It holds no per-order state:
// every call starts from the caller-supplied current status.
type OrderStateMachine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func NewOrderStateMachine() *OrderStateMachine {
	osm := &OrderStateMachine{}
	osm.fsm = fsm.NewFSM(
		string(StatusPending),
		fsm.Events{
			{Name: OrderEventPay, Src: []string{string(StatusPending)}, Dst: string(StatusPaid)},
			{Name: OrderEventExpire, Src: []string{string(StatusPending)}, Dst: string(StatusExpired)},
			{Name: OrderEventSubmit, Src: []string{string(StatusPaid)}, Dst: string(StatusProcessing)},
			{Name: OrderEventFail, Src: []string{string(StatusPaid), string(StatusProcessing)}, Dst: string(StatusError)},
			{Name: OrderEventFulfill, Src: []string{string(StatusProcessing)}, Dst: string(StatusFulfilled)},
			{Name: OrderEventRetry, Src: []string{string(StatusError)}, Dst: string(StatusProcessing)},
		},
		fsm.Callbacks{},
	)
	return osm
}

func (osm *OrderStateMachine) CanTransition(current Status, event string) bool {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.fsm.SetState(string(current))
	return osm.fsm.Can(event)
}

// Transition returns the status reached by applying event to current.
// Invalid pairs return fsm.InvalidEventError or fsm.UnknownEventError.
func (osm *OrderStateMachine) Transition(ctx context.Context, current Status, event string) (Status, error) {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.fsm.SetState(string(current))
	if err := osm.fsm.Event(ctx, event); err != nil {
		return "", err
	}
	return Status(osm.fsm.Current()), nil
}

func (osm *OrderStateMachine) AvailableEvents(current Status) []string {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.fsm.SetState(string(current))
	return osm.fsm.AvailableTransitions()
}
