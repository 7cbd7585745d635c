package livepatch

import (
	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch/fault"
)

// Event describes a failed patch operation.
type Event struct {
	Op      string
	Kind    fault.Kind
	Address Address
	Length  int
	Err     error
}

// EventSink receives failure events. Emit is called after the barrier is
// released and must not call back into the engine.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to an EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(ev Event) { f(ev) }

type klogSink struct{}

func (klogSink) Emit(ev Event) {
	klog.ErrorS(ev.Err, "Patch operation failed",
		"op", ev.Op, "kind", ev.Kind, "address", ev.Address, "length", ev.Length)
}

func (e *Engine) emit(op string, addr Address, length int, err error) {
	e.sink.Emit(Event{Op: op, Kind: fault.KindOf(err), Address: addr, Length: length, Err: err})
}
