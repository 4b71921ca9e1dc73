package jit

import "time"

// EventKind classifies an engine event.
type EventKind string

const (
	EventCompile      EventKind = "compile"
	EventCompileFail  EventKind = "compile-fail"
	EventInvalidate   EventKind = "invalidate"
	EventVersionLimit EventKind = "version-limit"
)

// Event is one notable engine action, for journaling.
type Event struct {
	Time   time.Time
	Kind   EventKind
	Method string
	Index  int
	Block  int
	Detail string
}

// EventSink receives engine events. Record is called with the compile
// lock held and must not block.
type EventSink interface {
	Record(Event)
}

func (e *Engine) emit(ev Event) {
	if e.opts.Sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.opts.Sink.Record(ev)
}
