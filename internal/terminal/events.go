package terminal

import "sync"

// EventKind identifies a lifecycle event emitted by a Process.
type EventKind string

const (
	// EventStarted fires once the shell has been spawned; carries the PID.
	EventStarted EventKind = "shell_execution_started"
	// EventLine carries decoded output text, in stream order.
	EventLine EventKind = "line"
	// EventFlush carries batched unretrieved output forwarded to the
	// foreground: throttled while listening, once more from Continue.
	EventFlush EventKind = "flush"
	// EventContinue signals the caller may proceed without waiting for exit.
	// It fires once from Run and again from Continue when the foreground detaches.
	EventContinue EventKind = "continue"
	// EventComplete carries the exit status after the stream has ended.
	EventComplete EventKind = "shell_execution_complete"
	// EventCompleted is the final event; carries the full accumulated output.
	EventCompleted EventKind = "completed"
)

// ExitStatus describes how a command finished.
type ExitStatus struct {
	ExitCode   int    `json:"exit_code"`
	SignalName string `json:"signal_name,omitempty"`
}

// Event is the message delivered to subscribers. Fields beyond Kind are
// populated depending on the event kind.
type Event struct {
	Kind       EventKind  `json:"kind"`
	PID        int        `json:"pid,omitempty"`
	Line       string     `json:"line,omitempty"`
	Exit       ExitStatus `json:"exit,omitempty"`
	FullOutput string     `json:"full_output,omitempty"`
}

type subscriber struct {
	id int
	fn func(Event)
}

// Emitter fans out events to subscribers keyed by event kind. Each event
// fires independently and multiple subscribers per kind are allowed.
// Callbacks run outside the internal lock, so a subscriber may subscribe
// or unsubscribe from within a callback.
type Emitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[EventKind][]subscriber
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[EventKind][]subscriber)}
}

// Subscribe registers fn for events of the given kind and returns an
// unsubscribe handle. Unsubscribing twice is a no-op.
func (e *Emitter) Subscribe(kind EventKind, fn func(Event)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[kind] = append(e.subs[kind], subscriber{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.subs[kind]
		for i, s := range list {
			if s.id == id {
				e.subs[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers ev to every subscriber of ev.Kind, in subscription order.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	list := e.subs[ev.Kind]
	fns := make([]func(Event), len(list))
	for i, s := range list {
		fns[i] = s.fn
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// RemoveAll drops every subscriber of the given kind.
func (e *Emitter) RemoveAll(kind EventKind) {
	e.mu.Lock()
	delete(e.subs, kind)
	e.mu.Unlock()
}

// Clear drops every subscriber of every kind.
func (e *Emitter) Clear() {
	e.mu.Lock()
	e.subs = make(map[EventKind][]subscriber)
	e.mu.Unlock()
}

// SubscriberCount returns the number of subscribers for a kind.
func (e *Emitter) SubscriberCount(kind EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[kind])
}
