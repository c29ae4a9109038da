package events

import "sync"

// Event represents a structured state change emitted by the settlement core.
type Event interface {
	EventType() string
	Attributes() map[string]string
}

// Emitter broadcasts events to downstream subscribers (gateway, indexers,
// guarantee coordination).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events. Engines default
// to it so event wiring stays optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Record is the flattened form kept by the Log emitter.
type Record struct {
	Type       string
	Attributes map[string]string
}

// Log is a bounded in-memory emitter retaining the most recent events. The
// daemon exposes its contents for observability; tests use it to assert on
// emissions.
type Log struct {
	mu      sync.Mutex
	cap     int
	records []Record
}

// NewLog constructs a Log retaining at most cap events. A non-positive cap
// defaults to 256.
func NewLog(cap int) *Log {
	if cap <= 0 {
		cap = 256
	}
	return &Log{cap: cap}
}

// Emit implements the Emitter interface.
func (l *Log) Emit(evt Event) {
	if l == nil || evt == nil {
		return
	}
	attrs := make(map[string]string, len(evt.Attributes()))
	for k, v := range evt.Attributes() {
		attrs[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, Record{Type: evt.EventType(), Attributes: attrs})
	if len(l.records) > l.cap {
		l.records = l.records[len(l.records)-l.cap:]
	}
}

// Records returns a snapshot of the retained events in emission order.
func (l *Log) Records() []Record {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// MultiEmitter fans a single emission out to several emitters.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}
