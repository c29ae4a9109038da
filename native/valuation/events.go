package valuation

// EventTypeDegraded is emitted whenever a quote was served by a fallback
// strategy instead of the primary price source.
const EventTypeDegraded = "valuation.degraded"

// DegradedEvent reports a degraded quote for observability. It is emitted on
// the valuation path and never affects the outcome of the caller's operation.
type DegradedEvent struct {
	Asset    string
	Reason   string
	Fallback string
}

// EventType implements the events.Event interface.
func (DegradedEvent) EventType() string { return EventTypeDegraded }

// Attributes implements the events.Event interface.
func (e DegradedEvent) Attributes() map[string]string {
	return map[string]string{
		"asset":    e.Asset,
		"reason":   e.Reason,
		"fallback": e.Fallback,
	}
}
