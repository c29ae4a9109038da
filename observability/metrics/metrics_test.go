package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"creditnet/core/events"
)

type stubEvent struct {
	eventType string
	attrs     map[string]string
}

func (e stubEvent) EventType() string             { return e.eventType }
func (e stubEvent) Attributes() map[string]string { return e.attrs }

func TestEmitCountsEvents(t *testing.T) {
	set := New()

	set.Emit(stubEvent{eventType: "settlement.finalized", attrs: map[string]string{}})
	set.Emit(stubEvent{eventType: "valuation.degraded", attrs: map[string]string{"asset": "USDC", "fallback": "last_good"}})
	set.Emit(stubEvent{eventType: "reservation.created", attrs: map[string]string{}})
	set.Emit(stubEvent{eventType: "reservation.created", attrs: map[string]string{}})
	set.Emit(stubEvent{eventType: "debt.borrowed", attrs: map[string]string{}})
	set.Emit(stubEvent{eventType: "unknown.event", attrs: map[string]string{}})

	if got := testutil.ToFloat64(set.SettlementsFinalized); got != 1 {
		t.Fatalf("settlements = %v, want 1", got)
	}
	if got := testutil.ToFloat64(set.DegradedQuotes.WithLabelValues("USDC", "last_good")); got != 1 {
		t.Fatalf("degraded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(set.Reservations.WithLabelValues("created")); got != 2 {
		t.Fatalf("reservations created = %v, want 2", got)
	}
	if got := testutil.ToFloat64(set.DebtOperations.WithLabelValues("borrow")); got != 1 {
		t.Fatalf("debt borrow = %v, want 1", got)
	}
}

func TestSetImplementsEmitter(t *testing.T) {
	var _ events.Emitter = New()
}

func TestHandlerServesExposition(t *testing.T) {
	set := New()
	set.Emit(stubEvent{eventType: "settlement.finalized"})

	rec := httptest.NewRecorder()
	set.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("empty exposition body")
	}
}
