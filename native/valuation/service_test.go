package valuation

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"creditnet/core/events"
)

type scriptedSource struct {
	sample PriceSample
	err    error
	calls  int
}

func (s *scriptedSource) GetPrice(string) (PriceSample, error) {
	s.calls++
	if s.err != nil {
		return PriceSample{}, s.err
	}
	return s.sample.Clone(), nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestValueOfFreshPrice(t *testing.T) {
	source := &scriptedSource{sample: PriceSample{
		Price:     big.NewRat(2, 1),
		Timestamp: fixedNow().Add(-time.Minute),
		Decimals:  0,
	}}
	svc := NewService(source, time.Hour)
	svc.SetNowFunc(fixedNow)

	value, usedFallback, reason, err := svc.ValueOf("ATK", big.NewInt(500))
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if usedFallback {
		t.Fatalf("unexpected fallback: %s", reason)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(SettlementUnitDecimals), nil)
	want := new(big.Int).Mul(big.NewInt(1000), scale)
	if value.Cmp(want) != 0 {
		t.Fatalf("unexpected value: got %s want %s", value, want)
	}
}

func TestZeroPriceDegradesToZeroValue(t *testing.T) {
	source := &scriptedSource{sample: PriceSample{Price: new(big.Rat), Timestamp: fixedNow()}}
	svc := NewService(source, time.Hour)
	svc.SetNowFunc(fixedNow)
	log := events.NewLog(8)
	svc.SetEmitter(log)

	value, usedFallback, reason, err := svc.ValueOf("ATK", big.NewInt(500))
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if !usedFallback {
		t.Fatal("expected fallback for zero price")
	}
	if value.Sign() != 0 {
		t.Fatalf("expected zero value, got %s", value)
	}
	if reason == "" {
		t.Fatal("expected degradation reason")
	}
	records := log.Records()
	if len(records) != 1 || records[0].Type != EventTypeDegraded {
		t.Fatalf("expected one degradation event, got %+v", records)
	}
	if records[0].Attributes["fallback"] != FallbackZero {
		t.Fatalf("unexpected fallback strategy: %s", records[0].Attributes["fallback"])
	}
}

func TestStalePriceFallsBackToLastGood(t *testing.T) {
	source := &scriptedSource{sample: PriceSample{
		Price:     big.NewRat(3, 1),
		Timestamp: fixedNow().Add(-time.Minute),
	}}
	svc := NewService(source, time.Hour)
	svc.SetNowFunc(fixedNow)

	if _, err := svc.Quote("ATK"); err != nil {
		t.Fatalf("prime last good: %v", err)
	}

	source.sample.Timestamp = fixedNow().Add(-2 * time.Hour)
	source.sample.Price = big.NewRat(9, 1)

	quote, err := svc.Quote("ATK")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !quote.UsedFallback || quote.Fallback != FallbackLastGood {
		t.Fatalf("expected last-good fallback, got %+v", quote)
	}
	if quote.Price.Cmp(big.NewRat(3, 1)) != 0 {
		t.Fatalf("expected cached price 3, got %s", quote.Price)
	}
}

func TestSourceErrorUsesDefaultUnitValue(t *testing.T) {
	source := &scriptedSource{err: errors.New("connection refused")}
	svc := NewService(source, time.Hour)
	svc.SetNowFunc(fixedNow)
	svc.SetDefaultUnitValue("ATK", big.NewRat(1, 1), 0)

	quote, err := svc.Quote("ATK")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !quote.UsedFallback || quote.Fallback != FallbackDefault {
		t.Fatalf("expected default fallback, got %+v", quote)
	}
	if quote.Price.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("unexpected default price: %s", quote.Price)
	}
}

func TestCheckHealthDoesNotPrimeCache(t *testing.T) {
	source := &scriptedSource{sample: PriceSample{
		Price:     big.NewRat(5, 1),
		Timestamp: fixedNow().Add(-time.Minute),
	}}
	svc := NewService(source, time.Hour)
	svc.SetNowFunc(fixedNow)

	healthy, details := svc.CheckHealth("ATK")
	if !healthy {
		t.Fatalf("expected healthy source: %s", details)
	}

	// Break the source; a quote must not find a last-good sample because
	// CheckHealth is read-only.
	source.err = errors.New("boom")
	quote, err := svc.Quote("ATK")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Fallback != FallbackZero {
		t.Fatalf("expected zero fallback, got %q", quote.Fallback)
	}
}

func TestCheckHealthReportsStale(t *testing.T) {
	source := &scriptedSource{sample: PriceSample{
		Price:     big.NewRat(5, 1),
		Timestamp: fixedNow().Add(-3 * time.Hour),
	}}
	svc := NewService(source, time.Hour)
	svc.SetNowFunc(fixedNow)

	healthy, details := svc.CheckHealth("ATK")
	if healthy {
		t.Fatal("expected unhealthy stale source")
	}
	if details == "" {
		t.Fatal("expected staleness details")
	}
}
