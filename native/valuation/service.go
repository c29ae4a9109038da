package valuation

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"creditnet/core/events"
)

// SettlementUnitDecimals is the fixed precision of valued totals. All values
// reported by the service are base units of the settlement unit at this
// precision.
const SettlementUnitDecimals = 18

var (
	errNoSource   = errors.New("valuation: price source not configured")
	errEmptyAsset = errors.New("valuation: asset symbol required")
)

// Fallback strategies reported on degraded quotes.
const (
	FallbackNone     = ""
	FallbackLastGood = "last_good"
	FallbackDefault  = "default_unit_value"
	FallbackZero     = "zero"
)

// Quote is the answer to a valuation request. When the primary source was
// unusable UsedFallback is set together with a human-readable Reason and the
// strategy that produced the substitute price.
type Quote struct {
	Asset        string
	Price        *big.Rat
	Timestamp    time.Time
	Decimals     uint8
	UsedFallback bool
	Fallback     string
	Reason       string
}

// Service wraps the price port with the degradation policy: a stale, zero or
// failing source is substituted by the last known good sample, then by a
// configured default unit value, then by zero. The caller's larger operation
// is never aborted solely because the price source is unusable.
type Service struct {
	mu       sync.RWMutex
	source   PricePort
	maxAge   time.Duration
	defaults map[string]*big.Rat
	decimals map[string]uint8
	lastGood map[string]PriceSample
	emitter  events.Emitter
	nowFn    func() time.Time
}

// NewService constructs a valuation service over the given price port. maxAge
// bounds sample freshness; zero disables the staleness check.
func NewService(source PricePort, maxAge time.Duration) *Service {
	return &Service{
		source:   source,
		maxAge:   maxAge,
		defaults: make(map[string]*big.Rat),
		decimals: make(map[string]uint8),
		lastGood: make(map[string]PriceSample),
		emitter:  events.NoopEmitter{},
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (s *Service) SetEmitter(emitter events.Emitter) {
	if s == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	s.mu.Lock()
	s.emitter = emitter
	s.mu.Unlock()
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	if s == nil || now == nil {
		return
	}
	s.mu.Lock()
	s.nowFn = now
	s.mu.Unlock()
}

// SetDefaultUnitValue registers the fallback price used for an asset when no
// fresh or last-good sample exists.
func (s *Service) SetDefaultUnitValue(asset string, price *big.Rat, decimals uint8) {
	if s == nil || price == nil {
		return
	}
	key := NormalizeAsset(asset)
	s.mu.Lock()
	s.defaults[key] = new(big.Rat).Set(price)
	s.decimals[key] = decimals
	s.mu.Unlock()
}

// Quote resolves the asset's price, applying the fallback policy on
// degradation. It only fails on invalid input, never on source trouble.
func (s *Service) Quote(asset string) (Quote, error) {
	if s == nil || s.source == nil {
		return Quote{}, errNoSource
	}
	key := NormalizeAsset(asset)
	if key == "" {
		return Quote{}, errEmptyAsset
	}

	sample, err := s.source.GetPrice(key)
	reason := s.classify(sample, err)
	if reason == "" {
		s.mu.Lock()
		s.lastGood[key] = sample.Clone()
		s.mu.Unlock()
		return Quote{
			Asset:     key,
			Price:     new(big.Rat).Set(sample.Price),
			Timestamp: sample.Timestamp,
			Decimals:  sample.Decimals,
		}, nil
	}

	quote := s.fallbackQuote(key, reason)
	s.emit(DegradedEvent{Asset: key, Reason: quote.Reason, Fallback: quote.Fallback})
	return quote, nil
}

// ValueOf converts an asset amount into the settlement unit. The returned
// value is expressed at SettlementUnitDecimals precision. A degraded price,
// including zero, still yields a usable result so the caller can proceed or
// explicitly reject.
func (s *Service) ValueOf(asset string, amount *big.Int) (*big.Int, bool, string, error) {
	quote, err := s.Quote(asset)
	if err != nil {
		return nil, false, "", err
	}
	if amount == nil || amount.Sign() == 0 || quote.Price == nil || quote.Price.Sign() == 0 {
		return big.NewInt(0), quote.UsedFallback, quote.Reason, nil
	}
	value := new(big.Rat).SetInt(amount)
	value.Mul(value, quote.Price)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(SettlementUnitDecimals), nil)
	value.Mul(value, new(big.Rat).SetInt(scale))
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(quote.Decimals)), nil)
	value.Quo(value, new(big.Rat).SetInt(divisor))
	out := new(big.Int).Quo(value.Num(), value.Denom())
	return out, quote.UsedFallback, quote.Reason, nil
}

// CheckHealth runs the staleness and zero checks against the live source
// without touching the last-good cache or emitting events.
func (s *Service) CheckHealth(asset string) (bool, string) {
	if s == nil || s.source == nil {
		return false, "price source not configured"
	}
	key := NormalizeAsset(asset)
	if key == "" {
		return false, "asset symbol required"
	}
	sample, err := s.source.GetPrice(key)
	if reason := s.classify(sample, err); reason != "" {
		return false, reason
	}
	return true, fmt.Sprintf("fresh sample at %s", sample.Timestamp.UTC().Format(time.RFC3339))
}

// classify returns a non-empty degradation reason when the sample is
// unusable.
func (s *Service) classify(sample PriceSample, err error) string {
	if err != nil {
		return fmt.Sprintf("price source error: %v", err)
	}
	if sample.Price == nil || sample.Price.Sign() <= 0 {
		return "price source returned zero price"
	}
	s.mu.RLock()
	maxAge := s.maxAge
	now := s.nowFn()
	s.mu.RUnlock()
	if maxAge > 0 && !sample.Timestamp.IsZero() && sample.Timestamp.Before(now.Add(-maxAge)) {
		return fmt.Sprintf("price sample stale: age %s exceeds %s", now.Sub(sample.Timestamp).Truncate(time.Second), maxAge)
	}
	return ""
}

func (s *Service) fallbackQuote(asset, reason string) Quote {
	s.mu.RLock()
	last, hasLast := s.lastGood[asset]
	def, hasDefault := s.defaults[asset]
	decimals, hasDecimals := s.decimals[asset]
	now := s.nowFn()
	s.mu.RUnlock()

	if hasLast {
		return Quote{
			Asset:        asset,
			Price:        new(big.Rat).Set(last.Price),
			Timestamp:    last.Timestamp,
			Decimals:     last.Decimals,
			UsedFallback: true,
			Fallback:     FallbackLastGood,
			Reason:       reason + "; using last known good price",
		}
	}
	if hasDefault {
		if !hasDecimals {
			decimals = SettlementUnitDecimals
		}
		return Quote{
			Asset:        asset,
			Price:        new(big.Rat).Set(def),
			Timestamp:    now,
			Decimals:     decimals,
			UsedFallback: true,
			Fallback:     FallbackDefault,
			Reason:       reason + "; using configured default unit value",
		}
	}
	return Quote{
		Asset:        asset,
		Price:        new(big.Rat),
		Timestamp:    now,
		Decimals:     SettlementUnitDecimals,
		UsedFallback: true,
		Fallback:     FallbackZero,
		Reason:       reason + "; no fallback configured, valuing at zero",
	}
}

func (s *Service) emit(evt events.Event) {
	s.mu.RLock()
	emitter := s.emitter
	s.mu.RUnlock()
	if emitter != nil {
		emitter.Emit(evt)
	}
}
