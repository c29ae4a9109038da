package valuation

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PriceSample is the raw answer from a price source: the price of one whole
// token expressed in the settlement unit, the source timestamp and the asset's
// base-unit decimals.
type PriceSample struct {
	Price     *big.Rat
	Timestamp time.Time
	Decimals  uint8
}

// Clone returns a deep copy so callers cannot mutate cached samples.
func (s PriceSample) Clone() PriceSample {
	clone := PriceSample{Timestamp: s.Timestamp, Decimals: s.Decimals}
	if s.Price != nil {
		clone.Price = new(big.Rat).Set(s.Price)
	}
	return clone
}

// PricePort resolves the current price of an asset in the settlement unit.
// Implementations may fail or return a zero price; the Service wraps every
// call with the degradation policy.
type PricePort interface {
	GetPrice(asset string) (PriceSample, error)
}

// NormalizeAsset canonicalises an asset symbol.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// ManualSource is an in-memory price source used by tests and for manual
// overrides during incident response.
type ManualSource struct {
	mu      sync.RWMutex
	samples map[string]PriceSample
}

// NewManualSource constructs an empty manual source.
func NewManualSource() *ManualSource {
	return &ManualSource{samples: make(map[string]PriceSample)}
}

// Set stores a price for the asset at the given timestamp.
func (m *ManualSource) Set(asset string, price *big.Rat, decimals uint8, ts time.Time) {
	if m == nil || price == nil {
		return
	}
	m.mu.Lock()
	m.samples[NormalizeAsset(asset)] = PriceSample{
		Price:     new(big.Rat).Set(price),
		Timestamp: ts,
		Decimals:  decimals,
	}
	m.mu.Unlock()
}

// SetDecimalString parses a decimal rate string and stores it.
func (m *ManualSource) SetDecimalString(asset, price string, decimals uint8, ts time.Time) error {
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return fmt.Errorf("manual source: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("manual source: invalid price %q", price)
	}
	m.Set(asset, rat, decimals, ts)
	return nil
}

// GetPrice implements the PricePort interface.
func (m *ManualSource) GetPrice(asset string) (PriceSample, error) {
	if m == nil {
		return PriceSample{}, fmt.Errorf("manual source not configured")
	}
	m.mu.RLock()
	sample, ok := m.samples[NormalizeAsset(asset)]
	m.mu.RUnlock()
	if !ok {
		return PriceSample{}, fmt.Errorf("manual source: no price for %s", asset)
	}
	return sample.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource adapts a simple-price HTTP API of the CoinGecko shape. idMap
// translates asset symbols to upstream identifiers; decimals defaults to 18
// for unmapped assets.
type HTTPSource struct {
	client   HTTPDoer
	endpoint string
	quote    string
	idMap    map[string]string
	decimals map[string]uint8
}

const defaultSimplePriceEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// NewHTTPSource constructs an HTTP price source. When client is nil
// http.DefaultClient is used; an empty endpoint falls back to the public
// simple-price API.
func NewHTTPSource(client HTTPDoer, endpoint, quote string, idMap map[string]string, decimals map[string]uint8) *HTTPSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultSimplePriceEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	mappedIDs := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mappedIDs[NormalizeAsset(k)] = strings.TrimSpace(v)
	}
	mappedDecimals := make(map[string]uint8, len(decimals))
	for k, v := range decimals {
		mappedDecimals[NormalizeAsset(k)] = v
	}
	q := strings.ToLower(strings.TrimSpace(quote))
	if q == "" {
		q = "usd"
	}
	return &HTTPSource{client: client, endpoint: ep, quote: q, idMap: mappedIDs, decimals: mappedDecimals}
}

func (h *HTTPSource) assetID(asset string) string {
	if id, ok := h.idMap[NormalizeAsset(asset)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(asset))
}

// GetPrice implements the PricePort interface.
func (h *HTTPSource) GetPrice(asset string) (PriceSample, error) {
	if h == nil {
		return PriceSample{}, fmt.Errorf("http source not configured")
	}
	id := h.assetID(asset)
	if id == "" {
		return PriceSample{}, fmt.Errorf("http source: unmapped asset %s", asset)
	}
	req, err := http.NewRequest(http.MethodGet, h.endpoint, nil)
	if err != nil {
		return PriceSample{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", h.quote)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := h.client.Do(req)
	if err != nil {
		return PriceSample{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PriceSample{}, fmt.Errorf("http source: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return PriceSample{}, fmt.Errorf("http source: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return PriceSample{}, fmt.Errorf("http source: price missing for %s", asset)
	}
	raw, ok := entry[h.quote]
	if !ok {
		return PriceSample{}, fmt.Errorf("http source: quote currency %s missing for %s", h.quote, asset)
	}
	rat, ok := new(big.Rat).SetString(raw.String())
	if !ok {
		return PriceSample{}, fmt.Errorf("http source: invalid price %q", raw.String())
	}
	ts := time.Now().UTC()
	if rawTs, ok := entry["last_updated_at"]; ok {
		if parsed, err := strconv.ParseInt(rawTs.String(), 10, 64); err == nil && parsed > 0 {
			ts = time.Unix(parsed, 0).UTC()
		}
	}
	decimals := uint8(18)
	if d, ok := h.decimals[NormalizeAsset(asset)]; ok {
		decimals = d
	}
	return PriceSample{Price: rat, Timestamp: ts, Decimals: decimals}, nil
}
