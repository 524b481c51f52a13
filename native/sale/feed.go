package sale

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RoundData is the raw observation reported by a price feed: the answer in the
// feed's own integer scale, the number of fractional digits that scale
// carries, and the time the round was published.
type RoundData struct {
	Answer    *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// PriceFeed reports the latest USD valuation round for a single asset.
// Implementations must return a fresh observation per call; the engine never
// caches quotes across settlements.
type PriceFeed interface {
	LatestRound(ctx context.Context) (RoundData, error)
}

// ManualFeed provides an in-memory feed implementation used for tests and
// manual overrides during incident response.
type ManualFeed struct {
	mu    sync.RWMutex
	round RoundData
	set   bool
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{}
}

// Set records the supplied answer and scale with the provided timestamp.
func (m *ManualFeed) Set(answer *big.Int, decimals uint8, ts time.Time) {
	if m == nil || answer == nil {
		return
	}
	m.mu.Lock()
	m.round = RoundData{Answer: new(big.Int).Set(answer), Decimals: decimals, UpdatedAt: ts}
	m.set = true
	m.mu.Unlock()
}

// SetString records a decimal string answer, e.g. "189520000000" at 8 decimals.
func (m *ManualFeed) SetString(answer string, decimals uint8, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual feed not configured")
	}
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		return fmt.Errorf("manual feed: answer required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return fmt.Errorf("manual feed: invalid answer %q", answer)
	}
	m.Set(value, decimals, ts)
	return nil
}

// LatestRound returns the stored round.
func (m *ManualFeed) LatestRound(context.Context) (RoundData, error) {
	if m == nil {
		return RoundData{}, fmt.Errorf("manual feed not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.set {
		return RoundData{}, fmt.Errorf("manual feed: no round recorded")
	}
	round := m.round
	round.Answer = new(big.Int).Set(m.round.Answer)
	return round, nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed adapts a JSON price endpoint reporting rounds of the form
// {"answer":"189520000000","decimals":8,"updatedAt":1700000000}.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
}

// NewHTTPFeed constructs an HTTP feed adapter. When the client is nil
// http.DefaultClient is used. The API key is optional and only added to the
// request headers when supplied.
func NewHTTPFeed(client HTTPDoer, endpoint, apiKey string) *HTTPFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{client: client, endpoint: strings.TrimSpace(endpoint), apiKey: strings.TrimSpace(apiKey)}
}

// LatestRound fetches and decodes the newest round from the endpoint.
func (f *HTTPFeed) LatestRound(ctx context.Context) (RoundData, error) {
	if f == nil {
		return RoundData{}, fmt.Errorf("http feed not configured")
	}
	if f.endpoint == "" {
		return RoundData{}, fmt.Errorf("http feed: endpoint required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return RoundData{}, err
	}
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return RoundData{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return RoundData{}, fmt.Errorf("http feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Answer    string `json:"answer"`
		Decimals  uint8  `json:"decimals"`
		UpdatedAt int64  `json:"updatedAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return RoundData{}, fmt.Errorf("http feed: decode: %w", err)
	}
	answer := strings.TrimSpace(payload.Answer)
	if answer == "" {
		return RoundData{}, fmt.Errorf("http feed: empty answer")
	}
	value, ok := new(big.Int).SetString(answer, 10)
	if !ok {
		return RoundData{}, fmt.Errorf("http feed: invalid answer %q", payload.Answer)
	}
	round := RoundData{Answer: value, Decimals: payload.Decimals}
	if payload.UpdatedAt > 0 {
		round.UpdatedAt = time.Unix(payload.UpdatedAt, 0)
	}
	return round, nil
}
