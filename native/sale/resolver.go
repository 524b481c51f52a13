package sale

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrOracleUnavailable indicates a price feed read failed, returned a
// non-positive answer, or reported a round older than the freshness window.
var ErrOracleUnavailable = errors.New("sale: price feed unavailable")

// Resolver converts payment assets into a USD-per-unit rate normalised to the
// RateDecimals fixed-point base. It holds one feed per accepted asset and
// queries them fresh on every call.
type Resolver struct {
	nativeFeed PriceFeed
	stableFeed PriceFeed
	maxAge     time.Duration
	nowFn      func() time.Time
}

// NewResolver wires the native/USD and stablecoin/USD feeds. A zero maxAge
// disables freshness checks.
func NewResolver(nativeFeed, stableFeed PriceFeed, maxAge time.Duration) (*Resolver, error) {
	if nativeFeed == nil {
		return nil, fmt.Errorf("sale: native price feed required")
	}
	if stableFeed == nil {
		return nil, fmt.Errorf("sale: stable price feed required")
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return &Resolver{nativeFeed: nativeFeed, stableFeed: stableFeed, maxAge: maxAge, nowFn: time.Now}, nil
}

// SetClock overrides the time source used for freshness checks, primarily for
// deterministic testing.
func (r *Resolver) SetClock(now func() time.Time) {
	if r == nil || now == nil {
		return
	}
	r.nowFn = now
}

// Rate resolves the USD value of one whole unit of the payment asset,
// expressed in the RateDecimals base. Failures abort the settlement; there is
// no retry or cached fallback.
func (r *Resolver) Rate(ctx context.Context, asset PaymentAsset) (*big.Int, error) {
	if r == nil {
		return nil, fmt.Errorf("sale: resolver not configured")
	}
	var feed PriceFeed
	switch asset {
	case AssetNative:
		feed = r.nativeFeed
	case AssetStable:
		feed = r.stableFeed
	default:
		return nil, fmt.Errorf("sale: unsupported payment asset %q", asset)
	}
	round, err := feed.LatestRound(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive answer for %s", ErrOracleUnavailable, asset)
	}
	if r.maxAge > 0 && !round.UpdatedAt.IsZero() {
		if r.nowFn().Sub(round.UpdatedAt) > r.maxAge {
			return nil, fmt.Errorf("%w: round for %s is stale", ErrOracleUnavailable, asset)
		}
	}
	rate := normaliseAnswer(round.Answer, round.Decimals)
	// A feed wider than the base can truncate a small answer to zero.
	if rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: rate for %s vanishes at %d decimals", ErrOracleUnavailable, asset, RateDecimals)
	}
	return rate, nil
}

// normaliseAnswer rescales a feed answer to the RateDecimals base so that all
// downstream arithmetic happens in one integer space.
func normaliseAnswer(answer *big.Int, decimals uint8) *big.Int {
	normalised := new(big.Int).Set(answer)
	if int(decimals) == RateDecimals {
		return normalised
	}
	if int(decimals) < RateDecimals {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(RateDecimals-int(decimals))), nil)
		return normalised.Mul(normalised, scale)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(int(decimals)-RateDecimals)), nil)
	return normalised.Quo(normalised, scale)
}
