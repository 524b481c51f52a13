package sale

import (
	"fmt"
	"math/big"
)

// PaymentAsset enumerates the asset forms the engine accepts as payment.
type PaymentAsset string

const (
	// AssetNative identifies payments made in the native chain currency.
	AssetNative PaymentAsset = "NATIVE"
	// AssetStable identifies payments made in the accepted stablecoin.
	AssetStable PaymentAsset = "STABLE"
)

// RateDecimals is the fixed-point base every resolved rate is normalised to.
// Keeping both oracle feeds on one base avoids order-dependent rounding.
const RateDecimals = 18

// TokenUnit returns the smallest-unit scale of the sale token (10^18).
func TokenUnit() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(RateDecimals), nil)
}

// Config carries the identities fixed at engine construction: the two token
// ledgers being settled against, the vault account that holds the sale pool
// and escrows in-flight funds, and the beneficiary that receives proceeds.
// All fields must be non-zero for the lifetime of the engine.
type Config struct {
	SaleToken   [20]byte
	StableToken [20]byte
	Vault       [20]byte
	Beneficiary [20]byte
}

// Validate rejects configurations with unset identities.
func (c Config) Validate() error {
	zero := [20]byte{}
	switch {
	case c.SaleToken == zero:
		return fmt.Errorf("sale: config sale token required")
	case c.StableToken == zero:
		return fmt.Errorf("sale: config stable token required")
	case c.Vault == zero:
		return fmt.Errorf("sale: config vault required")
	case c.Beneficiary == zero:
		return fmt.Errorf("sale: config beneficiary required")
	}
	return nil
}

// SettlementResult reports the outcome of a successful purchase.
type SettlementResult struct {
	Buyer        [20]byte
	TokensIssued *big.Int
	Refund       *big.Int
}

// RedemptionResult reports the outcome of a successful token redemption.
type RedemptionResult struct {
	Seller [20]byte
	Payout *big.Int
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
