package types

import "math/big"

// Account tracks the balances the sale engine settles against: the native
// chain currency, the stablecoin accepted as payment, and the sale token
// itself. Balances are always non-nil once the account has passed through
// Normalize.
type Account struct {
	Nonce         uint64   `json:"nonce"`
	BalanceNative *big.Int `json:"balanceNative"`
	BalanceStable *big.Int `json:"balanceStable"`
	BalanceToken  *big.Int `json:"balanceToken"`
}

// Normalize replaces nil balances with zero values so callers can operate on
// the account without nil checks at every arithmetic step.
func (a *Account) Normalize() *Account {
	if a == nil {
		return &Account{
			BalanceNative: big.NewInt(0),
			BalanceStable: big.NewInt(0),
			BalanceToken:  big.NewInt(0),
		}
	}
	if a.BalanceNative == nil {
		a.BalanceNative = big.NewInt(0)
	}
	if a.BalanceStable == nil {
		a.BalanceStable = big.NewInt(0)
	}
	if a.BalanceToken == nil {
		a.BalanceToken = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy so callers cannot mutate shared balance pointers.
func (a *Account) Clone() *Account {
	normalized := a.Normalize()
	return &Account{
		Nonce:         normalized.Nonce,
		BalanceNative: new(big.Int).Set(normalized.BalanceNative),
		BalanceStable: new(big.Int).Set(normalized.BalanceStable),
		BalanceToken:  new(big.Int).Set(normalized.BalanceToken),
	}
}
