package state

import (
	"fmt"
	"math/big"
)

// TokenLedger adapts the manager's sale-token balances to the engine's
// SaleTokenLedger interface. Transfers originate from the bound pool account.
type TokenLedger struct {
	mgr  *Manager
	pool [20]byte
}

// NewTokenLedger binds the sale-token ledger view to the pool account.
func NewTokenLedger(mgr *Manager, pool [20]byte) (*TokenLedger, error) {
	if mgr == nil {
		return nil, fmt.Errorf("state: manager required")
	}
	if pool == ([20]byte{}) {
		return nil, fmt.Errorf("state: pool account required")
	}
	return &TokenLedger{mgr: mgr, pool: pool}, nil
}

// Transfer moves sale tokens from the pool to the recipient.
func (l *TokenLedger) Transfer(to [20]byte, amount *big.Int) (bool, error) {
	if err := l.mgr.move(assetToken, l.pool, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

// TransferFrom pulls sale tokens from the owner back into the pool.
func (l *TokenLedger) TransferFrom(owner [20]byte, amount *big.Int) (bool, error) {
	if err := l.mgr.move(assetToken, owner, l.pool, amount); err != nil {
		return false, err
	}
	return true, nil
}

// BalanceOf reports the sale-token balance of an account.
func (l *TokenLedger) BalanceOf(account [20]byte) (*big.Int, error) {
	acc, err := l.mgr.GetAccount(account)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.BalanceToken), nil
}

// StableLedger adapts the manager's stablecoin balances to the engine's
// StableTokenLedger interface. The bound vault is both the reserve account
// for Transfer and the spender whose allowance TransferFrom consumes.
type StableLedger struct {
	mgr   *Manager
	vault [20]byte
}

// NewStableLedger binds the stablecoin ledger view to the vault account.
func NewStableLedger(mgr *Manager, vault [20]byte) (*StableLedger, error) {
	if mgr == nil {
		return nil, fmt.Errorf("state: manager required")
	}
	if vault == ([20]byte{}) {
		return nil, fmt.Errorf("state: vault account required")
	}
	return &StableLedger{mgr: mgr, vault: vault}, nil
}

// Transfer spends from the vault's stable reserve.
func (l *StableLedger) Transfer(to [20]byte, amount *big.Int) (bool, error) {
	if err := l.mgr.move(assetStable, l.vault, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

// TransferFrom spends the owner's stablecoin against the allowance granted to
// the vault, decrementing the allowance on success.
func (l *StableLedger) TransferFrom(owner, to [20]byte, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() < 0 {
		return false, fmt.Errorf("state: transfer amount must be non-negative")
	}
	allowance, err := l.mgr.Allowance(owner, l.vault)
	if err != nil {
		return false, err
	}
	if allowance.Cmp(amount) < 0 {
		return false, fmt.Errorf("state: allowance exceeded")
	}
	if err := l.mgr.move(assetStable, owner, to, amount); err != nil {
		return false, err
	}
	remaining := new(big.Int).Sub(allowance, amount)
	if err := l.mgr.SetAllowance(owner, l.vault, remaining); err != nil {
		return false, err
	}
	return true, nil
}

// Allowance reports the stablecoin spend the owner granted the spender.
func (l *StableLedger) Allowance(owner, spender [20]byte) (*big.Int, error) {
	return l.mgr.Allowance(owner, spender)
}

// NativeLedger adapts the manager's native balances to the engine's
// NativeLedger interface.
type NativeLedger struct {
	mgr *Manager
}

// NewNativeLedger wraps the manager's native-currency balance column.
func NewNativeLedger(mgr *Manager) (*NativeLedger, error) {
	if mgr == nil {
		return nil, fmt.Errorf("state: manager required")
	}
	return &NativeLedger{mgr: mgr}, nil
}

// Transfer moves native currency between accounts.
func (l *NativeLedger) Transfer(from, to [20]byte, amount *big.Int) error {
	return l.mgr.move(assetNative, from, to, amount)
}
