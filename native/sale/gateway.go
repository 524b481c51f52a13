package sale

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrTransferFailed indicates an underlying ledger rejected a transfer.
	ErrTransferFailed = errors.New("sale: ledger transfer failed")
	// ErrAllowanceInsufficient indicates the payer has not approved the vault
	// to spend enough stablecoin for the requested purchase.
	ErrAllowanceInsufficient = errors.New("sale: spending tokens are not allowed")
)

// SaleTokenLedger is the interface the engine requires from the sale token's
// external ledger. Transfer moves tokens out of the sale pool; TransferFrom
// pulls tokens back into it (redemptions and compensating rollbacks).
type SaleTokenLedger interface {
	Transfer(to [20]byte, amount *big.Int) (bool, error)
	TransferFrom(owner [20]byte, amount *big.Int) (bool, error)
	BalanceOf(account [20]byte) (*big.Int, error)
}

// StableTokenLedger is the interface the engine requires from the stablecoin
// ledger. Transfer spends from the vault's own stable balance; TransferFrom
// spends the owner's balance against the allowance granted to the vault.
type StableTokenLedger interface {
	Transfer(to [20]byte, amount *big.Int) (bool, error)
	TransferFrom(owner, to [20]byte, amount *big.Int) (bool, error)
	Allowance(owner, spender [20]byte) (*big.Int, error)
}

// NativeLedger moves native-currency balances between accounts.
type NativeLedger interface {
	Transfer(from, to [20]byte, amount *big.Int) error
}

// Gateway is the thin adapter in front of the external ledgers. It validates
// preconditions and surfaces failures as typed errors; it owns no balance
// state of its own.
type Gateway struct {
	token  SaleTokenLedger
	stable StableTokenLedger
	native NativeLedger
	vault  [20]byte
}

// NewGateway wires the three external ledgers behind one adapter. The vault is
// the account that holds the sale pool and acts as the allowance spender.
func NewGateway(token SaleTokenLedger, stable StableTokenLedger, native NativeLedger, vault [20]byte) (*Gateway, error) {
	if token == nil {
		return nil, fmt.Errorf("sale: sale token ledger required")
	}
	if stable == nil {
		return nil, fmt.Errorf("sale: stable token ledger required")
	}
	if native == nil {
		return nil, fmt.Errorf("sale: native ledger required")
	}
	if vault == ([20]byte{}) {
		return nil, fmt.Errorf("sale: vault account required")
	}
	return &Gateway{token: token, stable: stable, native: native, vault: vault}, nil
}

// PoolBalance reports the sale tokens remaining in the vault.
func (g *Gateway) PoolBalance() (*big.Int, error) {
	if g == nil {
		return nil, fmt.Errorf("sale: gateway not configured")
	}
	balance, err := g.token.BalanceOf(g.vault)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// TransferTokens moves sale tokens from the pool to the recipient.
func (g *Gateway) TransferTokens(to [20]byte, amount *big.Int) error {
	ok, err := g.token.Transfer(to, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: sale token transfer rejected", ErrTransferFailed)
	}
	return nil
}

// PullTokens moves sale tokens from the owner back into the pool.
func (g *Gateway) PullTokens(owner [20]byte, amount *big.Int) error {
	ok, err := g.token.TransferFrom(owner, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: sale token pull rejected", ErrTransferFailed)
	}
	return nil
}

// StableAllowance reports how much stablecoin the owner has approved the vault
// to spend.
func (g *Gateway) StableAllowance(owner [20]byte) (*big.Int, error) {
	allowance, err := g.stable.Allowance(owner, g.vault)
	if err != nil {
		return nil, err
	}
	if allowance == nil {
		return big.NewInt(0), nil
	}
	return allowance, nil
}

// PullStable spends the owner's stablecoin against the vault allowance,
// delivering it to the recipient. The allowance is validated before the
// ledger call so shortfalls surface as a typed error rather than a ledger
// rejection.
func (g *Gateway) PullStable(owner, to [20]byte, amount *big.Int) error {
	allowance, err := g.StableAllowance(owner)
	if err != nil {
		return err
	}
	if amount == nil || allowance.Cmp(amount) < 0 {
		return ErrAllowanceInsufficient
	}
	ok, err := g.stable.TransferFrom(owner, to, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: stable transfer-from rejected", ErrTransferFailed)
	}
	return nil
}

// PayStable spends from the vault's own stable reserve.
func (g *Gateway) PayStable(to [20]byte, amount *big.Int) error {
	ok, err := g.stable.Transfer(to, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: stable transfer rejected", ErrTransferFailed)
	}
	return nil
}

// MoveNative shifts native currency between accounts.
func (g *Gateway) MoveNative(from, to [20]byte, amount *big.Int) error {
	if err := g.native.Transfer(from, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// Vault exposes the configured vault account.
func (g *Gateway) Vault() [20]byte { return g.vault }
