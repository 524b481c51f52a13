package state

import (
	"fmt"
	"math/big"
	"strings"

	"tokensale/core/types"
	"tokensale/native/sale"
)

var (
	accountPrefix   = []byte("state/account/")
	allowancePrefix = []byte("state/allowance/")
)

// Manager persists accounts and stablecoin allowances in the underlying
// key-value store. It is the single owner of balance state for deployments
// that settle against the built-in ledgers rather than external ones.
type Manager struct {
	store sale.Storage
}

// NewManager constructs a manager bound to the provided storage backend.
func NewManager(store sale.Storage) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("state: storage backend required")
	}
	return &Manager{store: store}, nil
}

type storedAccount struct {
	Nonce         uint64
	BalanceNative string
	BalanceStable string
	BalanceToken  string
}

// GetAccount loads the account for the supplied address, returning a zeroed
// account when none has been stored yet.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	if m == nil {
		return nil, fmt.Errorf("state: manager not initialised")
	}
	var stored storedAccount
	ok, err := m.store.KVGet(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (&types.Account{}).Normalize(), nil
	}
	account := &types.Account{Nonce: stored.Nonce}
	if account.BalanceNative, err = parseBalance(stored.BalanceNative); err != nil {
		return nil, err
	}
	if account.BalanceStable, err = parseBalance(stored.BalanceStable); err != nil {
		return nil, err
	}
	if account.BalanceToken, err = parseBalance(stored.BalanceToken); err != nil {
		return nil, err
	}
	return account, nil
}

// PutAccount persists the account under the supplied address.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if m == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	normalized := account.Normalize()
	stored := storedAccount{
		Nonce:         normalized.Nonce,
		BalanceNative: normalized.BalanceNative.String(),
		BalanceStable: normalized.BalanceStable.String(),
		BalanceToken:  normalized.BalanceToken.String(),
	}
	return m.store.KVPut(accountKey(addr), stored)
}

// Allowance reports the stablecoin spend the owner has granted the spender.
func (m *Manager) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if m == nil {
		return nil, fmt.Errorf("state: manager not initialised")
	}
	var stored string
	ok, err := m.store.KVGet(allowanceKey(owner, spender), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return parseBalance(stored)
}

// SetAllowance records the stablecoin spend the owner grants the spender.
func (m *Manager) SetAllowance(owner, spender [20]byte, amount *big.Int) error {
	if m == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: allowance must be non-negative")
	}
	return m.store.KVPut(allowanceKey(owner, spender), amount.String())
}

// balanceAsset selects which balance column a transfer touches.
type balanceAsset int

const (
	assetNative balanceAsset = iota
	assetStable
	assetToken
)

// move debits the sender and credits the recipient in one load-modify-store
// sequence. Negative and nil amounts are rejected; zero amounts are no-ops.
func (m *Manager) move(asset balanceAsset, from, to [20]byte, amount *big.Int) error {
	if m == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: transfer amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromAcc, err := m.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := m.GetAccount(to)
	if err != nil {
		return err
	}
	var fromBal, toBal *big.Int
	switch asset {
	case assetNative:
		fromBal, toBal = fromAcc.BalanceNative, toAcc.BalanceNative
	case assetStable:
		fromBal, toBal = fromAcc.BalanceStable, toAcc.BalanceStable
	case assetToken:
		fromBal, toBal = fromAcc.BalanceToken, toAcc.BalanceToken
	default:
		return fmt.Errorf("state: unknown asset %d", asset)
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("state: insufficient balance")
	}
	fromBal.Sub(fromBal, amount)
	toBal.Add(toBal, amount)
	if err := m.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return m.PutAccount(to, toAcc)
}

// Credit mints balance directly onto an account. Used for genesis seeding and
// tests; settlements themselves only ever move existing balance.
func (m *Manager) Credit(asset string, addr [20]byte, amount *big.Int) error {
	if m == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(asset)) {
	case "NATIVE":
		account.BalanceNative.Add(account.BalanceNative, amount)
	case "STABLE":
		account.BalanceStable.Add(account.BalanceStable, amount)
	case "TOKEN":
		account.BalanceToken.Add(account.BalanceToken, amount)
	default:
		return fmt.Errorf("state: unknown asset %q", asset)
	}
	return m.PutAccount(addr, account)
}

func accountKey(addr [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr[:])
	return buf
}

func allowanceKey(owner, spender [20]byte) []byte {
	buf := make([]byte, len(allowancePrefix)+len(owner)+len(spender))
	copy(buf, allowancePrefix)
	copy(buf[len(allowancePrefix):], owner[:])
	copy(buf[len(allowancePrefix)+len(owner):], spender[:])
	return buf
}

func parseBalance(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("state: invalid balance %q", value)
	}
	return parsed, nil
}
