package sale

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"tokensale/core/events"
)

type mockLedgers struct {
	native     map[[20]byte]*big.Int
	stable     map[[20]byte]*big.Int
	token      map[[20]byte]*big.Int
	allowances map[[40]byte]*big.Int
	vault      [20]byte

	failTokenTransfer bool
	failStablePayTo   *[20]byte
}

func newMockLedgers(vault [20]byte) *mockLedgers {
	return &mockLedgers{
		native:     make(map[[20]byte]*big.Int),
		stable:     make(map[[20]byte]*big.Int),
		token:      make(map[[20]byte]*big.Int),
		allowances: make(map[[40]byte]*big.Int),
		vault:      vault,
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func allowKey(owner, spender [20]byte) [40]byte {
	var key [40]byte
	copy(key[:20], owner[:])
	copy(key[20:], spender[:])
	return key
}

func balance(m map[[20]byte]*big.Int, addr [20]byte) *big.Int {
	if v, ok := m[addr]; ok {
		return v
	}
	zero := big.NewInt(0)
	m[addr] = zero
	return zero
}

func moveBalance(m map[[20]byte]*big.Int, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("negative amount")
	}
	fromBal := balance(m, from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	m[from] = new(big.Int).Sub(fromBal, amount)
	m[to] = new(big.Int).Add(balance(m, to), amount)
	return nil
}

type tokenView struct{ m *mockLedgers }

func (v tokenView) Transfer(to [20]byte, amount *big.Int) (bool, error) {
	if v.m.failTokenTransfer {
		return false, fmt.Errorf("token ledger down")
	}
	if err := moveBalance(v.m.token, v.m.vault, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (v tokenView) TransferFrom(owner [20]byte, amount *big.Int) (bool, error) {
	if err := moveBalance(v.m.token, owner, v.m.vault, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (v tokenView) BalanceOf(account [20]byte) (*big.Int, error) {
	return new(big.Int).Set(balance(v.m.token, account)), nil
}

type stableView struct{ m *mockLedgers }

func (v stableView) Transfer(to [20]byte, amount *big.Int) (bool, error) {
	if v.m.failStablePayTo != nil && *v.m.failStablePayTo == to {
		return false, fmt.Errorf("stable ledger down")
	}
	if err := moveBalance(v.m.stable, v.m.vault, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (v stableView) TransferFrom(owner, to [20]byte, amount *big.Int) (bool, error) {
	key := allowKey(owner, v.m.vault)
	allowance := v.m.allowances[key]
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return false, fmt.Errorf("allowance exceeded")
	}
	if err := moveBalance(v.m.stable, owner, to, amount); err != nil {
		return false, err
	}
	v.m.allowances[key] = new(big.Int).Sub(allowance, amount)
	return true, nil
}

func (v stableView) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if allowance := v.m.allowances[allowKey(owner, spender)]; allowance != nil {
		return new(big.Int).Set(allowance), nil
	}
	return big.NewInt(0), nil
}

type nativeView struct{ m *mockLedgers }

func (v nativeView) Transfer(from, to [20]byte, amount *big.Int) error {
	return moveBalance(v.m.native, from, to, amount)
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(event events.Event) {
	c.events = append(c.events, event)
}

var (
	testVault       = newTestAddress(0xAA)
	testBeneficiary = newTestAddress(0xBB)
	testPayer       = newTestAddress(0x11)
)

func unit(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), TokenUnit())
}

type testEnv struct {
	engine  *Engine
	ledgers *mockLedgers
	native  *ManualFeed
	stable  *ManualFeed
	emitted *captureEmitter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ledgers := newMockLedgers(testVault)
	// 1 native unit = 1 USD = 1 token; answers use an 8 decimal feed scale.
	nativeFeed := NewManualFeed()
	nativeFeed.Set(big.NewInt(100_000_000), 8, time.Now())
	stableFeed := NewManualFeed()
	stableFeed.Set(big.NewInt(100_000_000), 8, time.Now())
	resolver, err := NewResolver(nativeFeed, stableFeed, 0)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	gateway, err := NewGateway(tokenView{ledgers}, stableView{ledgers}, nativeView{ledgers}, testVault)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	cfg := Config{
		SaleToken:   newTestAddress(0x01),
		StableToken: newTestAddress(0x02),
		Vault:       testVault,
		Beneficiary: testBeneficiary,
	}
	engine, err := NewEngine(cfg, resolver, gateway)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	emitted := &captureEmitter{}
	engine.SetEmitter(emitted)

	ledgers.token[testVault] = unit(500)
	ledgers.native[testPayer] = unit(100)
	ledgers.stable[testPayer] = unit(100)
	ledgers.native[testVault] = big.NewInt(0)
	ledgers.native[testBeneficiary] = big.NewInt(0)
	ledgers.stable[testBeneficiary] = big.NewInt(0)
	ledgers.token[testPayer] = big.NewInt(0)
	return &testEnv{engine: engine, ledgers: ledgers, native: nativeFeed, stable: stableFeed, emitted: emitted}
}

func TestBuyTokensIssuesTokens(t *testing.T) {
	env := newTestEnv(t)
	poolBefore := new(big.Int).Set(env.ledgers.token[testVault])

	result, err := env.engine.BuyTokens(context.Background(), testPayer, unit(1))
	if err != nil {
		t.Fatalf("buy tokens: %v", err)
	}
	if result.TokensIssued.Cmp(unit(1)) != 0 {
		t.Fatalf("expected 1e18 tokens issued, got %s", result.TokensIssued)
	}
	if result.Refund.Sign() != 0 {
		t.Fatalf("unexpected refund %s", result.Refund)
	}
	poolAfter := env.ledgers.token[testVault]
	if new(big.Int).Sub(poolBefore, poolAfter).Cmp(result.TokensIssued) != 0 {
		t.Fatalf("pool did not decrease by issued amount")
	}
	if env.ledgers.token[testPayer].Cmp(unit(1)) != 0 {
		t.Fatalf("payer token balance = %s, want 1e18", env.ledgers.token[testPayer])
	}
	if env.ledgers.native[testBeneficiary].Cmp(unit(1)) != 0 {
		t.Fatalf("beneficiary received %s, want full payment", env.ledgers.native[testBeneficiary])
	}
	if len(env.emitted.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(env.emitted.events))
	}
	bought, ok := env.emitted.events[0].(Bought)
	if !ok {
		t.Fatalf("expected Bought event, got %T", env.emitted.events[0])
	}
	if bought.Buyer != testPayer {
		t.Fatalf("event buyer mismatch")
	}
	if bought.Amount.Cmp(unit(1)) != 0 {
		t.Fatalf("event amount = %s, want 1e18", bought.Amount)
	}
}

func TestBuyTokensRefundsOverpayment(t *testing.T) {
	env := newTestEnv(t)
	env.ledgers.token[testVault] = unit(10)
	payerBefore := new(big.Int).Set(env.ledgers.native[testPayer])

	paid := unit(20)
	result, err := env.engine.BuyTokens(context.Background(), testPayer, paid)
	if err != nil {
		t.Fatalf("buy tokens: %v", err)
	}
	if result.TokensIssued.Cmp(unit(10)) != 0 {
		t.Fatalf("expected capped issuance of 10e18, got %s", result.TokensIssued)
	}
	if result.Refund.Sign() <= 0 || result.Refund.Cmp(paid) >= 0 {
		t.Fatalf("refund %s out of range", result.Refund)
	}
	forwarded := new(big.Int).Sub(paid, result.Refund)
	if env.ledgers.native[testBeneficiary].Cmp(forwarded) != 0 {
		t.Fatalf("beneficiary received %s, want %s", env.ledgers.native[testBeneficiary], forwarded)
	}
	spent := new(big.Int).Sub(payerBefore, env.ledgers.native[testPayer])
	if spent.Cmp(forwarded) != 0 {
		t.Fatalf("payer net spend %s, want %s", spent, forwarded)
	}
	if env.ledgers.token[testVault].Sign() != 0 {
		t.Fatalf("pool should be exhausted, has %s", env.ledgers.token[testVault])
	}
}

func TestBuyTokensZeroPayment(t *testing.T) {
	env := newTestEnv(t)
	poolBefore := new(big.Int).Set(env.ledgers.token[testVault])
	payerBefore := new(big.Int).Set(env.ledgers.native[testPayer])

	if _, err := env.engine.BuyTokens(context.Background(), testPayer, big.NewInt(0)); !errors.Is(err, ErrZeroPayment) {
		t.Fatalf("expected ErrZeroPayment, got %v", err)
	}
	if env.ledgers.token[testVault].Cmp(poolBefore) != 0 {
		t.Fatalf("pool changed on failed purchase")
	}
	if env.ledgers.native[testPayer].Cmp(payerBefore) != 0 {
		t.Fatalf("payer balance changed on failed purchase")
	}
	if len(env.emitted.events) != 0 {
		t.Fatalf("no event should be emitted on failure")
	}
}

func TestBuyTokensOracleUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.native.Set(big.NewInt(0), 8, time.Now())

	_, err := env.engine.BuyTokens(context.Background(), testPayer, unit(1))
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
	if env.ledgers.native[testBeneficiary].Sign() != 0 {
		t.Fatalf("beneficiary credited despite oracle failure")
	}
}

func TestBuyTokensPoolExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.ledgers.token[testVault] = big.NewInt(0)

	_, err := env.engine.BuyTokens(context.Background(), testPayer, unit(1))
	if !errors.Is(err, ErrInsufficientSaleBalance) {
		t.Fatalf("expected ErrInsufficientSaleBalance, got %v", err)
	}
}

func TestBuyTokensRollbackOnTokenFailure(t *testing.T) {
	env := newTestEnv(t)
	env.ledgers.failTokenTransfer = true
	payerBefore := new(big.Int).Set(env.ledgers.native[testPayer])

	_, err := env.engine.BuyTokens(context.Background(), testPayer, unit(1))
	if err == nil {
		t.Fatalf("expected failure when token ledger is down")
	}
	if env.ledgers.native[testPayer].Cmp(payerBefore) != 0 {
		t.Fatalf("payer native balance not restored: %s", env.ledgers.native[testPayer])
	}
	if env.ledgers.native[testBeneficiary].Sign() != 0 {
		t.Fatalf("beneficiary kept funds after rollback: %s", env.ledgers.native[testBeneficiary])
	}
	if env.ledgers.native[testVault].Sign() != 0 {
		t.Fatalf("vault kept escrow after rollback: %s", env.ledgers.native[testVault])
	}
}

func TestBuyTokensForStable(t *testing.T) {
	env := newTestEnv(t)
	env.ledgers.allowances[allowKey(testPayer, testVault)] = unit(1000)

	result, err := env.engine.BuyTokensForStable(context.Background(), testPayer, unit(1))
	if err != nil {
		t.Fatalf("buy tokens for stable: %v", err)
	}
	if result.TokensIssued.Cmp(unit(1)) != 0 {
		t.Fatalf("expected 1e18 tokens, got %s", result.TokensIssued)
	}
	if env.ledgers.stable[testBeneficiary].Cmp(unit(1)) != 0 {
		t.Fatalf("beneficiary stable balance = %s, want 1e18", env.ledgers.stable[testBeneficiary])
	}
	if env.ledgers.token[testPayer].Cmp(unit(1)) != 0 {
		t.Fatalf("payer token balance = %s, want 1e18", env.ledgers.token[testPayer])
	}
}

func TestBuyTokensForStableRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	stableBefore := new(big.Int).Set(env.ledgers.stable[testPayer])
	poolBefore := new(big.Int).Set(env.ledgers.token[testVault])

	_, err := env.engine.BuyTokensForStable(context.Background(), testPayer, unit(1))
	if !errors.Is(err, ErrAllowanceInsufficient) {
		t.Fatalf("expected ErrAllowanceInsufficient, got %v", err)
	}
	if env.ledgers.stable[testPayer].Cmp(stableBefore) != 0 {
		t.Fatalf("stable balance changed on failed purchase")
	}
	if env.ledgers.token[testVault].Cmp(poolBefore) != 0 {
		t.Fatalf("pool changed on failed purchase")
	}
}

func TestBuyTokensForStableRollbackOnPayoutFailure(t *testing.T) {
	env := newTestEnv(t)
	env.ledgers.allowances[allowKey(testPayer, testVault)] = unit(1000)
	env.ledgers.failStablePayTo = &testBeneficiary
	stableBefore := new(big.Int).Set(env.ledgers.stable[testPayer])
	poolBefore := new(big.Int).Set(env.ledgers.token[testVault])

	_, err := env.engine.BuyTokensForStable(context.Background(), testPayer, unit(1))
	if err == nil {
		t.Fatalf("expected failure when beneficiary payout is rejected")
	}
	if env.ledgers.stable[testPayer].Cmp(stableBefore) != 0 {
		t.Fatalf("payer stable balance not restored: %s", env.ledgers.stable[testPayer])
	}
	if env.ledgers.token[testVault].Cmp(poolBefore) != 0 {
		t.Fatalf("pool not restored: %s", env.ledgers.token[testVault])
	}
	if env.ledgers.token[testPayer].Sign() != 0 {
		t.Fatalf("payer kept tokens after rollback: %s", env.ledgers.token[testPayer])
	}
}

func TestSellTokensRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.ledgers.allowances[allowKey(testPayer, testVault)] = unit(1000)
	env.ledgers.stable[testVault] = unit(1000)
	paid := unit(1)

	bought, err := env.engine.BuyTokensForStable(context.Background(), testPayer, paid)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	result, err := env.engine.SellTokens(context.Background(), testPayer, bought.TokensIssued)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if result.Payout.Cmp(paid) > 0 {
		t.Fatalf("round trip payout %s exceeds original payment %s", result.Payout, paid)
	}
	if env.ledgers.token[testPayer].Sign() != 0 {
		t.Fatalf("seller kept tokens after redemption")
	}
	sold, ok := env.emitted.events[len(env.emitted.events)-1].(Sold)
	if !ok {
		t.Fatalf("expected Sold event, got %T", env.emitted.events[len(env.emitted.events)-1])
	}
	if sold.Seller != testPayer {
		t.Fatalf("event seller mismatch")
	}
	if sold.Amount.Cmp(bought.TokensIssued) != 0 {
		t.Fatalf("event amount = %s, want %s", sold.Amount, bought.TokensIssued)
	}
}

type failingStorage struct {
	*memStorage
	failPut bool
}

func (f *failingStorage) KVPut(key []byte, value interface{}) error {
	if f.failPut {
		return fmt.Errorf("disk full")
	}
	return f.memStorage.KVPut(key, value)
}

func TestSellTokensRollbackOnReceiptFailure(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetReceipts(NewReceiptLedger(&failingStorage{memStorage: newMemStorage(), failPut: true}))
	env.ledgers.token[testPayer] = unit(5)
	env.ledgers.stable[testVault] = unit(1000)
	stableBefore := new(big.Int).Set(env.ledgers.stable[testPayer])

	_, err := env.engine.SellTokens(context.Background(), testPayer, unit(1))
	if err == nil {
		t.Fatalf("expected failure when the receipt cannot be written")
	}
	if env.ledgers.token[testPayer].Cmp(unit(5)) != 0 {
		t.Fatalf("seller tokens not restored: %s", env.ledgers.token[testPayer])
	}
	if env.ledgers.stable[testPayer].Cmp(stableBefore) != 0 {
		t.Fatalf("seller received payout from failed sell: %s", env.ledgers.stable[testPayer])
	}
	if env.ledgers.token[testVault].Cmp(unit(500)) != 0 {
		t.Fatalf("pool not restored: %s", env.ledgers.token[testVault])
	}
}

func TestSellTokensPayoutFailureRemovesReceipt(t *testing.T) {
	env := newTestEnv(t)
	ledger := NewReceiptLedger(newMemStorage())
	env.engine.SetReceipts(ledger)
	env.ledgers.token[testPayer] = unit(5)
	env.ledgers.stable[testVault] = unit(1000)
	env.ledgers.failStablePayTo = &testPayer

	_, err := env.engine.SellTokens(context.Background(), testPayer, unit(1))
	if err == nil {
		t.Fatalf("expected failure when the payout is rejected")
	}
	if env.ledgers.token[testPayer].Cmp(unit(5)) != 0 {
		t.Fatalf("seller tokens not restored: %s", env.ledgers.token[testPayer])
	}
	page, _, err := ledger.List(0, 0, [32]byte{}, 10)
	if err != nil {
		t.Fatalf("list receipts: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("failed sell left %d receipt(s) behind", len(page))
	}
}

func TestSellTokensSameSecondSettlements(t *testing.T) {
	env := newTestEnv(t)
	ledger := NewReceiptLedger(newMemStorage())
	env.engine.SetReceipts(ledger)
	env.engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	env.ledgers.token[testPayer] = unit(5)
	env.ledgers.stable[testVault] = unit(1000)

	for i := 0; i < 2; i++ {
		if _, err := env.engine.SellTokens(context.Background(), testPayer, unit(1)); err != nil {
			t.Fatalf("sell %d: %v", i+1, err)
		}
	}
	page, _, err := ledger.List(0, 0, [32]byte{}, 10)
	if err != nil {
		t.Fatalf("list receipts: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 receipts for identical same-second sells, got %d", len(page))
	}
}

func TestSellTokensVanishingRate(t *testing.T) {
	env := newTestEnv(t)
	// 5 units at 20 decimals truncates to a zero rate in the 18 decimal base.
	env.stable.Set(big.NewInt(5), 20, time.Now())
	env.ledgers.token[testPayer] = unit(5)

	_, err := env.engine.SellTokens(context.Background(), testPayer, unit(1))
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable for vanishing rate, got %v", err)
	}
	if env.ledgers.token[testPayer].Cmp(unit(5)) != 0 {
		t.Fatalf("tokens moved despite rate failure: %s", env.ledgers.token[testPayer])
	}
}

type reentrantEmitter struct {
	engine *Engine
	err    error
}

func (r *reentrantEmitter) Emit(events.Event) {
	_, r.err = r.engine.BuyTokens(context.Background(), testPayer, unit(1))
}

func TestReentrantSettlementRejected(t *testing.T) {
	env := newTestEnv(t)
	reentrant := &reentrantEmitter{engine: env.engine}
	env.engine.SetEmitter(reentrant)

	if _, err := env.engine.BuyTokens(context.Background(), testPayer, unit(1)); err != nil {
		t.Fatalf("outer buy: %v", err)
	}
	if !errors.Is(reentrant.err, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall from nested settlement, got %v", reentrant.err)
	}
}

func TestQuotePreviewsWithoutTransfers(t *testing.T) {
	env := newTestEnv(t)
	poolBefore := new(big.Int).Set(env.ledgers.token[testVault])

	tokens, err := env.engine.Quote(context.Background(), AssetNative, unit(3))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if tokens.Cmp(unit(3)) != 0 {
		t.Fatalf("quote = %s, want 3e18", tokens)
	}
	if env.ledgers.token[testVault].Cmp(poolBefore) != 0 {
		t.Fatalf("quote moved balances")
	}
}
