package sale

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"tokensale/core/events"
)

var (
	// ErrZeroPayment indicates the payment (or the token amount it buys)
	// works out to zero.
	ErrZeroPayment = errors.New("sale: amount of tokens can't be 0")
	// ErrInsufficientSaleBalance indicates the sale pool cannot cover the
	// requested purchase.
	ErrInsufficientSaleBalance = errors.New("sale: sale pool exhausted")
	// ErrReentrantCall indicates a settlement was attempted while a prior
	// call on the same engine was still unresolved.
	ErrReentrantCall = errors.New("sale: settlement already in progress")

	errNilResolver = errors.New("sale engine: resolver not configured")
	errNilGateway  = errors.New("sale engine: gateway not configured")
)

// Engine is the settlement executor. Every call is a single atomic step:
// validate, resolve price, compute, transfer, emit. Ledger mutations register
// compensating actions in a per-call journal so a failure part-way through
// unwinds every prior effect before the error is surfaced.
type Engine struct {
	cfg      Config
	resolver *Resolver
	gateway  *Gateway
	receipts *ReceiptLedger
	emitter  events.Emitter
	nowFn    func() int64
	// seq disambiguates receipts minted in the same second; mutated only
	// under guard.
	seq uint64

	// guard serialises settlements; a held lock fails the call outright
	// rather than queueing, preserving the non-reentrancy invariant.
	guard sync.Mutex
}

// NewEngine constructs a settlement engine over the supplied resolver and
// gateway. Events are discarded until an emitter is configured.
func NewEngine(cfg Config, resolver *Resolver, gateway *Gateway) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if resolver == nil {
		return nil, errNilResolver
	}
	if gateway == nil {
		return nil, errNilGateway
	}
	return &Engine{
		cfg:      cfg,
		resolver: resolver,
		gateway:  gateway,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetReceipts attaches a receipt ledger recording every settlement.
func (e *Engine) SetReceipts(ledger *ReceiptLedger) {
	e.receipts = ledger
}

// SetNowFunc overrides the time source used for receipt timestamps.
// Primarily intended for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// journal accumulates compensating actions for the ledger mutations performed
// during one settlement. revert unwinds them in reverse order.
type journal struct {
	undos []func() error
}

func (j *journal) record(undo func() error) {
	j.undos = append(j.undos, undo)
}

func (j *journal) revert() error {
	var failed error
	for i := len(j.undos) - 1; i >= 0; i-- {
		if err := j.undos[i](); err != nil && failed == nil {
			failed = err
		}
	}
	return failed
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// abort unwinds the journal and decorates the cause with any rollback failure.
func abort(j *journal, cause error) error {
	if err := j.revert(); err != nil {
		return fmt.Errorf("%w (rollback: %v)", cause, err)
	}
	return cause
}

// BuyTokens settles a native-currency purchase. The payment is escrowed in
// the vault, converted at the freshly resolved native/USD rate, and any
// excess beyond what the remaining pool can honour is refunded to the payer.
func (e *Engine) BuyTokens(ctx context.Context, payer [20]byte, paymentAmount *big.Int) (*SettlementResult, error) {
	if e == nil {
		return nil, errNilGateway
	}
	if !e.guard.TryLock() {
		return nil, ErrReentrantCall
	}
	defer e.guard.Unlock()

	if paymentAmount == nil || paymentAmount.Sign() <= 0 {
		return nil, ErrZeroPayment
	}
	paid := cloneBigInt(paymentAmount)

	rate, err := e.resolver.Rate(ctx, AssetNative)
	if err != nil {
		return nil, err
	}
	unit := TokenUnit()
	owed := new(big.Int).Mul(paid, rate)
	owed.Quo(owed, unit)
	if owed.Sign() == 0 {
		return nil, ErrZeroPayment
	}

	// The pool read and the eventual transfer happen under the same guard,
	// so the capping decision cannot race a concurrent settlement.
	pool, err := e.gateway.PoolBalance()
	if err != nil {
		return nil, err
	}
	if pool.Sign() == 0 {
		return nil, ErrInsufficientSaleBalance
	}
	refund := big.NewInt(0)
	if owed.Cmp(pool) > 0 {
		owed = new(big.Int).Set(pool)
		effective := ceilDiv(new(big.Int).Mul(owed, unit), rate)
		if effective.Cmp(paid) > 0 {
			effective = new(big.Int).Set(paid)
		}
		refund = new(big.Int).Sub(paid, effective)
	}
	forwarded := new(big.Int).Sub(paid, refund)

	j := &journal{}
	vault := e.gateway.Vault()
	if err := e.gateway.MoveNative(payer, vault, paid); err != nil {
		return nil, err
	}
	j.record(func() error { return e.gateway.MoveNative(vault, payer, paid) })
	if forwarded.Sign() > 0 {
		if err := e.gateway.MoveNative(vault, e.cfg.Beneficiary, forwarded); err != nil {
			return nil, abort(j, err)
		}
		j.record(func() error { return e.gateway.MoveNative(e.cfg.Beneficiary, vault, forwarded) })
	}
	if refund.Sign() > 0 {
		if err := e.gateway.MoveNative(vault, payer, refund); err != nil {
			return nil, abort(j, err)
		}
		j.record(func() error { return e.gateway.MoveNative(payer, vault, refund) })
	}
	if err := e.gateway.TransferTokens(payer, owed); err != nil {
		return nil, abort(j, err)
	}
	j.record(func() error { return e.gateway.PullTokens(payer, owed) })

	if err := e.recordReceipt(j, ReceiptKindBuy, AssetNative, payer, paid, owed, refund, nil, rate); err != nil {
		return nil, abort(j, err)
	}

	e.emit(Bought{Buyer: payer, Amount: cloneBigInt(owed), Refund: cloneBigInt(refund), Asset: AssetNative})
	return &SettlementResult{Buyer: payer, TokensIssued: owed, Refund: refund}, nil
}

// BuyTokensForStable settles a stablecoin purchase. The exact payment is
// pulled against the vault allowance; there is no refund path because no
// excess value accompanies the call.
func (e *Engine) BuyTokensForStable(ctx context.Context, payer [20]byte, paymentAmount *big.Int) (*SettlementResult, error) {
	if e == nil {
		return nil, errNilGateway
	}
	if !e.guard.TryLock() {
		return nil, ErrReentrantCall
	}
	defer e.guard.Unlock()

	if paymentAmount == nil || paymentAmount.Sign() <= 0 {
		return nil, ErrZeroPayment
	}
	paid := cloneBigInt(paymentAmount)

	allowance, err := e.gateway.StableAllowance(payer)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(paid) < 0 {
		return nil, ErrAllowanceInsufficient
	}

	rate, err := e.resolver.Rate(ctx, AssetStable)
	if err != nil {
		return nil, err
	}
	unit := TokenUnit()
	owed := new(big.Int).Mul(paid, rate)
	owed.Quo(owed, unit)
	if owed.Sign() == 0 {
		return nil, ErrZeroPayment
	}

	pool, err := e.gateway.PoolBalance()
	if err != nil {
		return nil, err
	}
	if pool.Cmp(owed) < 0 {
		return nil, ErrInsufficientSaleBalance
	}

	j := &journal{}
	vault := e.gateway.Vault()
	if err := e.gateway.PullStable(payer, vault, paid); err != nil {
		return nil, err
	}
	j.record(func() error { return e.gateway.PayStable(payer, paid) })
	if err := e.gateway.TransferTokens(payer, owed); err != nil {
		return nil, abort(j, err)
	}
	j.record(func() error { return e.gateway.PullTokens(payer, owed) })
	if err := e.recordReceipt(j, ReceiptKindBuy, AssetStable, payer, paid, owed, nil, nil, rate); err != nil {
		return nil, abort(j, err)
	}
	// The beneficiary payout cannot be clawed back through the ledger
	// interfaces, so it settles only after every revocable step.
	if err := e.gateway.PayStable(e.cfg.Beneficiary, paid); err != nil {
		return nil, abort(j, err)
	}

	e.emit(Bought{Buyer: payer, Amount: cloneBigInt(owed), Refund: big.NewInt(0), Asset: AssetStable})
	return &SettlementResult{Buyer: payer, TokensIssued: owed, Refund: big.NewInt(0)}, nil
}

// SellTokens redeems sale tokens for a stablecoin payout at the current
// stablecoin/USD rate. Pricing goes through the same resolver path as
// purchases; there is no buy/sell spread.
func (e *Engine) SellTokens(ctx context.Context, seller [20]byte, tokenAmount *big.Int) (*RedemptionResult, error) {
	if e == nil {
		return nil, errNilGateway
	}
	if !e.guard.TryLock() {
		return nil, ErrReentrantCall
	}
	defer e.guard.Unlock()

	if tokenAmount == nil || tokenAmount.Sign() <= 0 {
		return nil, ErrZeroPayment
	}
	amount := cloneBigInt(tokenAmount)

	rate, err := e.resolver.Rate(ctx, AssetStable)
	if err != nil {
		return nil, err
	}
	unit := TokenUnit()
	payout := new(big.Int).Mul(amount, unit)
	payout.Quo(payout, rate)
	if payout.Sign() == 0 {
		return nil, ErrZeroPayment
	}

	j := &journal{}
	if err := e.gateway.PullTokens(seller, amount); err != nil {
		return nil, err
	}
	j.record(func() error { return e.gateway.TransferTokens(seller, amount) })
	if err := e.recordReceipt(j, ReceiptKindSell, AssetStable, seller, amount, nil, nil, payout, rate); err != nil {
		return nil, abort(j, err)
	}
	// Seller payout is irreversible; it goes last.
	if err := e.gateway.PayStable(seller, payout); err != nil {
		return nil, abort(j, err)
	}

	e.emit(Sold{Seller: seller, Amount: cloneBigInt(amount), Payout: cloneBigInt(payout)})
	return &RedemptionResult{Seller: seller, Payout: payout}, nil
}

// Quote previews the token amount a payment would currently buy without
// performing any transfers.
func (e *Engine) Quote(ctx context.Context, asset PaymentAsset, paymentAmount *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errNilGateway
	}
	if paymentAmount == nil || paymentAmount.Sign() <= 0 {
		return nil, ErrZeroPayment
	}
	rate, err := e.resolver.Rate(ctx, asset)
	if err != nil {
		return nil, err
	}
	owed := new(big.Int).Mul(paymentAmount, rate)
	return owed.Quo(owed, TokenUnit()), nil
}

// recordReceipt writes the settlement's audit record and journals its removal
// so an abort after the write leaves no receipt for a call that never settled.
func (e *Engine) recordReceipt(j *journal, kind ReceiptKind, asset PaymentAsset, account [20]byte, paid, tokens, refund, payout, rate *big.Int) error {
	if e.receipts == nil {
		return nil
	}
	now := e.now()
	e.seq++
	receipt := &Receipt{
		ID:            receiptID(kind, account, paid, now, e.seq),
		Kind:          kind,
		Asset:         asset,
		Account:       account,
		PaymentAmount: cloneBigInt(paid),
		TokensMoved:   cloneBigInt(tokens),
		Refund:        cloneBigInt(refund),
		Payout:        cloneBigInt(payout),
		Rate:          rate.String(),
		CreatedAt:     now,
	}
	if err := e.receipts.Put(receipt); err != nil {
		return err
	}
	id := receipt.ID
	j.record(func() error { return e.receipts.Delete(id) })
	return nil
}

func receiptID(kind ReceiptKind, account [20]byte, amount *big.Int, ts int64, seq uint64) [32]byte {
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(ts) >> (56 - 8*i))
		buf[8+i] = byte(seq >> (56 - 8*i))
	}
	return ethcrypto.Keccak256Hash([]byte(kind), account[:], amount.Bytes(), buf[:])
}

// ceilDiv returns ceil(num / den) for positive operands, protecting the pool
// from an effective payment rounded below the value of the capped tokens.
func ceilDiv(num, den *big.Int) *big.Int {
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}
