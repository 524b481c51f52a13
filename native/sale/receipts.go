package sale

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Storage abstracts the subset of key-value functionality required by the
// receipt ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

var (
	receiptRecordPrefix = []byte("sale/receipt/")
	receiptIndexKey     = []byte("sale/receipt/index")
)

// ReceiptKind distinguishes purchase and redemption receipts.
type ReceiptKind string

const (
	// ReceiptKindBuy marks purchase settlements.
	ReceiptKindBuy ReceiptKind = "buy"
	// ReceiptKindSell marks redemption settlements.
	ReceiptKindSell ReceiptKind = "sell"
)

// Receipt captures the audit record stored for every settlement processed by
// the engine.
type Receipt struct {
	ID            [32]byte
	Kind          ReceiptKind
	Asset         PaymentAsset
	Account       [20]byte
	PaymentAmount *big.Int
	TokensMoved   *big.Int
	Refund        *big.Int
	Payout        *big.Int
	Rate          string
	CreatedAt     int64
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (r *Receipt) Copy() *Receipt {
	if r == nil {
		return nil
	}
	clone := *r
	clone.PaymentAmount = cloneBigInt(r.PaymentAmount)
	clone.TokensMoved = cloneBigInt(r.TokensMoved)
	clone.Refund = cloneBigInt(r.Refund)
	clone.Payout = cloneBigInt(r.Payout)
	return &clone
}

type storedReceipt struct {
	ID            [32]byte
	Kind          string
	Asset         string
	Account       [20]byte
	PaymentAmount string
	TokensMoved   string
	Refund        string
	Payout        string
	Rate          string
	CreatedAt     uint64
}

type receiptIndexEntry struct {
	ID        [32]byte
	CreatedAt uint64
}

// ReceiptLedger persists settlement receipts in the underlying key-value
// store with append-only semantics.
type ReceiptLedger struct {
	store Storage
	clock func() time.Time
}

// NewReceiptLedger constructs a ledger bound to the provided storage backend.
func NewReceiptLedger(store Storage) *ReceiptLedger {
	return &ReceiptLedger{store: store, clock: time.Now}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (l *ReceiptLedger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// Put stores the receipt, enforcing unique identifiers.
func (l *ReceiptLedger) Put(receipt *Receipt) error {
	if l == nil {
		return fmt.Errorf("receipt ledger not initialised")
	}
	if receipt == nil {
		return fmt.Errorf("receipt ledger: receipt must not be nil")
	}
	if receipt.ID == ([32]byte{}) {
		return fmt.Errorf("receipt ledger: receipt id required")
	}
	key := receiptKey(receipt.ID)
	var existing storedReceipt
	ok, err := l.store.KVGet(key, &existing)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("receipt ledger: receipt %s already exists", hex.EncodeToString(receipt.ID[:]))
	}
	stored := toStoredReceipt(receipt)
	if stored.CreatedAt == 0 {
		now := l.clock().UTC().Unix()
		if now > 0 {
			stored.CreatedAt = uint64(now)
		}
	}
	if err := l.store.KVPut(key, stored); err != nil {
		return err
	}
	entry := receiptIndexEntry{ID: stored.ID, CreatedAt: stored.CreatedAt}
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return err
	}
	return l.store.KVAppend(receiptIndexKey, encoded)
}

// Delete removes a receipt record. The index entry keeps pointing at the
// removed identifier; List skips entries whose record is gone.
func (l *ReceiptLedger) Delete(id [32]byte) error {
	if l == nil {
		return fmt.Errorf("receipt ledger not initialised")
	}
	return l.store.KVDelete(receiptKey(id))
}

// Get retrieves a receipt by identifier.
func (l *ReceiptLedger) Get(id [32]byte) (*Receipt, bool, error) {
	if l == nil {
		return nil, false, fmt.Errorf("receipt ledger not initialised")
	}
	var stored storedReceipt
	ok, err := l.store.KVGet(receiptKey(id), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	receipt, err := fromStoredReceipt(&stored)
	if err != nil {
		return nil, false, err
	}
	return receipt, true, nil
}

// List returns receipts within the supplied inclusive timestamp range. The
// cursor is the identifier of the last item from the previous page.
func (l *ReceiptLedger) List(startTs, endTs int64, cursor [32]byte, limit int) ([]*Receipt, [32]byte, error) {
	var nextCursor [32]byte
	if l == nil {
		return nil, nextCursor, fmt.Errorf("receipt ledger not initialised")
	}
	entries, err := l.loadIndex()
	if err != nil {
		return nil, nextCursor, err
	}
	filtered := make([]receiptIndexEntry, 0, len(entries))
	for _, entry := range entries {
		createdAt, err := uint64ToInt64(entry.CreatedAt)
		if err != nil {
			return nil, nextCursor, fmt.Errorf("receipt ledger: index entry overflow: %w", err)
		}
		if startTs != 0 && createdAt < startTs {
			continue
		}
		if endTs != 0 && createdAt > endTs {
			continue
		}
		filtered = append(filtered, entry)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt == filtered[j].CreatedAt {
			return hex.EncodeToString(filtered[i].ID[:]) < hex.EncodeToString(filtered[j].ID[:])
		}
		return filtered[i].CreatedAt < filtered[j].CreatedAt
	})
	startIdx := 0
	if cursor != ([32]byte{}) {
		for i, entry := range filtered {
			if entry.ID == cursor {
				startIdx = i + 1
				break
			}
		}
	}
	pageSize := limit
	if pageSize <= 0 {
		pageSize = len(filtered) - startIdx
	}
	receipts := make([]*Receipt, 0, minInt(pageSize, len(filtered)-startIdx))
	for i := startIdx; i < len(filtered) && len(receipts) < pageSize; i++ {
		entry := filtered[i]
		receipt, ok, err := l.Get(entry.ID)
		if err != nil {
			return nil, [32]byte{}, err
		}
		if !ok {
			continue
		}
		receipts = append(receipts, receipt)
		nextCursor = entry.ID
	}
	if startIdx+len(receipts) >= len(filtered) {
		nextCursor = [32]byte{}
	}
	return receipts, nextCursor, nil
}

func (l *ReceiptLedger) loadIndex() ([]receiptIndexEntry, error) {
	var raw [][]byte
	if err := l.store.KVGetList(receiptIndexKey, &raw); err != nil {
		return nil, err
	}
	entries := make([]receiptIndexEntry, 0, len(raw))
	for _, encoded := range raw {
		if len(encoded) == 0 {
			continue
		}
		var entry receiptIndexEntry
		if err := rlp.DecodeBytes(encoded, &entry); err != nil {
			return nil, err
		}
		if entry.ID == ([32]byte{}) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func receiptKey(id [32]byte) []byte {
	buf := make([]byte, len(receiptRecordPrefix)+len(id))
	copy(buf, receiptRecordPrefix)
	copy(buf[len(receiptRecordPrefix):], id[:])
	return buf
}

func toStoredReceipt(receipt *Receipt) storedReceipt {
	stored := storedReceipt{}
	if receipt == nil {
		return stored
	}
	stored.ID = receipt.ID
	stored.Kind = string(receipt.Kind)
	stored.Asset = string(receipt.Asset)
	stored.Account = receipt.Account
	stored.PaymentAmount = amountToString(receipt.PaymentAmount)
	stored.TokensMoved = amountToString(receipt.TokensMoved)
	stored.Refund = amountToString(receipt.Refund)
	stored.Payout = amountToString(receipt.Payout)
	stored.Rate = strings.TrimSpace(receipt.Rate)
	if receipt.CreatedAt > 0 {
		stored.CreatedAt = uint64(receipt.CreatedAt)
	}
	return stored
}

func fromStoredReceipt(stored *storedReceipt) (*Receipt, error) {
	if stored == nil {
		return nil, fmt.Errorf("receipt ledger: nil stored record")
	}
	createdAt, err := uint64ToInt64(stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("receipt ledger: created at overflow: %w", err)
	}
	receipt := &Receipt{
		ID:        stored.ID,
		Kind:      ReceiptKind(stored.Kind),
		Asset:     PaymentAsset(stored.Asset),
		Account:   stored.Account,
		Rate:      stored.Rate,
		CreatedAt: createdAt,
	}
	if receipt.PaymentAmount, err = amountFromString(stored.PaymentAmount); err != nil {
		return nil, err
	}
	if receipt.TokensMoved, err = amountFromString(stored.TokensMoved); err != nil {
		return nil, err
	}
	if receipt.Refund, err = amountFromString(stored.Refund); err != nil {
		return nil, err
	}
	if receipt.Payout, err = amountFromString(stored.Payout); err != nil {
		return nil, err
	}
	return receipt, nil
}

func amountToString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func amountFromString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("receipt ledger: invalid amount %q", value)
	}
	return amount, nil
}

func uint64ToInt64(value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds int64 range", value)
	}
	return int64(value), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
