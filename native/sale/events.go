package sale

import (
	"encoding/hex"
	"math/big"

	"tokensale/core/types"
)

const (
	// TypeBought is emitted once per successful purchase and is the only
	// externally observable confirmation of success.
	TypeBought = "sale.bought"
	// TypeSold is emitted once per successful redemption.
	TypeSold = "sale.sold"
)

// Bought records a settled purchase.
type Bought struct {
	Buyer  [20]byte
	Amount *big.Int
	Refund *big.Int
	Asset  PaymentAsset
}

func (Bought) EventType() string { return TypeBought }

// Event renders the purchase as a typed event.
func (e Bought) Event() *types.Event {
	return &types.Event{
		Type: TypeBought,
		Attributes: map[string]string{
			"buyer":  hex.EncodeToString(e.Buyer[:]),
			"amount": formatAmount(e.Amount),
			"refund": formatAmount(e.Refund),
			"asset":  string(e.Asset),
		},
	}
}

// Sold records a settled redemption.
type Sold struct {
	Seller [20]byte
	Amount *big.Int
	Payout *big.Int
}

func (Sold) EventType() string { return TypeSold }

// Event renders the redemption as a typed event.
func (e Sold) Event() *types.Event {
	return &types.Event{
		Type: TypeSold,
		Attributes: map[string]string{
			"seller": hex.EncodeToString(e.Seller[:]),
			"amount": formatAmount(e.Amount),
			"payout": formatAmount(e.Payout),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
