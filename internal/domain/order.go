package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderSide indicates whether a resting order buys or sells the tranche.
type OrderSide string

const (
	OrderSideBid OrderSide = "bid"
	OrderSideAsk OrderSide = "ask"
)

// OrderRef uniquely identifies a resting order. Orders are never referenced
// by pointer outside their queue; this tuple is the only stable handle.
type OrderRef struct {
	ConversionID uint64
	Tranche      Tranche
	Side         OrderSide
	PDLevel      int
	Index        uint64
}

// OrderStatus tracks the journaled order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderRecord is the journal row for a placed order. The engine keeps live
// orders inside its queues; this record exists for persistence and indexing
// only.
type OrderRecord struct {
	Ref           OrderRef
	ClientOrderID string
	Maker         common.Address
	Amount        *big.Int // quote units for bids, base units for asks
	Status        OrderStatus
	PlacedAt      time.Time
	CancelledAt   *time.Time
}

// TradeRecord is the journal row for one taker execution (one Buy or Sell
// call, possibly spanning several maker orders).
type TradeRecord struct {
	ID             string // uuid
	Taker          common.Address
	Tranche        Tranche
	Side           OrderSide // bid = taker bought, ask = taker sold
	ConversionID   uint64
	Epoch          int64
	FrozenAmount   *big.Int // quote frozen (buy) or base frozen (sell)
	LastPDLevel    int
	LastIndex      uint64
	LastFillAmount *big.Int
	ExecutedAt     time.Time
}

// SettlementRecord is the journal row for one maker or taker settlement of
// one epoch.
type SettlementRecord struct {
	ID          string // uuid
	Account     common.Address
	Epoch       int64
	MakerSide   bool
	BaseAmounts Amounts  // base credited per tranche
	QuoteAmount *big.Int // net quote transferred to the account
	SettledAt   time.Time
}

// ListOpts carries standard pagination parameters for store queries.
type ListOpts struct {
	Limit  int
	Offset int
}
