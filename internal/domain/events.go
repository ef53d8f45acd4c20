package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Exchange events exist for external indexing (websocket feed, journals),
// never for internal control flow.

// EventType names the observable exchange events.
type EventType string

const (
	EventBidPlaced      EventType = "bid_placed"
	EventAskPlaced      EventType = "ask_placed"
	EventBidCancelled   EventType = "bid_cancelled"
	EventAskCancelled   EventType = "ask_cancelled"
	EventBought         EventType = "bought"
	EventSold           EventType = "sold"
	EventDeposited      EventType = "deposited"
	EventWithdrawn      EventType = "withdrawn"
	EventRewardsClaimed EventType = "rewards_claimed"
	EventMakerSettled   EventType = "maker_settled"
	EventTakerSettled   EventType = "taker_settled"
)

// Event is the envelope published on the event bus. Exactly one of the
// payload pointers is set, matching Type.
type Event struct {
	ID        string    `json:"id"` // uuid
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Order      *OrderEvent      `json:"order,omitempty"`
	Trade      *TradeEvent      `json:"trade,omitempty"`
	Balance    *BalanceEvent    `json:"balance,omitempty"`
	Settlement *SettlementEvent `json:"settlement,omitempty"`
}

// OrderEvent reports an order placement or cancellation.
type OrderEvent struct {
	Ref           OrderRef       `json:"ref"`
	ClientOrderID string         `json:"client_order_id,omitempty"`
	Maker         common.Address `json:"maker"`
	Amount        *big.Int       `json:"amount"`
	Refunded      *big.Int       `json:"refunded,omitempty"` // unfilled amount returned on cancel
}

// TradeEvent reports a taker execution. The last-matched coordinates allow
// an indexer to reconstruct fill depth from the book state it mirrors.
type TradeEvent struct {
	Taker          common.Address `json:"taker"`
	Tranche        Tranche        `json:"tranche"`
	ConversionID   uint64         `json:"conversion_id"`
	Epoch          int64          `json:"epoch"`
	Frozen         *big.Int       `json:"frozen"`
	LastPDLevel    int            `json:"last_pd_level"`
	LastIndex      uint64         `json:"last_index"`
	LastFillAmount *big.Int       `json:"last_fill_amount"`
}

// BalanceEvent reports a deposit, withdrawal, or reward claim.
type BalanceEvent struct {
	Account common.Address `json:"account"`
	Tranche Tranche        `json:"tranche,omitempty"`
	Amount  *big.Int       `json:"amount"`
}

// SettlementEvent reports the per-epoch settlement summary for one account.
type SettlementEvent struct {
	Account     common.Address `json:"account"`
	Epoch       int64          `json:"epoch"`
	MakerSide   bool           `json:"maker_side"`
	BaseP       *big.Int       `json:"base_p"`
	BaseA       *big.Int       `json:"base_a"`
	BaseB       *big.Int       `json:"base_b"`
	QuoteAmount *big.Int       `json:"quote_amount"`
}
