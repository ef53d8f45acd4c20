package domain

import (
	"context"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Store interfaces implemented by internal/store/postgres. The engines never
// touch these; journaling happens in the service layer after an in-memory
// transaction commits.

// OrderStore journals order placements and cancellations.
type OrderStore interface {
	Create(ctx context.Context, rec OrderRecord) error
	MarkCancelled(ctx context.Context, ref OrderRef, at time.Time) error
	MarkFilled(ctx context.Context, ref OrderRef) error
	ListByMaker(ctx context.Context, maker common.Address, opts ListOpts) ([]OrderRecord, error)
}

// TradeStore journals taker executions.
type TradeStore interface {
	Create(ctx context.Context, rec TradeRecord) error
	ListByEpoch(ctx context.Context, epoch int64) ([]TradeRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
}

// SettlementStore journals per-epoch settlement summaries.
type SettlementStore interface {
	Create(ctx context.Context, rec SettlementRecord) error
	ListByEpoch(ctx context.Context, epoch int64) ([]SettlementRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]SettlementRecord, error)
}

// BookCache mirrors live book depth for read-heavy API queries.
type BookCache interface {
	SetDepth(ctx context.Context, conversionID uint64, tranche Tranche, snap BookSnapshot) error
	GetDepth(ctx context.Context, conversionID uint64, tranche Tranche) (BookSnapshot, error)
}

// EventBus fans exchange events out to subscribers (websocket hub, external
// indexers).
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BookLevel is one price level of cached depth.
type BookLevel struct {
	PDLevel int    `json:"pd_level"`
	Amount  string `json:"amount"` // decimal string, 18-decimal units
	Orders  int    `json:"orders"`
}

// BookSnapshot is the cached depth of one (conversionID, tranche) book.
type BookSnapshot struct {
	ConversionID uint64      `json:"conversion_id"`
	Tranche      Tranche     `json:"tranche"`
	Bids         []BookLevel `json:"bids"`
	Asks         []BookLevel `json:"asks"`
	BestBid      int         `json:"best_bid"` // 0 when the side is empty
	BestAsk      int         `json:"best_ask"`
	Timestamp    time.Time   `json:"timestamp"`
}

// BlobWriter uploads a finished artifact (epoch archive) to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// RateLimiter enforces a per-key request budget over a rolling window, used
// by the HTTP layer.
type RateLimiter interface {
	// Allow reports whether the key may perform another request within the
	// window without exceeding limit.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed mutual exclusion, used to guard the epoch
// settlement sweep when several instances share one database.
type LockManager interface {
	// Acquire obtains the named lock for at most ttl and returns an unlock
	// function, or ErrLockHeld when another holder owns it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
