package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tranchess/contract-exchange/internal/domain"
)

// BookCache implements domain.BookCache using Redis hashes, one per book
// side plus a metadata hash.
//
// Key schema:
//
//	book:{conversionID}:{tranche}:bids - hash mapping pd_level -> "amount|orders"
//	book:{conversionID}:{tranche}:asks - hash mapping pd_level -> "amount|orders"
//	book:{conversionID}:{tranche}:meta - hash with best_bid, best_ask, ts
type BookCache struct {
	rdb *redis.Client
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.RDB()}
}

func bookKey(conversionID uint64, t domain.Tranche, part string) string {
	return fmt.Sprintf("book:%d:%s:%s", conversionID, t, part)
}

func encodeLevel(lvl domain.BookLevel) string {
	return lvl.Amount + "|" + strconv.Itoa(lvl.Orders)
}

func decodeLevel(pdLevel int, v string) domain.BookLevel {
	lvl := domain.BookLevel{PDLevel: pdLevel, Amount: v}
	for i := len(v) - 1; i >= 0; i-- {
		if v[i] == '|' {
			lvl.Amount = v[:i]
			lvl.Orders, _ = strconv.Atoi(v[i+1:])
			break
		}
	}
	return lvl
}

// SetDepth atomically replaces the cached depth of one book.
func (bc *BookCache) SetDepth(ctx context.Context, conversionID uint64, t domain.Tranche, snap domain.BookSnapshot) error {
	bidsKey := bookKey(conversionID, t, "bids")
	asksKey := bookKey(conversionID, t, "asks")
	metaKey := bookKey(conversionID, t, "meta")

	pipe := bc.rdb.TxPipeline()
	pipe.Del(ctx, bidsKey, asksKey, metaKey)

	for _, lvl := range snap.Bids {
		pipe.HSet(ctx, bidsKey, strconv.Itoa(lvl.PDLevel), encodeLevel(lvl))
	}
	for _, lvl := range snap.Asks {
		pipe.HSet(ctx, asksKey, strconv.Itoa(lvl.PDLevel), encodeLevel(lvl))
	}
	pipe.HSet(ctx, metaKey,
		"best_bid", strconv.Itoa(snap.BestBid),
		"best_ask", strconv.Itoa(snap.BestAsk),
		"ts", strconv.FormatInt(snap.Timestamp.UnixNano(), 10),
	)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set depth %d/%s: %w", conversionID, t, err)
	}
	return nil
}

// GetDepth reconstructs a BookSnapshot from Redis. Returns domain.ErrNotFound
// when no depth has been cached for the book.
func (bc *BookCache) GetDepth(ctx context.Context, conversionID uint64, t domain.Tranche) (domain.BookSnapshot, error) {
	bidsKey := bookKey(conversionID, t, "bids")
	asksKey := bookKey(conversionID, t, "asks")
	metaKey := bookKey(conversionID, t, "meta")

	pipe := bc.rdb.Pipeline()
	bidsCmd := pipe.HGetAll(ctx, bidsKey)
	asksCmd := pipe.HGetAll(ctx, asksKey)
	metaCmd := pipe.HGetAll(ctx, metaKey)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: get depth %d/%s: %w", conversionID, t, err)
	}

	metaVals, _ := metaCmd.Result()
	if len(metaVals) == 0 {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}

	snap := domain.BookSnapshot{
		ConversionID: conversionID,
		Tranche:      t,
	}
	snap.BestBid, _ = strconv.Atoi(metaVals["best_bid"])
	snap.BestAsk, _ = strconv.Atoi(metaVals["best_ask"])
	if tsStr, ok := metaVals["ts"]; ok {
		if tsNano, err := strconv.ParseInt(tsStr, 10, 64); err == nil {
			snap.Timestamp = time.Unix(0, tsNano)
		}
	}

	// Bids are reported from the band's top downward, asks upward, matching
	// the engine's snapshot order.
	bidVals, _ := bidsCmd.Result()
	askVals, _ := asksCmd.Result()
	for _, level := range sortedLevels(bidVals, true) {
		snap.Bids = append(snap.Bids, decodeLevel(level, bidVals[strconv.Itoa(level)]))
	}
	for _, level := range sortedLevels(askVals, false) {
		snap.Asks = append(snap.Asks, decodeLevel(level, askVals[strconv.Itoa(level)]))
	}
	return snap, nil
}

func sortedLevels(vals map[string]string, descending bool) []int {
	levels := make([]int, 0, len(vals))
	for k := range vals {
		if level, err := strconv.Atoi(k); err == nil {
			levels = append(levels, level)
		}
	}
	sort.Ints(levels)
	if descending {
		for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
			levels[i], levels[j] = levels[j], levels[i]
		}
	}
	return levels
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
