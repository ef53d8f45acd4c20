// Package exchange implements the order-book matching engine and the
// epoch-based settlement of the tranche exchange. Makers rest bids (quote)
// and asks (staked tranche shares) on a discretized premium-discount grid
// around NAV; takers match against the book at an estimated NAV and the
// resulting quantities settle once the epoch's true closing NAV is known.
package exchange

import (
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/book"
	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/fixedpoint"
	"github.com/tranchess/contract-exchange/internal/staking"
)

const (
	// PDLevelCount is the number of premium-discount ticks. Levels run from
	// 1 to 81; level 41 is NAV parity, each tick is 25 basis points, and the
	// band spans -10% to +10%.
	PDLevelCount = 81

	pdCenterLevel = 41
)

// pdTick is one premium-discount tick, 0.25% in fixed point.
var pdTick = big.NewInt(2_500_000_000_000_000) // 0.0025e18

// pdMultiplier returns the price multiplier of a level: 1 + (level-41)*tick.
func pdMultiplier(level int) *big.Int {
	offset := new(big.Int).Mul(pdTick, big.NewInt(int64(level-pdCenterLevel)))
	return offset.Add(offset, fixedpoint.Scale)
}

// Config carries the exchange engine parameters.
type Config struct {
	// EpochLength is the length of a matching epoch in seconds.
	EpochLength int64

	// MinBidAmount is the minimum quote size of a resting bid, 18-decimal.
	MinBidAmount *big.Int

	// MinAskAmount is the minimum base size of a resting ask, 18-decimal.
	MinAskAmount *big.Int
}

// DefaultConfig returns the production defaults: 30-minute epochs and
// minimum order sizes of one whole unit.
func DefaultConfig() Config {
	return Config{
		EpochLength:  int64(30 * time.Minute / time.Second),
		MinBidAmount: fixedpoint.FromInt(1),
		MinAskAmount: fixedpoint.FromInt(1),
	}
}

type bookKey struct {
	version uint64
	tranche domain.Tranche
}

// trancheBook is one (conversion id, tranche) order book: a queue per
// premium-discount level on each side plus cached best levels. A zero best
// level denotes an empty side; best bid is the highest resting bid level,
// best ask the lowest resting ask level.
type trancheBook struct {
	bids    [PDLevelCount + 1]book.Queue
	asks    [PDLevelCount + 1]book.Queue
	bestBid int
	bestAsk int
}

type pendingKey struct {
	account common.Address
	epoch   int64
}

// Engine is the matching and settlement engine. Like the staking engine it
// is single-writer; the owning service serializes operations.
type Engine struct {
	staking *staking.Engine
	fund    domain.FundOracle
	gate    domain.MembershipGate
	quote   domain.AssetToken

	quoteUnit   *big.Int
	epochLength int64
	minBid      *big.Int
	minAsk      *big.Int

	books        map[bookKey]*trancheBook
	pending      map[pendingKey]*epochTrades
	clientOrders map[string]domain.OrderRef
	orderIDs     map[domain.OrderRef]string

	logger *slog.Logger
}

// New creates an exchange engine on top of the staking ledger and the
// external collaborators.
func New(
	stakingEngine *staking.Engine,
	fundOracle domain.FundOracle,
	gate domain.MembershipGate,
	quote domain.AssetToken,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		staking:      stakingEngine,
		fund:         fundOracle,
		gate:         gate,
		quote:        quote,
		quoteUnit:    fixedpoint.Unit(quote.Decimals()),
		epochLength:  cfg.EpochLength,
		minBid:       new(big.Int).Set(cfg.MinBidAmount),
		minAsk:       new(big.Int).Set(cfg.MinAskAmount),
		books:        make(map[bookKey]*trancheBook),
		pending:      make(map[pendingKey]*epochTrades),
		clientOrders: make(map[string]domain.OrderRef),
		orderIDs:     make(map[domain.OrderRef]string),
		logger:       logger.With(slog.String("component", "exchange")),
	}
}

// EpochStart returns the start of the epoch containing ts.
func (e *Engine) EpochStart(ts int64) int64 {
	return ts - ts%e.epochLength
}

// EpochLength returns the configured epoch length in seconds.
func (e *Engine) EpochLength() int64 { return e.epochLength }

func (e *Engine) bookFor(version uint64, t domain.Tranche) *trancheBook {
	key := bookKey{version: version, tranche: t}
	tb, ok := e.books[key]
	if !ok {
		tb = &trancheBook{}
		e.books[key] = tb
	}
	return tb
}

func (e *Engine) pendingFor(account common.Address, epoch int64, version uint64) *epochTrades {
	key := pendingKey{account: account, epoch: epoch}
	et, ok := e.pending[key]
	if !ok {
		et = newEpochTrades(version)
		e.pending[key] = et
	}
	switch {
	case et.isZero():
		// A fully settled (or fresh) record may be re-anchored to the
		// version of the next fill.
		et.Version = version
	case version > et.Version:
		// Fills in one epoch may straddle a conversion event. Earlier
		// quantities are restated at the newer version before any amount at
		// that version is mixed in, so the record stays single-denominated.
		et.convertTo(e.fund, version)
	}
	return et
}

// PendingTrades returns a copy-safe view of the account's pending ledger for
// an epoch, or nil when there is none.
func (e *Engine) PendingTrades(account common.Address, epoch int64) *epochTrades {
	return e.pending[pendingKey{account: account, epoch: epoch}]
}

// validatePlacement runs the checks shared by bid and ask placement.
func (e *Engine) validatePlacement(now int64, maker common.Address, t domain.Tranche, pdLevel int, amount, minAmount *big.Int, version uint64) error {
	if !t.Valid() {
		return domain.ErrInvalidTranche
	}
	if !e.gate.IsEligible(maker, now) {
		return domain.ErrMakerIneligible
	}
	if amount.Cmp(minAmount) < 0 {
		return domain.ErrAmountBelowMinimum
	}
	if pdLevel < 1 || pdLevel > PDLevelCount {
		return domain.ErrInvalidPDLevel
	}
	if version != e.fund.CurrentConversionID() {
		return domain.ErrStaleConversion
	}
	return nil
}

// PlaceBid rests a buy order of quoteAmount at pdLevel. The quote asset is
// pulled from the maker's wallet immediately; the bid must not cross the
// best resting ask. An optional client order id is registered for later
// lookup.
func (e *Engine) PlaceBid(now int64, maker common.Address, t domain.Tranche, pdLevel int, quoteAmount *big.Int, version uint64, clientOrderID string) (domain.OrderRef, error) {
	if err := e.validatePlacement(now, maker, t, pdLevel, quoteAmount, e.minBid, version); err != nil {
		return domain.OrderRef{}, err
	}
	tb := e.bookFor(version, t)
	if tb.bestAsk != 0 && pdLevel >= tb.bestAsk {
		return domain.OrderRef{}, domain.ErrPriceCrossing
	}
	if clientOrderID != "" {
		if _, exists := e.clientOrders[clientOrderID]; exists {
			return domain.OrderRef{}, domain.ErrAlreadyExists
		}
	}
	if err := e.quote.TransferFrom(maker, fixedpoint.ToNativeCeil(quoteAmount, e.quoteUnit)); err != nil {
		return domain.OrderRef{}, err
	}

	index := tb.bids[pdLevel].Append(maker, quoteAmount, version)
	if pdLevel > tb.bestBid {
		tb.bestBid = pdLevel
	}
	ref := domain.OrderRef{
		ConversionID: version,
		Tranche:      t,
		Side:         domain.OrderSideBid,
		PDLevel:      pdLevel,
		Index:        index,
	}
	if clientOrderID != "" {
		e.clientOrders[clientOrderID] = ref
		e.orderIDs[ref] = clientOrderID
	}
	e.logger.Debug("bid placed",
		slog.String("maker", maker.Hex()),
		slog.String("tranche", t.String()),
		slog.Int("pd_level", pdLevel),
		slog.Uint64("index", index),
	)
	return ref, nil
}

// PlaceAsk rests a sell order of baseAmount at pdLevel. The tranche shares
// are locked in the staking ledger rather than transferred; the ask must not
// cross the best resting bid.
func (e *Engine) PlaceAsk(now int64, maker common.Address, t domain.Tranche, pdLevel int, baseAmount *big.Int, version uint64, clientOrderID string) (domain.OrderRef, error) {
	if err := e.validatePlacement(now, maker, t, pdLevel, baseAmount, e.minAsk, version); err != nil {
		return domain.OrderRef{}, err
	}
	tb := e.bookFor(version, t)
	if tb.bestBid != 0 && pdLevel <= tb.bestBid {
		return domain.OrderRef{}, domain.ErrPriceCrossing
	}
	if clientOrderID != "" {
		if _, exists := e.clientOrders[clientOrderID]; exists {
			return domain.OrderRef{}, domain.ErrAlreadyExists
		}
	}
	if err := e.staking.Lock(now, maker, t, baseAmount); err != nil {
		return domain.OrderRef{}, err
	}

	index := tb.asks[pdLevel].Append(maker, baseAmount, version)
	if tb.bestAsk == 0 || pdLevel < tb.bestAsk {
		tb.bestAsk = pdLevel
	}
	ref := domain.OrderRef{
		ConversionID: version,
		Tranche:      t,
		Side:         domain.OrderSideAsk,
		PDLevel:      pdLevel,
		Index:        index,
	}
	if clientOrderID != "" {
		e.clientOrders[clientOrderID] = ref
		e.orderIDs[ref] = clientOrderID
	}
	e.logger.Debug("ask placed",
		slog.String("maker", maker.Hex()),
		slog.String("tranche", t.String()),
		slog.Int("pd_level", pdLevel),
		slog.Uint64("index", index),
	)
	return ref, nil
}

// ResolveClientOrder looks up the order reference registered under a client
// order id.
func (e *Engine) ResolveClientOrder(clientOrderID string) (domain.OrderRef, error) {
	ref, ok := e.clientOrders[clientOrderID]
	if !ok {
		return domain.OrderRef{}, domain.ErrOrderNotFound
	}
	return ref, nil
}

// releaseClientOrder drops the registration of an order that left the book,
// freeing its client order id for reuse.
func (e *Engine) releaseClientOrder(ref domain.OrderRef) {
	if id, ok := e.orderIDs[ref]; ok {
		delete(e.orderIDs, ref)
		delete(e.clientOrders, id)
	}
}

// CancelBid removes a resting bid and refunds its unfilled quote. Returns
// the refunded amount.
func (e *Engine) CancelBid(now int64, maker common.Address, ref domain.OrderRef) (*big.Int, error) {
	if ref.Side != domain.OrderSideBid || !ref.Tranche.Valid() || ref.PDLevel < 1 || ref.PDLevel > PDLevelCount {
		return nil, domain.ErrOrderNotFound
	}
	tb := e.bookFor(ref.ConversionID, ref.Tranche)
	q := &tb.bids[ref.PDLevel]
	order := q.Get(ref.Index)
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	if order.Maker != maker {
		return nil, domain.ErrNotOrderOwner
	}
	refund := new(big.Int).Set(order.Fillable)
	// Refund before touching the book: if the transfer fails the order stays
	// resting and the cancel can be retried.
	if err := e.quote.Transfer(maker, fixedpoint.ToNativeFloor(refund, e.quoteUnit)); err != nil {
		return nil, err
	}
	q.Cancel(ref.Index)
	e.releaseClientOrder(ref)

	// Repair the best bid by scanning toward the interior of the band.
	if ref.PDLevel == tb.bestBid && q.IsEmpty() {
		tb.bestBid = 0
		for level := ref.PDLevel - 1; level >= 1; level-- {
			if !tb.bids[level].IsEmpty() {
				tb.bestBid = level
				break
			}
		}
	}

	e.logger.Debug("bid cancelled",
		slog.String("maker", maker.Hex()),
		slog.Uint64("index", ref.Index),
		slog.String("refund", refund.String()),
	)
	return refund, nil
}

// CancelAsk removes a resting ask and unlocks its unfilled base through the
// conversion path, since the order may predate a conversion event. Returns
// the unlocked amount denominated at the order's conversion id.
func (e *Engine) CancelAsk(now int64, maker common.Address, ref domain.OrderRef) (*big.Int, error) {
	if ref.Side != domain.OrderSideAsk || !ref.Tranche.Valid() || ref.PDLevel < 1 || ref.PDLevel > PDLevelCount {
		return nil, domain.ErrOrderNotFound
	}
	tb := e.bookFor(ref.ConversionID, ref.Tranche)
	q := &tb.asks[ref.PDLevel]
	order := q.Get(ref.Index)
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	if order.Maker != maker {
		return nil, domain.ErrNotOrderOwner
	}
	refund := new(big.Int).Set(order.Fillable)
	// Unlock before touching the book, mirroring CancelBid: a failed unlock
	// leaves the order resting.
	amounts := domain.NewAmounts()
	amounts[ref.Tranche].Set(refund)
	if err := e.staking.ConvertAndUnlock(now, maker, amounts, ref.ConversionID); err != nil {
		return nil, err
	}
	q.Cancel(ref.Index)
	e.releaseClientOrder(ref)

	if ref.PDLevel == tb.bestAsk && q.IsEmpty() {
		tb.bestAsk = 0
		for level := ref.PDLevel + 1; level <= PDLevelCount; level++ {
			if !tb.asks[level].IsEmpty() {
				tb.bestAsk = level
				break
			}
		}
	}

	e.logger.Debug("ask cancelled",
		slog.String("maker", maker.Hex()),
		slog.Uint64("index", ref.Index),
		slog.String("refund", refund.String()),
	)
	return refund, nil
}

// BestBid returns the best resting bid level for a book, zero when empty.
func (e *Engine) BestBid(version uint64, t domain.Tranche) int {
	return e.bookFor(version, t).bestBid
}

// BestAsk returns the best resting ask level for a book, zero when empty.
func (e *Engine) BestAsk(version uint64, t domain.Tranche) int {
	return e.bookFor(version, t).bestAsk
}

// DepthSnapshot assembles the cached-depth view of one book.
func (e *Engine) DepthSnapshot(version uint64, t domain.Tranche, at time.Time) domain.BookSnapshot {
	tb := e.bookFor(version, t)
	snap := domain.BookSnapshot{
		ConversionID: version,
		Tranche:      t,
		BestBid:      tb.bestBid,
		BestAsk:      tb.bestAsk,
		Timestamp:    at,
	}
	for level := PDLevelCount; level >= 1; level-- {
		if q := &tb.bids[level]; !q.IsEmpty() {
			snap.Bids = append(snap.Bids, domain.BookLevel{
				PDLevel: level,
				Amount:  q.TotalFillable().String(),
				Orders:  q.Len(),
			})
		}
	}
	for level := 1; level <= PDLevelCount; level++ {
		if q := &tb.asks[level]; !q.IsEmpty() {
			snap.Asks = append(snap.Asks, domain.BookLevel{
				PDLevel: level,
				Amount:  q.TotalFillable().String(),
				Orders:  q.Len(),
			})
		}
	}
	return snap
}
