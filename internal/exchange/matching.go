package exchange

import (
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/book"
	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/fixedpoint"
)

// TradeSummary reports one taker execution. The last-matched coordinates let
// an indexer reconstruct fill depth.
type TradeSummary struct {
	Tranche        domain.Tranche
	ConversionID   uint64
	Epoch          int64
	Frozen         *big.Int // quote frozen (buy) or base frozen (sell)
	LastPDLevel    int
	LastIndex      uint64
	LastFillAmount *big.Int
}

// fillStep is one planned fill of a resting order.
type fillStep struct {
	level     int
	index     uint64
	maker     common.Address
	frozen    *big.Int // counter-asset frozen from the taker for this fill
	effective *big.Int // frozen discounted to NAV parity
	reserved  *big.Int // asset reserved from the maker's order
	full      bool     // order fully consumed
}

// levelPlan records how the matching pass touched one price level, so that
// queue repair can happen once after the loop.
type levelPlan struct {
	level       int
	headRun     []uint64 // contiguous fully-filled run starting at the head
	interior    []uint64 // fully-filled indices behind a skipped survivor
	sawSurvivor bool
}

// matchPlan is the complete, side-effect-free result of a matching pass.
type matchPlan struct {
	steps       []fillStep
	levels      []*levelPlan
	totalFrozen *big.Int
	lastLevel   int
	lastIndex   uint64
	lastAmount  *big.Int
}

// estimateNav returns the per-tranche NAV estimate anchored two epochs
// before the current epoch boundary. The interim matching price must
// reference a stable historical point; the value inside the current epoch is
// not final and may still drift.
func (e *Engine) estimateNav(now int64) (domain.Amounts, error) {
	estTime := e.EpochStart(now) - 2*e.epochLength
	price := e.fund.TWAPPrice(estTime)
	if price.Sign() == 0 {
		return domain.Amounts{}, domain.ErrZeroPrice
	}
	navs := e.fund.ExtrapolateNav(estTime, price)
	return navs, nil
}

func (e *Engine) validateTaker(now int64, t domain.Tranche, maxPDLevel int, version uint64) error {
	if !t.Valid() {
		return domain.ErrInvalidTranche
	}
	if maxPDLevel < 1 || maxPDLevel > PDLevelCount {
		return domain.ErrInvalidPDLevel
	}
	if version != e.fund.CurrentConversionID() {
		return domain.ErrStaleConversion
	}
	if !e.fund.IsExchangeActive(now) {
		return domain.ErrExchangeInactive
	}
	return nil
}

// Buy matches a taker buy of tranche t against resting asks, spending up to
// quoteAmount and accepting levels up to maxPDLevel. The matched quantities
// are deferred into the epoch's pending-trade ledger; only the frozen quote
// moves immediately.
func (e *Engine) Buy(now int64, taker common.Address, t domain.Tranche, maxPDLevel int, quoteAmount *big.Int, version uint64) (*TradeSummary, error) {
	if err := e.validateTaker(now, t, maxPDLevel, version); err != nil {
		return nil, err
	}
	navs, err := e.estimateNav(now)
	if err != nil {
		return nil, err
	}
	nav := navs[t]
	if nav.Sign() == 0 {
		return nil, domain.ErrZeroPrice
	}

	tb := e.bookFor(version, t)
	plan := e.planBuy(now, tb, nav, maxPDLevel, quoteAmount)
	if plan.totalFrozen.Sign() == 0 {
		return nil, domain.ErrNothingMatched
	}

	// Locked balances back every resting ask. Verify the per-maker reserve
	// aggregates up front so that nothing below this point can fail once the
	// taker's quote has been pulled.
	reservedByMaker := make(map[common.Address]*big.Int)
	for _, step := range plan.steps {
		agg, ok := reservedByMaker[step.maker]
		if !ok {
			agg = new(big.Int)
			reservedByMaker[step.maker] = agg
		}
		agg.Add(agg, step.reserved)
	}
	for maker, total := range reservedByMaker {
		_, locked := e.staking.Balances(now, maker)
		if locked[t].Cmp(total) < 0 {
			return nil, domain.ErrInsufficientLocked
		}
	}

	// Freeze the taker's quote before mutating any book or ledger state, so
	// a failed transfer aborts with no partial effect.
	if err := e.quote.TransferFrom(taker, fixedpoint.ToNativeCeil(plan.totalFrozen, e.quoteUnit)); err != nil {
		return nil, err
	}

	epoch := e.EpochStart(now)
	takerCell := e.pendingFor(taker, epoch, version).Cells[t]
	for _, step := range plan.steps {
		if err := e.staking.TradeLocked(now, step.maker, t, step.reserved); err != nil {
			// Unreachable after the aggregate check above; kept so a broken
			// ledger invariant surfaces instead of corrupting silently.
			return nil, err
		}
		takerCell.TakerBuy.accumulate(step.frozen, step.effective, step.reserved)
		makerCell := e.pendingFor(step.maker, epoch, version).Cells[t]
		makerCell.MakerSell.accumulate(step.frozen, step.effective, step.reserved)
		if step.full {
			e.releaseClientOrder(domain.OrderRef{
				ConversionID: version,
				Tranche:      t,
				Side:         domain.OrderSideAsk,
				PDLevel:      step.level,
				Index:        step.index,
			})
		}
	}
	e.applyQueueRepairs(tb, plan, true)
	e.repairBestAsk(tb)

	e.logger.Info("taker buy",
		slog.String("taker", taker.Hex()),
		slog.String("tranche", t.String()),
		slog.String("frozen_quote", plan.totalFrozen.String()),
		slog.Int("last_level", plan.lastLevel),
	)
	return &TradeSummary{
		Tranche:        t,
		ConversionID:   version,
		Epoch:          epoch,
		Frozen:         plan.totalFrozen,
		LastPDLevel:    plan.lastLevel,
		LastIndex:      plan.lastIndex,
		LastFillAmount: plan.lastAmount,
	}, nil
}

// planBuy walks ask levels from the best ask upward (worse for the taker)
// and plans fills without mutating anything. Orders whose makers have lost
// eligibility are skipped in place.
func (e *Engine) planBuy(now int64, tb *trancheBook, nav *big.Int, maxPDLevel int, quoteAmount *big.Int) *matchPlan {
	plan := &matchPlan{totalFrozen: new(big.Int), lastAmount: new(big.Int)}
	if tb.bestAsk == 0 {
		return plan
	}
	remaining := new(big.Int).Set(quoteAmount)

	for level := tb.bestAsk; level <= maxPDLevel && remaining.Sign() > 0; level++ {
		q := &tb.asks[level]
		if q.IsEmpty() {
			continue
		}
		price := fixedpoint.MulDec(nav, pdMultiplier(level))
		lp := &levelPlan{level: level}
		plan.levels = append(plan.levels, lp)

		for index := q.Head(); index != 0 && remaining.Sign() > 0; {
			order := q.Get(index)
			if !e.gate.IsEligible(order.Maker, now) {
				// Skipped orders stay in the book; they become matchable
				// again only if the maker re-qualifies.
				if !lp.sawSurvivor {
					lp.sawSurvivor = true
				}
				index = order.Next
				continue
			}

			// The largest quote this order can absorb: reserving 110% of
			// the naive base amount must not exceed its fillable balance.
			orderCap := fixedpoint.DivDec(fixedpoint.MulDec(order.Fillable, price), makerReserveRatio)
			if orderCap.Sign() == 0 {
				// A dust remainder too small to absorb one quote unit stays
				// resting; consuming it would reserve its base for nothing.
				lp.sawSurvivor = true
				index = order.Next
				continue
			}
			if remaining.Cmp(orderCap) < 0 {
				frozen := new(big.Int).Set(remaining)
				reserved := fixedpoint.DivDec(fixedpoint.MulDec(frozen, makerReserveRatio), price)
				e.appendStep(plan, lp, level, index, order, frozen, reserved, false)
				remaining.SetInt64(0)
				lp.sawSurvivor = true
				break
			}

			frozen := orderCap
			reserved := new(big.Int).Set(order.Fillable)
			e.appendStep(plan, lp, level, index, order, frozen, reserved, true)
			remaining.Sub(remaining, frozen)
			index = order.Next
		}
	}
	return plan
}

// appendStep records a planned fill and updates the plan's last-matched
// coordinates.
func (e *Engine) appendStep(plan *matchPlan, lp *levelPlan, level int, index uint64, order *book.Order, frozen, reserved *big.Int, full bool) {
	effective := fixedpoint.DivDec(frozen, pdMultiplier(level))
	plan.steps = append(plan.steps, fillStep{
		level:     level,
		index:     index,
		maker:     order.Maker,
		frozen:    frozen,
		effective: effective,
		reserved:  reserved,
		full:      full,
	})
	if full {
		if lp.sawSurvivor {
			lp.interior = append(lp.interior, index)
		} else {
			lp.headRun = append(lp.headRun, index)
		}
	}
	plan.totalFrozen.Add(plan.totalFrozen, frozen)
	plan.lastLevel = level
	plan.lastIndex = index
	plan.lastAmount = new(big.Int).Set(reserved)
}

// Sell matches a taker sell of baseAmount of tranche t against resting
// bids, accepting levels down to minPDLevel. The base is consumed from the
// taker's available balance; matched quantities defer to settlement.
func (e *Engine) Sell(now int64, taker common.Address, t domain.Tranche, minPDLevel int, baseAmount *big.Int, version uint64) (*TradeSummary, error) {
	if err := e.validateTaker(now, t, minPDLevel, version); err != nil {
		return nil, err
	}
	navs, err := e.estimateNav(now)
	if err != nil {
		return nil, err
	}
	nav := navs[t]
	if nav.Sign() == 0 {
		return nil, domain.ErrZeroPrice
	}

	tb := e.bookFor(version, t)
	plan := e.planSell(now, tb, nav, minPDLevel, baseAmount)
	if plan.totalFrozen.Sign() == 0 {
		return nil, domain.ErrNothingMatched
	}

	if err := e.staking.TradeAvailable(now, taker, t, plan.totalFrozen); err != nil {
		return nil, err
	}

	epoch := e.EpochStart(now)
	takerCell := e.pendingFor(taker, epoch, version).Cells[t]
	for _, step := range plan.steps {
		takerCell.TakerSell.accumulate(step.frozen, step.effective, step.reserved)
		makerCell := e.pendingFor(step.maker, epoch, version).Cells[t]
		makerCell.MakerBuy.accumulate(step.frozen, step.effective, step.reserved)
		if step.full {
			e.releaseClientOrder(domain.OrderRef{
				ConversionID: version,
				Tranche:      t,
				Side:         domain.OrderSideBid,
				PDLevel:      step.level,
				Index:        step.index,
			})
		}
	}
	e.applyQueueRepairs(tb, plan, false)
	e.repairBestBid(tb)

	e.logger.Info("taker sell",
		slog.String("taker", taker.Hex()),
		slog.String("tranche", t.String()),
		slog.String("frozen_base", plan.totalFrozen.String()),
		slog.Int("last_level", plan.lastLevel),
	)
	return &TradeSummary{
		Tranche:        t,
		ConversionID:   version,
		Epoch:          epoch,
		Frozen:         plan.totalFrozen,
		LastPDLevel:    plan.lastLevel,
		LastIndex:      plan.lastIndex,
		LastFillAmount: plan.lastAmount,
	}, nil
}

// planSell walks bid levels from the best bid downward (worse for the
// seller). For each resting bid, the quote reserved at 110% of the naive
// value must not exceed the order's fillable quote.
func (e *Engine) planSell(now int64, tb *trancheBook, nav *big.Int, minPDLevel int, baseAmount *big.Int) *matchPlan {
	plan := &matchPlan{totalFrozen: new(big.Int), lastAmount: new(big.Int)}
	if tb.bestBid == 0 {
		return plan
	}
	remaining := new(big.Int).Set(baseAmount)

	for level := tb.bestBid; level >= minPDLevel && remaining.Sign() > 0; level-- {
		q := &tb.bids[level]
		if q.IsEmpty() {
			continue
		}
		price := fixedpoint.MulDec(nav, pdMultiplier(level))
		lp := &levelPlan{level: level}
		plan.levels = append(plan.levels, lp)

		for index := q.Head(); index != 0 && remaining.Sign() > 0; {
			order := q.Get(index)
			if !e.gate.IsEligible(order.Maker, now) {
				if !lp.sawSurvivor {
					lp.sawSurvivor = true
				}
				index = order.Next
				continue
			}

			// The largest base this order can absorb.
			orderCap := fixedpoint.DivDec(fixedpoint.DivDec(order.Fillable, makerReserveRatio), price)
			if orderCap.Sign() == 0 {
				// Dust bids are skipped the same way as dust asks.
				lp.sawSurvivor = true
				index = order.Next
				continue
			}
			if remaining.Cmp(orderCap) < 0 {
				frozen := new(big.Int).Set(remaining)
				reserved := fixedpoint.MulDec(fixedpoint.MulDec(frozen, makerReserveRatio), price)
				e.appendSellStep(plan, lp, level, index, order, frozen, reserved, false)
				remaining.SetInt64(0)
				lp.sawSurvivor = true
				break
			}

			frozen := orderCap
			reserved := new(big.Int).Set(order.Fillable)
			e.appendSellStep(plan, lp, level, index, order, frozen, reserved, true)
			remaining.Sub(remaining, frozen)
			index = order.Next
		}
	}
	return plan
}

func (e *Engine) appendSellStep(plan *matchPlan, lp *levelPlan, level int, index uint64, order *book.Order, frozen, reserved *big.Int, full bool) {
	effective := fixedpoint.MulDec(frozen, pdMultiplier(level))
	plan.steps = append(plan.steps, fillStep{
		level:     level,
		index:     index,
		maker:     order.Maker,
		frozen:    frozen,
		effective: effective,
		reserved:  reserved,
		full:      full,
	})
	if full {
		if lp.sawSurvivor {
			lp.interior = append(lp.interior, index)
		} else {
			lp.headRun = append(lp.headRun, index)
		}
	}
	plan.totalFrozen.Add(plan.totalFrozen, frozen)
	plan.lastLevel = level
	plan.lastIndex = index
	plan.lastAmount = new(big.Int).Set(reserved)
}

// applyQueueRepairs mutates the queues according to the plan: partial fills
// decrement fillable in place, contiguous head runs are removed with the
// amortized fill-then-update-head path, and fills behind a skipped survivor
// unlink with full neighbor patching to keep the list sound.
func (e *Engine) applyQueueRepairs(tb *trancheBook, plan *matchPlan, askSide bool) {
	for _, step := range plan.steps {
		if step.full {
			continue
		}
		q := e.queueAt(tb, step.level, askSide)
		q.Get(step.index).Fillable.Sub(q.Get(step.index).Fillable, step.reserved)
	}
	for _, lp := range plan.levels {
		q := e.queueAt(tb, lp.level, askSide)
		if len(lp.headRun) > 0 {
			index := q.Head()
			for range lp.headRun {
				index = q.Fill(index)
			}
			q.UpdateHead(index)
		}
		for _, index := range lp.interior {
			q.Cancel(index)
		}
	}
}

func (e *Engine) queueAt(tb *trancheBook, level int, askSide bool) *book.Queue {
	if askSide {
		return &tb.asks[level]
	}
	return &tb.bids[level]
}

// repairBestAsk advances the best ask past now-empty levels.
func (e *Engine) repairBestAsk(tb *trancheBook) {
	if tb.bestAsk == 0 {
		return
	}
	for level := tb.bestAsk; level <= PDLevelCount; level++ {
		if !tb.asks[level].IsEmpty() {
			tb.bestAsk = level
			return
		}
	}
	tb.bestAsk = 0
}

// repairBestBid advances the best bid past now-empty levels.
func (e *Engine) repairBestBid(tb *trancheBook) {
	if tb.bestBid == 0 {
		return
	}
	for level := tb.bestBid; level >= 1; level-- {
		if !tb.bids[level].IsEmpty() {
			tb.bestBid = level
			return
		}
	}
	tb.bestBid = 0
}
