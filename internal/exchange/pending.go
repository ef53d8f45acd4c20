package exchange

import (
	"math/big"

	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/fixedpoint"
)

// makerReserveRatio is the 110% inflation factor applied to the asset
// reserved from a resting order at fill time. It protects fills against NAV
// drift between the matching estimate and the settlement price: the reserved
// side carries a cushion, and the settlement formulas decide how much of the
// frozen counter-asset actually changes hands.
var makerReserveRatio = big.NewInt(1_100_000_000_000_000_000) // 1.1e18

// BuyTrade accumulates one side of buy-direction fills within an epoch:
// quote frozen from the payer, its NAV-parity value, and the base reserved
// at 110% from the seller. The same record shape serves the taker of a Buy
// and the maker of a filled ask.
type BuyTrade struct {
	FrozenQuote    *big.Int // quote taken from the buyer at trade time
	EffectiveQuote *big.Int // frozen quote discounted to NAV parity
	ReservedBase   *big.Int // base set aside from the seller, with cushion
}

// SellTrade is the mirror record for sell-direction fills: base frozen from
// the seller, its NAV-parity value, and the quote reserved at 110% from the
// buyer's resting bid.
type SellTrade struct {
	FrozenBase    *big.Int
	EffectiveBase *big.Int
	ReservedQuote *big.Int
}

func newBuyTrade() BuyTrade {
	return BuyTrade{new(big.Int), new(big.Int), new(big.Int)}
}

func newSellTrade() SellTrade {
	return SellTrade{new(big.Int), new(big.Int), new(big.Int)}
}

func (t *BuyTrade) accumulate(frozen, effective, reserved *big.Int) {
	t.FrozenQuote.Add(t.FrozenQuote, frozen)
	t.EffectiveQuote.Add(t.EffectiveQuote, effective)
	t.ReservedBase.Add(t.ReservedBase, reserved)
}

func (t *SellTrade) accumulate(frozen, effective, reserved *big.Int) {
	t.FrozenBase.Add(t.FrozenBase, frozen)
	t.EffectiveBase.Add(t.EffectiveBase, effective)
	t.ReservedQuote.Add(t.ReservedQuote, reserved)
}

func (t *BuyTrade) isZero() bool { return t.FrozenQuote.Sign() == 0 }

func (t *SellTrade) isZero() bool { return t.FrozenBase.Sign() == 0 }

func (t *BuyTrade) reset() {
	t.FrozenQuote.SetInt64(0)
	t.EffectiveQuote.SetInt64(0)
	t.ReservedBase.SetInt64(0)
}

func (t *SellTrade) reset() {
	t.FrozenBase.SetInt64(0)
	t.EffectiveBase.SetInt64(0)
	t.ReservedQuote.SetInt64(0)
}

// Result resolves a buy-direction record against the epoch's true NAV. The
// buyer always receives the full reserved base; when the reservation's value
// at the true NAV falls short of the effective quote, the trade executes
// partially and only a proportional share of the frozen quote is kept, the
// rest refunding to the buyer.
func (t *BuyTrade) Result(nav *big.Int) (executedQuote, executedBase *big.Int) {
	executedBase = new(big.Int).Set(t.ReservedBase)
	reservedValue := fixedpoint.MulDec(t.ReservedBase, nav)
	if reservedValue.Cmp(t.EffectiveQuote) >= 0 {
		return new(big.Int).Set(t.FrozenQuote), executedBase
	}
	executedQuote = fixedpoint.MulDiv(t.FrozenQuote, reservedValue, t.EffectiveQuote)
	return executedQuote, executedBase
}

// Result resolves a sell-direction record against the epoch's true NAV. The
// seller always receives the full reserved quote; when the effective base is
// worth more than the reservation at the true NAV, only a proportional share
// of the frozen base is kept and the rest refunds to the seller.
func (t *SellTrade) Result(nav *big.Int) (executedBase, executedQuote *big.Int) {
	executedQuote = new(big.Int).Set(t.ReservedQuote)
	effectiveValue := fixedpoint.MulDec(t.EffectiveBase, nav)
	if effectiveValue.Cmp(t.ReservedQuote) <= 0 {
		return new(big.Int).Set(t.FrozenBase), executedQuote
	}
	executedBase = fixedpoint.MulDiv(t.FrozenBase, t.ReservedQuote, effectiveValue)
	return executedBase, executedQuote
}

// PendingTrade holds the four independently accumulated aggregates for one
// (account, tranche, epoch) cell. Created lazily on first fill, zeroed at
// settlement.
type PendingTrade struct {
	TakerBuy  BuyTrade
	TakerSell SellTrade
	MakerBuy  SellTrade // the account's resting bid was filled
	MakerSell BuyTrade  // the account's resting ask was filled
}

func newPendingTrade() *PendingTrade {
	return &PendingTrade{
		TakerBuy:  newBuyTrade(),
		TakerSell: newSellTrade(),
		MakerBuy:  newSellTrade(),
		MakerSell: newBuyTrade(),
	}
}

// epochTrades is the per-account pending ledger for one epoch: one cell per
// tranche, all denominated at Version.
type epochTrades struct {
	Version uint64
	Cells   [domain.TrancheCount]*PendingTrade
}

func newEpochTrades(version uint64) *epochTrades {
	et := &epochTrades{Version: version}
	for i := range et.Cells {
		et.Cells[i] = newPendingTrade()
	}
	return et
}

func (et *epochTrades) isZero() bool {
	for _, c := range et.Cells {
		if !c.TakerBuy.isZero() || !c.TakerSell.isZero() || !c.MakerBuy.isZero() || !c.MakerSell.isZero() {
			return false
		}
	}
	return true
}

// convertTo restates every base-denominated quantity in the ledger from
// et.Version to version. Each field forms a per-tranche triple across the
// three cells, which is what the conversion matrix operates on; quote
// quantities are unaffected by conversions and stay as they are.
func (et *epochTrades) convertTo(oracle domain.FundOracle, version uint64) {
	if version <= et.Version {
		return
	}
	restate := func(field func(*PendingTrade) *big.Int) {
		triple := domain.NewAmounts()
		for i, cell := range et.Cells {
			triple[i].Set(field(cell))
		}
		triple = oracle.BatchConvert(triple, et.Version, version)
		for i, cell := range et.Cells {
			field(cell).Set(triple[i])
		}
	}
	restate(func(c *PendingTrade) *big.Int { return c.TakerBuy.ReservedBase })
	restate(func(c *PendingTrade) *big.Int { return c.TakerSell.FrozenBase })
	restate(func(c *PendingTrade) *big.Int { return c.TakerSell.EffectiveBase })
	restate(func(c *PendingTrade) *big.Int { return c.MakerBuy.FrozenBase })
	restate(func(c *PendingTrade) *big.Int { return c.MakerBuy.EffectiveBase })
	restate(func(c *PendingTrade) *big.Int { return c.MakerSell.ReservedBase })
	et.Version = version
}
