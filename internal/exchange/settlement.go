package exchange

import (
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/fixedpoint"
)

// SettlementResult reports the balance effects of settling one account's
// pending trades for one epoch. Base amounts are denominated at the version
// the trades executed in and are credited through the conversion path.
type SettlementResult struct {
	Base    domain.Amounts
	Quote   *big.Int
	Version uint64
}

func emptySettlement(version uint64) *SettlementResult {
	return &SettlementResult{Base: domain.NewAmounts(), Quote: new(big.Int), Version: version}
}

// closingNav returns the epoch's true closing NAVs, estimated at the epoch's
// end once its TWAP is determinable.
func (e *Engine) closingNav(now, epoch int64) (domain.Amounts, error) {
	closeTime := epoch + e.epochLength
	if now < closeTime {
		return domain.Amounts{}, domain.ErrEpochNotClosed
	}
	price := e.fund.TWAPPrice(closeTime)
	if price.Sign() == 0 {
		return domain.Amounts{}, domain.ErrZeroPrice
	}
	return e.fund.ExtrapolateNav(closeTime, price), nil
}

// versionAt returns the conversion id in effect at ts.
func (e *Engine) versionAt(ts int64) uint64 {
	v := e.fund.CurrentConversionID()
	for v > 0 && e.fund.ConversionTimestamp(v) > ts {
		v--
	}
	return v
}

// SettleTaker resolves the account's taker-side pending trades for an
// epoch: bought base is credited through the conversion path, sold base
// yields the reserved quote, and the unexecuted share of each frozen asset
// refunds. Settling an already-settled or empty epoch is a no-op.
func (e *Engine) SettleTaker(now int64, account common.Address, epoch int64) (*SettlementResult, error) {
	et := e.pending[pendingKey{account: account, epoch: epoch}]
	if et == nil {
		return emptySettlement(e.fund.CurrentConversionID()), nil
	}
	hasWork := false
	for _, cell := range et.Cells {
		if !cell.TakerBuy.isZero() || !cell.TakerSell.isZero() {
			hasWork = true
		}
	}
	if !hasWork {
		return emptySettlement(et.Version), nil
	}

	navs, err := e.closingNav(now, epoch)
	if err != nil {
		return nil, err
	}
	// The closing NAV is denominated at the version in effect when the epoch
	// closed; a conversion after the last fill must restate the record first.
	et.convertTo(e.fund, e.versionAt(epoch+e.epochLength))

	result := emptySettlement(et.Version)
	for _, t := range domain.Tranches {
		cell := et.Cells[t]
		nav := navs[t]
		if !cell.TakerBuy.isZero() {
			executedQuote, executedBase := cell.TakerBuy.Result(nav)
			result.Base[t].Add(result.Base[t], executedBase)
			refund := new(big.Int).Sub(cell.TakerBuy.FrozenQuote, executedQuote)
			result.Quote.Add(result.Quote, refund)
			cell.TakerBuy.reset()
		}
		if !cell.TakerSell.isZero() {
			executedBase, executedQuote := cell.TakerSell.Result(nav)
			result.Quote.Add(result.Quote, executedQuote)
			refund := new(big.Int).Sub(cell.TakerSell.FrozenBase, executedBase)
			result.Base[t].Add(result.Base[t], refund)
			cell.TakerSell.reset()
		}
	}

	if err := e.payout(now, account, result); err != nil {
		return nil, err
	}
	e.logger.Info("taker settled",
		slog.String("account", account.Hex()),
		slog.Int64("epoch", epoch),
		slog.String("quote", result.Quote.String()),
	)
	return result, nil
}

// SettleMaker resolves the account's maker-side pending trades for an
// epoch: filled asks yield the executed quote, filled bids yield the
// executed base. Settling an already-settled or empty epoch is a no-op.
func (e *Engine) SettleMaker(now int64, account common.Address, epoch int64) (*SettlementResult, error) {
	et := e.pending[pendingKey{account: account, epoch: epoch}]
	if et == nil {
		return emptySettlement(e.fund.CurrentConversionID()), nil
	}
	hasWork := false
	for _, cell := range et.Cells {
		if !cell.MakerBuy.isZero() || !cell.MakerSell.isZero() {
			hasWork = true
		}
	}
	if !hasWork {
		return emptySettlement(et.Version), nil
	}

	navs, err := e.closingNav(now, epoch)
	if err != nil {
		return nil, err
	}
	et.convertTo(e.fund, e.versionAt(epoch+e.epochLength))

	result := emptySettlement(et.Version)
	for _, t := range domain.Tranches {
		cell := et.Cells[t]
		nav := navs[t]
		if !cell.MakerSell.isZero() {
			executedQuote, _ := cell.MakerSell.Result(nav)
			result.Quote.Add(result.Quote, executedQuote)
			cell.MakerSell.reset()
		}
		if !cell.MakerBuy.isZero() {
			executedBase, _ := cell.MakerBuy.Result(nav)
			result.Base[t].Add(result.Base[t], executedBase)
			cell.MakerBuy.reset()
		}
	}

	if err := e.payout(now, account, result); err != nil {
		return nil, err
	}
	e.logger.Info("maker settled",
		slog.String("account", account.Hex()),
		slog.Int64("epoch", epoch),
		slog.String("quote", result.Quote.String()),
	)
	return result, nil
}

// payout applies a settlement result: base through the staking conversion
// path, quote by direct transfer with outbound rounding.
func (e *Engine) payout(now int64, account common.Address, result *SettlementResult) error {
	if !result.Base.IsZero() {
		if err := e.staking.ConvertAndClearTrade(now, account, result.Base, result.Version); err != nil {
			return err
		}
	}
	if result.Quote.Sign() > 0 {
		if err := e.quote.Transfer(account, fixedpoint.ToNativeFloor(result.Quote, e.quoteUnit)); err != nil {
			return err
		}
	}
	return nil
}
