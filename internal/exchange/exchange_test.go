package exchange

import (
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/fixedpoint"
	"github.com/tranchess/contract-exchange/internal/fund"
	"github.com/tranchess/contract-exchange/internal/staking"
)

var (
	pool   = common.HexToAddress("0x1000")
	maker1 = common.HexToAddress("0x2001")
	maker2 = common.HexToAddress("0x2002")
	taker1 = common.HexToAddress("0x3001")
)

func fp(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.Scale)
}

func halfOf(v *big.Int) *big.Int {
	return new(big.Int).Div(v, big.NewInt(2))
}

type exchangeEnv struct {
	oracle  *fund.Oracle
	chess   *fund.Token
	relayer *fund.WeightRelayer
	roster  *fund.Roster
	quote   *fund.Token
	stake   *staking.Engine
	engine  *Engine
}

// newExchangeEnv wires a full in-memory stack at t=0: NAV parity, TWAP of
// one, 30-minute epochs, and an empty book.
func newExchangeEnv(quoteDecimals uint8) *exchangeEnv {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	oracle := fund.NewOracle()
	oracle.SetTWAP(-7200, fp(1))
	oracle.SetNavs(-7200, fp(1), fp(1), fp(1))

	chess := fund.NewToken("chess", 18)
	relayer := fund.NewWeightRelayer()
	roster := fund.NewRoster(fp(1))
	quote := fund.NewToken("usd", quoteDecimals)

	stake := staking.New(oracle, chess, relayer, pool, 0, logger)
	engine := New(stake, oracle, roster, quote, DefaultConfig(), logger)
	return &exchangeEnv{
		oracle:  oracle,
		chess:   chess,
		relayer: relayer,
		roster:  roster,
		quote:   quote,
		stake:   stake,
		engine:  engine,
	}
}

// qualify makes an account an eligible maker.
func (env *exchangeEnv) qualify(addr common.Address) {
	env.roster.SetStake(addr, fp(1), 0)
}

// seedShares mints tranche shares to the wallet and deposits them into the
// staking ledger at t=0.
func (env *exchangeEnv) seedShares(t *testing.T, addr common.Address, tr domain.Tranche, amount *big.Int) {
	t.Helper()
	if err := env.oracle.ShareToken(tr).Mint(addr, amount); err != nil {
		t.Fatalf("mint shares: %v", err)
	}
	if err := env.stake.Deposit(0, addr, tr, amount); err != nil {
		t.Fatalf("deposit shares: %v", err)
	}
}

func (env *exchangeEnv) seedQuote(t *testing.T, addr common.Address, native *big.Int) {
	t.Helper()
	if err := env.quote.Mint(addr, native); err != nil {
		t.Fatalf("mint quote: %v", err)
	}
}

func TestPlacementValidation(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedQuote(t, maker1, fp(1000))

	tests := []struct {
		name    string
		tranche domain.Tranche
		maker   common.Address
		pdLevel int
		amount  *big.Int
		version uint64
		want    error
	}{
		{"invalid tranche", domain.Tranche(7), maker1, 41, fp(10), 0, domain.ErrInvalidTranche},
		{"ineligible maker", domain.TrancheP, maker2, 41, fp(10), 0, domain.ErrMakerIneligible},
		{"below minimum", domain.TrancheP, maker1, 41, big.NewInt(1), 0, domain.ErrAmountBelowMinimum},
		{"level zero", domain.TrancheP, maker1, 0, fp(10), 0, domain.ErrInvalidPDLevel},
		{"level above band", domain.TrancheP, maker1, 82, fp(10), 0, domain.ErrInvalidPDLevel},
		{"stale conversion", domain.TrancheP, maker1, 41, fp(10), 1, domain.ErrStaleConversion},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.engine.PlaceBid(100, tc.maker, tc.tranche, tc.pdLevel, tc.amount, tc.version, "")
			if !errors.Is(err, tc.want) {
				t.Fatalf("PlaceBid error = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := env.engine.PlaceBid(100, maker1, domain.TrancheP, 41, fp(10), 0, ""); err != nil {
		t.Fatalf("valid bid rejected: %v", err)
	}
}

func TestPlacementCrossing(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedQuote(t, maker1, fp(1000))
	env.seedShares(t, maker1, domain.TrancheA, fp(100))

	if _, err := env.engine.PlaceAsk(100, maker1, domain.TrancheA, 45, fp(10), 0, ""); err != nil {
		t.Fatalf("place ask: %v", err)
	}
	if _, err := env.engine.PlaceBid(100, maker1, domain.TrancheA, 45, fp(10), 0, ""); !errors.Is(err, domain.ErrPriceCrossing) {
		t.Fatalf("bid at best ask: error = %v, want ErrPriceCrossing", err)
	}
	if _, err := env.engine.PlaceBid(100, maker1, domain.TrancheA, 44, fp(10), 0, ""); err != nil {
		t.Fatalf("bid below ask: %v", err)
	}
	if _, err := env.engine.PlaceAsk(100, maker1, domain.TrancheA, 44, fp(10), 0, ""); !errors.Is(err, domain.ErrPriceCrossing) {
		t.Fatalf("ask at best bid: error = %v, want ErrPriceCrossing", err)
	}
}

func TestClientOrderID(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedQuote(t, maker1, fp(1000))

	ref, err := env.engine.PlaceBid(100, maker1, domain.TrancheP, 40, fp(10), 0, "ord-1")
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	got, err := env.engine.ResolveClientOrder("ord-1")
	if err != nil || got != ref {
		t.Fatalf("ResolveClientOrder = %+v, %v, want %+v", got, err, ref)
	}
	if _, err := env.engine.PlaceBid(100, maker1, domain.TrancheP, 39, fp(10), 0, "ord-1"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate client order id: error = %v, want ErrAlreadyExists", err)
	}
	if _, err := env.engine.ResolveClientOrder("missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("unknown client order id: error = %v, want ErrOrderNotFound", err)
	}
}

func TestCancelBidRepairsBestLevel(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedQuote(t, maker1, fp(1000))

	refLow, err := env.engine.PlaceBid(100, maker1, domain.TrancheP, 30, fp(10), 0, "")
	if err != nil {
		t.Fatalf("place low bid: %v", err)
	}
	refHigh, err := env.engine.PlaceBid(100, maker1, domain.TrancheP, 35, fp(20), 0, "")
	if err != nil {
		t.Fatalf("place high bid: %v", err)
	}
	if got := env.engine.BestBid(0, domain.TrancheP); got != 35 {
		t.Fatalf("best bid = %d, want 35", got)
	}

	if _, err := env.engine.CancelBid(200, maker2, refHigh); !errors.Is(err, domain.ErrNotOrderOwner) {
		t.Fatalf("cancel by stranger: error = %v, want ErrNotOrderOwner", err)
	}

	refund, err := env.engine.CancelBid(200, maker1, refHigh)
	if err != nil {
		t.Fatalf("cancel high bid: %v", err)
	}
	if refund.Cmp(fp(20)) != 0 {
		t.Fatalf("refund = %s, want %s", refund, fp(20))
	}
	if got := env.engine.BestBid(0, domain.TrancheP); got != 30 {
		t.Fatalf("best bid after cancel = %d, want 30", got)
	}
	if _, err := env.engine.CancelBid(200, maker1, refHigh); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("double cancel: error = %v, want ErrOrderNotFound", err)
	}

	if _, err := env.engine.CancelBid(200, maker1, refLow); err != nil {
		t.Fatalf("cancel low bid: %v", err)
	}
	if got := env.engine.BestBid(0, domain.TrancheP); got != 0 {
		t.Fatalf("best bid on empty book = %d, want 0", got)
	}
	if got := env.quote.BalanceOf(maker1); got.Cmp(fp(1000)) != 0 {
		t.Fatalf("maker quote after full refund = %s, want %s", got, fp(1000))
	}
}

func TestCancelAskUnlocksShares(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedShares(t, maker1, domain.TrancheB, fp(100))

	refNear, err := env.engine.PlaceAsk(100, maker1, domain.TrancheB, 45, fp(40), 0, "")
	if err != nil {
		t.Fatalf("place near ask: %v", err)
	}
	if _, err := env.engine.PlaceAsk(100, maker1, domain.TrancheB, 50, fp(60), 0, ""); err != nil {
		t.Fatalf("place far ask: %v", err)
	}
	if got := env.engine.BestAsk(0, domain.TrancheB); got != 45 {
		t.Fatalf("best ask = %d, want 45", got)
	}

	refund, err := env.engine.CancelAsk(200, maker1, refNear)
	if err != nil {
		t.Fatalf("cancel ask: %v", err)
	}
	if refund.Cmp(fp(40)) != 0 {
		t.Fatalf("refund = %s, want %s", refund, fp(40))
	}
	if got := env.engine.BestAsk(0, domain.TrancheB); got != 50 {
		t.Fatalf("best ask after cancel = %d, want 50", got)
	}

	available, locked := env.stake.Balances(200, maker1)
	if available[domain.TrancheB].Cmp(fp(40)) != 0 {
		t.Fatalf("available B = %s, want %s", available[domain.TrancheB], fp(40))
	}
	if locked[domain.TrancheB].Cmp(fp(60)) != 0 {
		t.Fatalf("locked B = %s, want %s", locked[domain.TrancheB], fp(60))
	}
}

// A bid of 110 quote at parity absorbs exactly 100 base: the 110% reserve
// divides out evenly, so every settlement quantity is exact.
func TestSellFullFillSettlesExactly(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedQuote(t, maker1, fp(110))
	env.seedShares(t, taker1, domain.TrancheP, fp(100))

	now := int64(10_000)
	epoch := env.engine.EpochStart(now)
	if epoch != 9_000 {
		t.Fatalf("epoch = %d, want 9000", epoch)
	}

	if _, err := env.engine.PlaceBid(now, maker1, domain.TrancheP, 41, fp(110), 0, ""); err != nil {
		t.Fatalf("place bid: %v", err)
	}
	summary, err := env.engine.Sell(now, taker1, domain.TrancheP, 41, fp(100), 0)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if summary.Frozen.Cmp(fp(100)) != 0 {
		t.Fatalf("frozen base = %s, want %s", summary.Frozen, fp(100))
	}
	if summary.LastPDLevel != 41 || summary.LastFillAmount.Cmp(fp(110)) != 0 {
		t.Fatalf("last fill = level %d amount %s, want level 41 amount %s",
			summary.LastPDLevel, summary.LastFillAmount, fp(110))
	}
	if got := env.engine.BestBid(0, domain.TrancheP); got != 0 {
		t.Fatalf("best bid after full fill = %d, want 0", got)
	}

	// Closing NAV equals the estimate, so the full-execution branch applies:
	// the seller receives the entire reserved quote, the buyer the entire
	// frozen base.
	settleTime := epoch + env.engine.EpochLength()
	takerRes, err := env.engine.SettleTaker(settleTime, taker1, epoch)
	if err != nil {
		t.Fatalf("settle taker: %v", err)
	}
	if takerRes.Quote.Cmp(fp(110)) != 0 {
		t.Fatalf("taker settled quote = %s, want %s", takerRes.Quote, fp(110))
	}
	if !takerRes.Base.IsZero() {
		t.Fatalf("taker base refund = %v, want zero", takerRes.Base)
	}
	if got := env.quote.BalanceOf(taker1); got.Cmp(fp(110)) != 0 {
		t.Fatalf("taker quote wallet = %s, want %s", got, fp(110))
	}

	makerRes, err := env.engine.SettleMaker(settleTime, maker1, epoch)
	if err != nil {
		t.Fatalf("settle maker: %v", err)
	}
	if makerRes.Base[domain.TrancheP].Cmp(fp(100)) != 0 {
		t.Fatalf("maker settled base = %s, want %s", makerRes.Base[domain.TrancheP], fp(100))
	}
	available, _ := env.stake.Balances(settleTime, maker1)
	if available[domain.TrancheP].Cmp(fp(100)) != 0 {
		t.Fatalf("maker available P = %s, want %s", available[domain.TrancheP], fp(100))
	}
}

// A taker buy that fully consumes a resting ask hands the buyer exactly the
// reserved base regardless of where the closing NAV lands.
func TestBuyFullFillDeliversReservedBase(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedShares(t, maker1, domain.TrancheA, fp(100))

	now := int64(10_000)
	epoch := env.engine.EpochStart(now)

	if _, err := env.engine.PlaceAsk(now, maker1, domain.TrancheA, 41, fp(100), 0, ""); err != nil {
		t.Fatalf("place ask: %v", err)
	}

	// orderCap = 100 * nav / 1.1 at parity, truncated.
	orderCap := fixedpoint.DivDec(fp(100), makerReserveRatio)
	env.seedQuote(t, taker1, fp(95))

	summary, err := env.engine.Buy(now, taker1, domain.TrancheA, 41, fp(95), 0)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if summary.Frozen.Cmp(orderCap) != 0 {
		t.Fatalf("frozen quote = %s, want %s", summary.Frozen, orderCap)
	}
	if got := env.engine.BestAsk(0, domain.TrancheA); got != 0 {
		t.Fatalf("best ask after full fill = %d, want 0", got)
	}
	_, locked := env.stake.Balances(now, maker1)
	if locked[domain.TrancheA].Sign() != 0 {
		t.Fatalf("maker locked A = %s, want 0", locked[domain.TrancheA])
	}

	settleTime := epoch + env.engine.EpochLength()
	takerRes, err := env.engine.SettleTaker(settleTime, taker1, epoch)
	if err != nil {
		t.Fatalf("settle taker: %v", err)
	}
	if takerRes.Base[domain.TrancheA].Cmp(fp(100)) != 0 {
		t.Fatalf("taker settled base = %s, want %s", takerRes.Base[domain.TrancheA], fp(100))
	}
	if takerRes.Quote.Sign() != 0 {
		t.Fatalf("taker quote refund = %s, want 0", takerRes.Quote)
	}

	makerRes, err := env.engine.SettleMaker(settleTime, maker1, epoch)
	if err != nil {
		t.Fatalf("settle maker: %v", err)
	}
	if makerRes.Quote.Cmp(orderCap) != 0 {
		t.Fatalf("maker settled quote = %s, want %s", makerRes.Quote, orderCap)
	}
	if got := env.quote.BalanceOf(maker1); got.Cmp(orderCap) != 0 {
		t.Fatalf("maker quote wallet = %s, want %s", got, orderCap)
	}
}

// When the closing NAV halves, the reserve cushion is not enough to cover the
// frozen quote: only a proportional share executes and the rest refunds.
func TestPartialFillWithNavDrift(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedShares(t, maker1, domain.TrancheP, fp(100))
	env.seedQuote(t, taker1, fp(50))

	now := int64(10_000)
	epoch := env.engine.EpochStart(now)
	settleTime := epoch + env.engine.EpochLength()

	askRef, err := env.engine.PlaceAsk(now, maker1, domain.TrancheP, 41, fp(100), 0, "")
	if err != nil {
		t.Fatalf("place ask: %v", err)
	}
	summary, err := env.engine.Buy(now, taker1, domain.TrancheP, 41, fp(50), 0)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if summary.Frozen.Cmp(fp(50)) != 0 {
		t.Fatalf("frozen quote = %s, want %s", summary.Frozen, fp(50))
	}
	if summary.LastFillAmount.Cmp(fp(55)) != 0 {
		t.Fatalf("reserved base = %s, want %s", summary.LastFillAmount, fp(55))
	}
	_, locked := env.stake.Balances(now, maker1)
	if locked[domain.TrancheP].Cmp(fp(45)) != 0 {
		t.Fatalf("maker locked P after fill = %s, want %s", locked[domain.TrancheP], fp(45))
	}

	et := env.engine.PendingTrades(taker1, epoch)
	if et == nil {
		t.Fatal("no pending trades for taker")
	}
	tb := et.Cells[domain.TrancheP].TakerBuy
	if tb.FrozenQuote.Cmp(fp(50)) != 0 || tb.EffectiveQuote.Cmp(fp(50)) != 0 || tb.ReservedBase.Cmp(fp(55)) != 0 {
		t.Fatalf("taker buy record = {%s %s %s}, want {50 50 55}",
			tb.FrozenQuote, tb.EffectiveQuote, tb.ReservedBase)
	}

	// NAV halves by the close. reservedValue = 55 * 0.5 = 27.5 < 50, so
	// executedQuote = 50 * 27.5 / 50 = 27.5 and 22.5 refunds.
	env.oracle.SetNavs(settleTime, halfOf(fp(1)), fp(1), fp(1))

	wantExecuted := halfOf(fp(55))
	wantRefund := new(big.Int).Sub(fp(50), wantExecuted)

	takerRes, err := env.engine.SettleTaker(settleTime, taker1, epoch)
	if err != nil {
		t.Fatalf("settle taker: %v", err)
	}
	if takerRes.Base[domain.TrancheP].Cmp(fp(55)) != 0 {
		t.Fatalf("taker settled base = %s, want %s", takerRes.Base[domain.TrancheP], fp(55))
	}
	if takerRes.Quote.Cmp(wantRefund) != 0 {
		t.Fatalf("taker quote refund = %s, want %s", takerRes.Quote, wantRefund)
	}
	if got := env.quote.BalanceOf(taker1); got.Cmp(wantRefund) != 0 {
		t.Fatalf("taker quote wallet = %s, want %s", got, wantRefund)
	}

	makerRes, err := env.engine.SettleMaker(settleTime, maker1, epoch)
	if err != nil {
		t.Fatalf("settle maker: %v", err)
	}
	if makerRes.Quote.Cmp(wantExecuted) != 0 {
		t.Fatalf("maker settled quote = %s, want %s", makerRes.Quote, wantExecuted)
	}

	// The vault paid out exactly what the taker froze.
	paid := new(big.Int).Add(wantRefund, wantExecuted)
	if paid.Cmp(fp(50)) != 0 {
		t.Fatalf("total payout = %s, want %s", paid, fp(50))
	}

	// The unfilled remainder cancels back to the maker's available balance.
	refund, err := env.engine.CancelAsk(settleTime, maker1, askRef)
	if err != nil {
		t.Fatalf("cancel remainder: %v", err)
	}
	if refund.Cmp(fp(45)) != 0 {
		t.Fatalf("cancel refund = %s, want %s", refund, fp(45))
	}
	available, locked := env.stake.Balances(settleTime, maker1)
	if locked[domain.TrancheP].Sign() != 0 {
		t.Fatalf("maker locked P after cancel = %s, want 0", locked[domain.TrancheP])
	}
	if available[domain.TrancheP].Cmp(fp(45)) != 0 {
		t.Fatalf("maker available P after cancel = %s, want %s", available[domain.TrancheP], fp(45))
	}
}

// An order whose maker lost eligibility is skipped in place: later orders at
// the level still fill, the skipped order survives, and it becomes matchable
// again once the maker re-qualifies.
func TestIneligibleMakerSkipped(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.qualify(maker2)
	env.seedShares(t, maker1, domain.TrancheP, fp(100))
	env.seedShares(t, maker2, domain.TrancheP, fp(100))
	env.seedQuote(t, taker1, fp(200))

	now := int64(10_000)
	ref1, err := env.engine.PlaceAsk(now, maker1, domain.TrancheP, 41, fp(100), 0, "")
	if err != nil {
		t.Fatalf("place ask 1: %v", err)
	}
	if _, err := env.engine.PlaceAsk(now, maker2, domain.TrancheP, 41, fp(100), 0, ""); err != nil {
		t.Fatalf("place ask 2: %v", err)
	}

	env.roster.SetStake(maker1, big.NewInt(0), now)

	orderCap := fixedpoint.DivDec(fp(100), makerReserveRatio)
	summary, err := env.engine.Buy(now, taker1, domain.TrancheP, 41, fp(95), 0)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if summary.Frozen.Cmp(orderCap) != 0 {
		t.Fatalf("frozen quote = %s, want %s (maker2's full cap)", summary.Frozen, orderCap)
	}

	// maker1's order is untouched and still resting at the level.
	book := env.engine.bookFor(0, domain.TrancheP)
	q := &book.asks[41]
	if q.Len() != 1 {
		t.Fatalf("orders at level 41 = %d, want 1", q.Len())
	}
	order := q.Get(ref1.Index)
	if order == nil || order.Maker != maker1 || order.Fillable.Cmp(fp(100)) != 0 {
		t.Fatalf("survivor order = %+v, want maker1 with 100 fillable", order)
	}
	if got := env.engine.BestAsk(0, domain.TrancheP); got != 41 {
		t.Fatalf("best ask = %d, want 41", got)
	}
	_, locked := env.stake.Balances(now, maker1)
	if locked[domain.TrancheP].Cmp(fp(100)) != 0 {
		t.Fatalf("maker1 locked P = %s, want untouched %s", locked[domain.TrancheP], fp(100))
	}

	// Once maker1 re-qualifies the surviving order matches again.
	env.qualify(maker1)
	summary, err = env.engine.Buy(now+10, taker1, domain.TrancheP, 41, fp(55), 0)
	if err != nil {
		t.Fatalf("buy after requalify: %v", err)
	}
	if summary.Frozen.Cmp(fp(55)) != 0 {
		t.Fatalf("frozen quote = %s, want %s", summary.Frozen, fp(55))
	}
}

func TestTakerErrors(t *testing.T) {
	env := newExchangeEnv(18)
	env.seedShares(t, taker1, domain.TrancheP, fp(10))
	now := int64(10_000)

	if _, err := env.engine.Buy(now, taker1, domain.TrancheP, 41, fp(10), 0); !errors.Is(err, domain.ErrNothingMatched) {
		t.Fatalf("buy on empty book: error = %v, want ErrNothingMatched", err)
	}
	if _, err := env.engine.Sell(now, taker1, domain.TrancheP, 41, fp(10), 0); !errors.Is(err, domain.ErrNothingMatched) {
		t.Fatalf("sell on empty book: error = %v, want ErrNothingMatched", err)
	}
	if _, err := env.engine.Buy(now, taker1, domain.TrancheP, 41, fp(10), 3); !errors.Is(err, domain.ErrStaleConversion) {
		t.Fatalf("stale version: error = %v, want ErrStaleConversion", err)
	}
	if _, err := env.engine.Buy(now, taker1, domain.TrancheP, 0, fp(10), 0); !errors.Is(err, domain.ErrInvalidPDLevel) {
		t.Fatalf("bad level: error = %v, want ErrInvalidPDLevel", err)
	}

	env.oracle.SuspendTrading(now, now+100)
	if _, err := env.engine.Buy(now, taker1, domain.TrancheP, 41, fp(10), 0); !errors.Is(err, domain.ErrExchangeInactive) {
		t.Fatalf("suspended window: error = %v, want ErrExchangeInactive", err)
	}
}

func TestZeroTWAPRejectsMatching(t *testing.T) {
	// An oracle with no TWAP points yields a zero estimate price.
	oracle := fund.NewOracle()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chess := fund.NewToken("chess", 18)
	stake := staking.New(oracle, chess, fund.NewWeightRelayer(), pool, 0, logger)
	engine := New(stake, oracle, fund.NewRoster(fp(1)), fund.NewToken("usd", 18), DefaultConfig(), logger)

	if _, err := engine.Buy(10_000, taker1, domain.TrancheP, 41, fp(10), 0); !errors.Is(err, domain.ErrZeroPrice) {
		t.Fatalf("no TWAP: error = %v, want ErrZeroPrice", err)
	}
}

func TestSettlementGuards(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedShares(t, maker1, domain.TrancheP, fp(100))
	env.seedQuote(t, taker1, fp(50))

	now := int64(10_000)
	epoch := env.engine.EpochStart(now)
	settleTime := epoch + env.engine.EpochLength()

	if _, err := env.engine.PlaceAsk(now, maker1, domain.TrancheP, 41, fp(100), 0, ""); err != nil {
		t.Fatalf("place ask: %v", err)
	}
	if _, err := env.engine.Buy(now, taker1, domain.TrancheP, 41, fp(50), 0); err != nil {
		t.Fatalf("buy: %v", err)
	}

	if _, err := env.engine.SettleTaker(settleTime-1, taker1, epoch); !errors.Is(err, domain.ErrEpochNotClosed) {
		t.Fatalf("settle before close: error = %v, want ErrEpochNotClosed", err)
	}

	first, err := env.engine.SettleTaker(settleTime, taker1, epoch)
	if err != nil {
		t.Fatalf("settle taker: %v", err)
	}
	if first.Base[domain.TrancheP].Sign() == 0 {
		t.Fatal("first settlement credited nothing")
	}

	// Settling again is a no-op: nothing further moves.
	walletBefore := env.quote.BalanceOf(taker1)
	again, err := env.engine.SettleTaker(settleTime+100, taker1, epoch)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !again.Base.IsZero() || again.Quote.Sign() != 0 {
		t.Fatalf("second settlement = %+v, want zero", again)
	}
	if got := env.quote.BalanceOf(taker1); got.Cmp(walletBefore) != 0 {
		t.Fatalf("taker wallet moved on no-op settle: %s -> %s", walletBefore, got)
	}

	// An epoch the account never traded in settles to zero as well.
	empty, err := env.engine.SettleMaker(settleTime, taker1, epoch-3600)
	if err != nil {
		t.Fatalf("settle empty epoch: %v", err)
	}
	if !empty.Base.IsZero() || empty.Quote.Sign() != 0 {
		t.Fatalf("empty settlement = %+v, want zero", empty)
	}
}

// With a 6-decimal quote asset, pulls round up to the next native unit and
// payouts round down, so dust never leaves the vault.
func TestQuoteRounding(t *testing.T) {
	env := newExchangeEnv(6)
	env.qualify(maker1)

	unit := fixedpoint.Unit(6)
	amount := new(big.Int).Add(fp(10), big.NewInt(1)) // 10.000000000000000001
	nativeCeil := fixedpoint.ToNativeCeil(amount, unit)
	env.seedQuote(t, maker1, nativeCeil)

	ref, err := env.engine.PlaceBid(100, maker1, domain.TrancheP, 40, amount, 0, "")
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if got := env.quote.BalanceOf(maker1); got.Sign() != 0 {
		t.Fatalf("maker wallet after pull = %s, want 0", got)
	}

	refund, err := env.engine.CancelBid(200, maker1, ref)
	if err != nil {
		t.Fatalf("cancel bid: %v", err)
	}
	if refund.Cmp(amount) != 0 {
		t.Fatalf("ledger refund = %s, want %s", refund, amount)
	}
	// Floor on the way out: the sub-unit wei stays behind.
	wantNative := fixedpoint.ToNativeFloor(amount, unit)
	if got := env.quote.BalanceOf(maker1); got.Cmp(wantNative) != 0 {
		t.Fatalf("maker wallet after refund = %s, want %s", got, wantNative)
	}
}

func TestDepthSnapshot(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedQuote(t, maker1, fp(1000))
	env.seedShares(t, maker1, domain.TrancheA, fp(100))

	if _, err := env.engine.PlaceBid(100, maker1, domain.TrancheA, 38, fp(10), 0, ""); err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if _, err := env.engine.PlaceBid(100, maker1, domain.TrancheA, 38, fp(5), 0, ""); err != nil {
		t.Fatalf("place second bid: %v", err)
	}
	if _, err := env.engine.PlaceAsk(100, maker1, domain.TrancheA, 44, fp(20), 0, ""); err != nil {
		t.Fatalf("place ask: %v", err)
	}

	snap := env.engine.DepthSnapshot(0, domain.TrancheA, time.Unix(100, 0))
	if snap.BestBid != 38 || snap.BestAsk != 44 {
		t.Fatalf("best levels = (%d, %d), want (38, 44)", snap.BestBid, snap.BestAsk)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].PDLevel != 38 || snap.Bids[0].Orders != 2 {
		t.Fatalf("bid depth = %+v, want one level with two orders", snap.Bids)
	}
	if snap.Bids[0].Amount != fp(15).String() {
		t.Fatalf("bid amount = %s, want %s", snap.Bids[0].Amount, fp(15))
	}
	if len(snap.Asks) != 1 || snap.Asks[0].PDLevel != 44 || snap.Asks[0].Amount != fp(20).String() {
		t.Fatalf("ask depth = %+v, want one level of 20", snap.Asks)
	}
}

// refusingQuote wraps the in-memory quote token and can be told to reject
// outbound transfers, standing in for a vault that refuses a payment.
type refusingQuote struct {
	*fund.Token
	refuse bool
}

func (q *refusingQuote) Transfer(to common.Address, amount *big.Int) error {
	if q.refuse {
		return errors.New("transfer refused")
	}
	return q.Token.Transfer(to, amount)
}

// A cancel whose refund transfer fails must leave the order resting and
// retryable, not remove it with the maker unpaid.
func TestCancelBidKeepsOrderWhenRefundFails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	oracle := fund.NewOracle()
	oracle.SetTWAP(0, fp(1))
	oracle.SetNavs(0, fp(1), fp(1), fp(1))
	roster := fund.NewRoster(fp(1))
	roster.SetStake(maker1, fp(1), 0)
	quote := &refusingQuote{Token: fund.NewToken("usd", 18)}
	stake := staking.New(oracle, fund.NewToken("chess", 18), fund.NewWeightRelayer(), pool, 0, logger)
	engine := New(stake, oracle, roster, quote, DefaultConfig(), logger)

	if err := quote.Mint(maker1, fp(100)); err != nil {
		t.Fatalf("mint quote: %v", err)
	}
	ref, err := engine.PlaceBid(100, maker1, domain.TrancheP, 40, fp(10), 0, "cli-1")
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}

	quote.refuse = true
	if _, err := engine.CancelBid(200, maker1, ref); err == nil {
		t.Fatal("cancel with failing refund: want error, got nil")
	}
	if got, err := engine.ResolveClientOrder("cli-1"); err != nil || got != ref {
		t.Fatalf("order registration after failed cancel = %+v, %v, want intact", got, err)
	}
	if got := engine.BestBid(0, domain.TrancheP); got != 40 {
		t.Fatalf("best bid after failed cancel = %d, want 40", got)
	}

	// Once the vault cooperates the same cancel succeeds in full.
	quote.refuse = false
	refund, err := engine.CancelBid(300, maker1, ref)
	if err != nil {
		t.Fatalf("retried cancel: %v", err)
	}
	if refund.Cmp(fp(10)) != 0 {
		t.Fatalf("refund = %s, want %s", refund, fp(10))
	}
	if got := quote.BalanceOf(maker1); got.Cmp(fp(100)) != 0 {
		t.Fatalf("maker wallet = %s, want restored %s", got, fp(100))
	}
}

// A taker buy whose planned fills are not fully backed by locked balances
// aborts before the taker's quote moves and before any pending state forms.
func TestBuyAbortsCleanlyWithoutLockedBacking(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedShares(t, maker1, domain.TrancheP, fp(100))
	env.seedQuote(t, taker1, fp(50))

	now := int64(10_000)
	if _, err := env.engine.PlaceAsk(now, maker1, domain.TrancheP, 41, fp(100), 0, ""); err != nil {
		t.Fatalf("place ask: %v", err)
	}
	// Drain the locked balance behind the book's back.
	if err := env.stake.TradeLocked(now, maker1, domain.TrancheP, fp(100)); err != nil {
		t.Fatalf("drain locked: %v", err)
	}

	if _, err := env.engine.Buy(now, taker1, domain.TrancheP, 41, fp(50), 0); !errors.Is(err, domain.ErrInsufficientLocked) {
		t.Fatalf("buy error = %v, want ErrInsufficientLocked", err)
	}
	if got := env.quote.BalanceOf(taker1); got.Cmp(fp(50)) != 0 {
		t.Fatalf("taker wallet = %s, want untouched %s", got, fp(50))
	}
	if et := env.engine.PendingTrades(taker1, env.engine.EpochStart(now)); et != nil {
		t.Fatalf("pending ledger = %+v, want none", et)
	}
}

// Client order ids are freed when the order leaves the book, whether by
// cancel or by full fill, so the same id can be registered again.
func TestClientOrderIDFreedWhenOrderLeavesBook(t *testing.T) {
	env := newExchangeEnv(18)
	env.qualify(maker1)
	env.seedQuote(t, maker1, fp(1000))
	env.seedShares(t, maker1, domain.TrancheA, fp(100))
	env.seedQuote(t, taker1, fp(50))

	ref, err := env.engine.PlaceBid(100, maker1, domain.TrancheA, 40, fp(10), 0, "bid-1")
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if _, err := env.engine.CancelBid(200, maker1, ref); err != nil {
		t.Fatalf("cancel bid: %v", err)
	}
	if _, err := env.engine.ResolveClientOrder("bid-1"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("resolve after cancel: error = %v, want ErrOrderNotFound", err)
	}
	if _, err := env.engine.PlaceBid(300, maker1, domain.TrancheA, 40, fp(10), 0, "bid-1"); err != nil {
		t.Fatalf("reuse id after cancel: %v", err)
	}

	if _, err := env.engine.PlaceAsk(300, maker1, domain.TrancheA, 45, fp(10), 0, "ask-1"); err != nil {
		t.Fatalf("place ask: %v", err)
	}
	if _, err := env.engine.Buy(300, taker1, domain.TrancheA, 45, fp(20), 0); err != nil {
		t.Fatalf("buy consuming ask: %v", err)
	}
	if _, err := env.engine.ResolveClientOrder("ask-1"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("resolve after full fill: error = %v, want ErrOrderNotFound", err)
	}
	if _, err := env.engine.PlaceAsk(400, maker1, domain.TrancheA, 45, fp(10), 0, "ask-1"); err != nil {
		t.Fatalf("reuse id after full fill: %v", err)
	}
}

// An order so small that its cap truncates to zero is skipped in place:
// matching never consumes a maker's reserve in exchange for nothing.
func TestDustOrdersAreSkippedNotConsumed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	oracle := fund.NewOracle()
	oracle.SetTWAP(-7200, fp(1))
	oracle.SetNavs(-7200, fp(1), fp(1), fp(1))
	roster := fund.NewRoster(fp(1))
	roster.SetStake(maker1, fp(1), 0)
	quote := fund.NewToken("usd", 18)
	stake := staking.New(oracle, fund.NewToken("chess", 18), fund.NewWeightRelayer(), pool, 0, logger)
	cfg := Config{EpochLength: 1800, MinBidAmount: big.NewInt(1), MinAskAmount: big.NewInt(1)}
	engine := New(stake, oracle, roster, quote, cfg, logger)

	if err := oracle.ShareToken(domain.TrancheP).Mint(maker1, big.NewInt(1)); err != nil {
		t.Fatalf("mint shares: %v", err)
	}
	if err := stake.Deposit(0, maker1, domain.TrancheP, big.NewInt(1)); err != nil {
		t.Fatalf("deposit shares: %v", err)
	}
	askRef, err := engine.PlaceAsk(100, maker1, domain.TrancheP, 41, big.NewInt(1), 0, "")
	if err != nil {
		t.Fatalf("place one-wei ask: %v", err)
	}

	if err := quote.Mint(taker1, fp(10)); err != nil {
		t.Fatalf("mint quote: %v", err)
	}
	if _, err := engine.Buy(100, taker1, domain.TrancheP, 41, fp(10), 0); !errors.Is(err, domain.ErrNothingMatched) {
		t.Fatalf("buy against dust ask: error = %v, want ErrNothingMatched", err)
	}
	order := engine.bookFor(0, domain.TrancheP).asks[41].Get(askRef.Index)
	if order == nil || order.Fillable.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("dust ask = %+v, want untouched one wei", order)
	}
	_, locked := stake.Balances(100, maker1)
	if locked[domain.TrancheP].Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("maker locked P = %s, want untouched 1", locked[domain.TrancheP])
	}

	if err := quote.Mint(maker1, big.NewInt(1)); err != nil {
		t.Fatalf("mint bid quote: %v", err)
	}
	bidRef, err := engine.PlaceBid(100, maker1, domain.TrancheP, 40, big.NewInt(1), 0, "")
	if err != nil {
		t.Fatalf("place one-wei bid: %v", err)
	}
	if err := oracle.ShareToken(domain.TrancheP).Mint(taker1, fp(10)); err != nil {
		t.Fatalf("mint taker shares: %v", err)
	}
	if err := stake.Deposit(100, taker1, domain.TrancheP, fp(10)); err != nil {
		t.Fatalf("deposit taker shares: %v", err)
	}
	if _, err := engine.Sell(100, taker1, domain.TrancheP, 40, fp(10), 0); !errors.Is(err, domain.ErrNothingMatched) {
		t.Fatalf("sell against dust bid: error = %v, want ErrNothingMatched", err)
	}
	bid := engine.bookFor(0, domain.TrancheP).bids[40].Get(bidRef.Index)
	if bid == nil || bid.Fillable.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("dust bid = %+v, want untouched one wei", bid)
	}
}
