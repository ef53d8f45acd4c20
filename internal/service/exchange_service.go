// Package service exposes the exchange and staking engines behind a
// serialized, context-aware API. The engines themselves are single-writer;
// the service owns the mutex that provides the one-operation-at-a-time
// execution model, and performs journaling, event publication, and cache
// refresh outside the critical section.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/exchange"
	"github.com/tranchess/contract-exchange/internal/staking"
)

// ExchangeService serializes access to the matching and staking engines and
// journals every state change. Stores, cache, and bus are optional; without
// them the service runs engine-only, which is what the simulator and the
// tests use.
type ExchangeService struct {
	mu      sync.Mutex
	staking *staking.Engine
	engine  *exchange.Engine
	clock   func() time.Time

	orders      domain.OrderStore
	trades      domain.TradeStore
	settlements domain.SettlementStore
	books       domain.BookCache
	bus         domain.EventBus

	logger *slog.Logger
}

// NewExchangeService creates a service over the two engines.
func NewExchangeService(stakingEngine *staking.Engine, engine *exchange.Engine, logger *slog.Logger) *ExchangeService {
	return &ExchangeService{
		staking: stakingEngine,
		engine:  engine,
		clock:   time.Now,
		logger:  logger.With(slog.String("component", "exchange_service")),
	}
}

// WithStores attaches the journaling stores.
func (s *ExchangeService) WithStores(orders domain.OrderStore, trades domain.TradeStore, settlements domain.SettlementStore) *ExchangeService {
	s.orders = orders
	s.trades = trades
	s.settlements = settlements
	return s
}

// WithBookCache attaches the depth cache refreshed after book mutations.
func (s *ExchangeService) WithBookCache(books domain.BookCache) *ExchangeService {
	s.books = books
	return s
}

// WithEventBus attaches the event bus.
func (s *ExchangeService) WithEventBus(bus domain.EventBus) *ExchangeService {
	s.bus = bus
	return s
}

// WithClock overrides the wall clock, for the simulator.
func (s *ExchangeService) WithClock(clock func() time.Time) *ExchangeService {
	s.clock = clock
	return s
}

// EpochStart returns the start of the epoch containing ts.
func (s *ExchangeService) EpochStart(ts time.Time) int64 {
	return s.engine.EpochStart(ts.Unix())
}

// EpochLength returns the configured epoch length in seconds.
func (s *ExchangeService) EpochLength() int64 { return s.engine.EpochLength() }

// PlaceBid rests a bid and journals it.
func (s *ExchangeService) PlaceBid(ctx context.Context, maker common.Address, t domain.Tranche, pdLevel int, quoteAmount *big.Int, version uint64, clientOrderID string) (domain.OrderRef, error) {
	now := s.clock()

	s.mu.Lock()
	ref, err := s.engine.PlaceBid(now.Unix(), maker, t, pdLevel, quoteAmount, version, clientOrderID)
	var snap domain.BookSnapshot
	if err == nil {
		snap = s.engine.DepthSnapshot(version, t, now)
	}
	s.mu.Unlock()
	if err != nil {
		return domain.OrderRef{}, fmt.Errorf("service: place bid: %w", err)
	}

	s.journalOrder(ctx, domain.OrderRecord{
		Ref:           ref,
		ClientOrderID: clientOrderID,
		Maker:         maker,
		Amount:        quoteAmount,
		Status:        domain.OrderStatusOpen,
		PlacedAt:      now.UTC(),
	})
	s.publishOrder(ctx, domain.EventBidPlaced, ref, clientOrderID, maker, quoteAmount, nil)
	s.refreshDepth(ctx, snap)
	return ref, nil
}

// PlaceAsk rests an ask and journals it.
func (s *ExchangeService) PlaceAsk(ctx context.Context, maker common.Address, t domain.Tranche, pdLevel int, baseAmount *big.Int, version uint64, clientOrderID string) (domain.OrderRef, error) {
	now := s.clock()

	s.mu.Lock()
	ref, err := s.engine.PlaceAsk(now.Unix(), maker, t, pdLevel, baseAmount, version, clientOrderID)
	var snap domain.BookSnapshot
	if err == nil {
		snap = s.engine.DepthSnapshot(version, t, now)
	}
	s.mu.Unlock()
	if err != nil {
		return domain.OrderRef{}, fmt.Errorf("service: place ask: %w", err)
	}

	s.journalOrder(ctx, domain.OrderRecord{
		Ref:           ref,
		ClientOrderID: clientOrderID,
		Maker:         maker,
		Amount:        baseAmount,
		Status:        domain.OrderStatusOpen,
		PlacedAt:      now.UTC(),
	})
	s.publishOrder(ctx, domain.EventAskPlaced, ref, clientOrderID, maker, baseAmount, nil)
	s.refreshDepth(ctx, snap)
	return ref, nil
}

// CancelOrder removes a resting order of either side and journals the
// cancellation. Returns the refunded unfilled amount.
func (s *ExchangeService) CancelOrder(ctx context.Context, maker common.Address, ref domain.OrderRef) (*big.Int, error) {
	now := s.clock()

	s.mu.Lock()
	var (
		refund *big.Int
		err    error
	)
	if ref.Side == domain.OrderSideBid {
		refund, err = s.engine.CancelBid(now.Unix(), maker, ref)
	} else {
		refund, err = s.engine.CancelAsk(now.Unix(), maker, ref)
	}
	var snap domain.BookSnapshot
	if err == nil {
		snap = s.engine.DepthSnapshot(ref.ConversionID, ref.Tranche, now)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("service: cancel order: %w", err)
	}

	if s.orders != nil {
		if storeErr := s.orders.MarkCancelled(ctx, ref, now.UTC()); storeErr != nil {
			s.logger.WarnContext(ctx, "journal cancel failed",
				slog.Uint64("index", ref.Index),
				slog.String("error", storeErr.Error()),
			)
		}
	}
	evtType := domain.EventBidCancelled
	if ref.Side == domain.OrderSideAsk {
		evtType = domain.EventAskCancelled
	}
	s.publishOrder(ctx, evtType, ref, "", maker, nil, refund)
	s.refreshDepth(ctx, snap)
	return refund, nil
}

// CancelByClientOrderID resolves a client order id and cancels the order.
func (s *ExchangeService) CancelByClientOrderID(ctx context.Context, maker common.Address, clientOrderID string) (*big.Int, error) {
	s.mu.Lock()
	ref, err := s.engine.ResolveClientOrder(clientOrderID)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("service: resolve client order %q: %w", clientOrderID, err)
	}
	return s.CancelOrder(ctx, maker, ref)
}

// Buy matches a taker buy and journals the execution.
func (s *ExchangeService) Buy(ctx context.Context, taker common.Address, t domain.Tranche, maxPDLevel int, quoteAmount *big.Int, version uint64) (*exchange.TradeSummary, error) {
	now := s.clock()

	s.mu.Lock()
	summary, err := s.engine.Buy(now.Unix(), taker, t, maxPDLevel, quoteAmount, version)
	var snap domain.BookSnapshot
	if err == nil {
		snap = s.engine.DepthSnapshot(version, t, now)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("service: buy: %w", err)
	}

	s.journalTrade(ctx, taker, domain.OrderSideBid, summary, now)
	s.publishTrade(ctx, domain.EventBought, taker, summary)
	s.refreshDepth(ctx, snap)
	return summary, nil
}

// Sell matches a taker sell and journals the execution.
func (s *ExchangeService) Sell(ctx context.Context, taker common.Address, t domain.Tranche, minPDLevel int, baseAmount *big.Int, version uint64) (*exchange.TradeSummary, error) {
	now := s.clock()

	s.mu.Lock()
	summary, err := s.engine.Sell(now.Unix(), taker, t, minPDLevel, baseAmount, version)
	var snap domain.BookSnapshot
	if err == nil {
		snap = s.engine.DepthSnapshot(version, t, now)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("service: sell: %w", err)
	}

	s.journalTrade(ctx, taker, domain.OrderSideAsk, summary, now)
	s.publishTrade(ctx, domain.EventSold, taker, summary)
	s.refreshDepth(ctx, snap)
	return summary, nil
}

// SettleTaker settles the account's taker-side pending trades for an epoch.
func (s *ExchangeService) SettleTaker(ctx context.Context, account common.Address, epoch int64) (*exchange.SettlementResult, error) {
	now := s.clock()

	s.mu.Lock()
	result, err := s.engine.SettleTaker(now.Unix(), account, epoch)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("service: settle taker: %w", err)
	}

	s.journalSettlement(ctx, account, epoch, false, result, now)
	s.publishSettlement(ctx, domain.EventTakerSettled, account, epoch, false, result)
	return result, nil
}

// SettleMaker settles the account's maker-side pending trades for an epoch.
func (s *ExchangeService) SettleMaker(ctx context.Context, account common.Address, epoch int64) (*exchange.SettlementResult, error) {
	now := s.clock()

	s.mu.Lock()
	result, err := s.engine.SettleMaker(now.Unix(), account, epoch)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("service: settle maker: %w", err)
	}

	s.journalSettlement(ctx, account, epoch, true, result, now)
	s.publishSettlement(ctx, domain.EventMakerSettled, account, epoch, true, result)
	return result, nil
}

// Depth returns the current depth of one book straight from the engine.
func (s *ExchangeService) Depth(ctx context.Context, version uint64, t domain.Tranche) (domain.BookSnapshot, error) {
	if !t.Valid() {
		return domain.BookSnapshot{}, domain.ErrInvalidTranche
	}
	now := s.clock()
	s.mu.Lock()
	snap := s.engine.DepthSnapshot(version, t, now)
	s.mu.Unlock()
	return snap, nil
}

// CachedDepth serves depth from the book cache, falling back to the engine
// when the cache misses or is absent.
func (s *ExchangeService) CachedDepth(ctx context.Context, version uint64, t domain.Tranche) (domain.BookSnapshot, error) {
	if s.books != nil {
		snap, err := s.books.GetDepth(ctx, version, t)
		if err == nil {
			return snap, nil
		}
		s.logger.DebugContext(ctx, "book cache miss",
			slog.Uint64("conversion_id", version),
			slog.String("tranche", t.String()),
		)
	}
	return s.Depth(ctx, version, t)
}

// ListOrders returns the journaled orders of a maker.
func (s *ExchangeService) ListOrders(ctx context.Context, maker common.Address, opts domain.ListOpts) ([]domain.OrderRecord, error) {
	if s.orders == nil {
		return nil, nil
	}
	recs, err := s.orders.ListByMaker(ctx, maker, opts)
	if err != nil {
		return nil, fmt.Errorf("service: list orders: %w", err)
	}
	return recs, nil
}

// EpochTrades returns the journaled taker executions of an epoch.
func (s *ExchangeService) EpochTrades(ctx context.Context, epoch int64) ([]domain.TradeRecord, error) {
	if s.trades == nil {
		return nil, nil
	}
	recs, err := s.trades.ListByEpoch(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("service: list epoch trades: %w", err)
	}
	return recs, nil
}

func (s *ExchangeService) journalTrade(ctx context.Context, taker common.Address, side domain.OrderSide, summary *exchange.TradeSummary, now time.Time) {
	if s.trades == nil {
		return
	}
	rec := domain.TradeRecord{
		ID:             uuid.NewString(),
		Taker:          taker,
		Tranche:        summary.Tranche,
		Side:           side,
		ConversionID:   summary.ConversionID,
		Epoch:          summary.Epoch,
		FrozenAmount:   summary.Frozen,
		LastPDLevel:    summary.LastPDLevel,
		LastIndex:      summary.LastIndex,
		LastFillAmount: summary.LastFillAmount,
		ExecutedAt:     now.UTC(),
	}
	if err := s.trades.Create(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "journal trade failed",
			slog.String("trade_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ExchangeService) journalOrder(ctx context.Context, rec domain.OrderRecord) {
	if s.orders == nil {
		return
	}
	if err := s.orders.Create(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "journal order failed",
			slog.Uint64("index", rec.Ref.Index),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ExchangeService) journalSettlement(ctx context.Context, account common.Address, epoch int64, makerSide bool, result *exchange.SettlementResult, now time.Time) {
	if s.settlements == nil {
		return
	}
	if result.Base.IsZero() && result.Quote.Sign() == 0 {
		return
	}
	rec := domain.SettlementRecord{
		ID:          uuid.NewString(),
		Account:     account,
		Epoch:       epoch,
		MakerSide:   makerSide,
		BaseAmounts: result.Base.Clone(),
		QuoteAmount: result.Quote,
		SettledAt:   now.UTC(),
	}
	if err := s.settlements.Create(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "journal settlement failed",
			slog.String("settlement_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}
