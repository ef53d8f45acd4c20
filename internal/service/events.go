package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/exchange"
)

// Event channels on the bus. The websocket hub subscribes to all of them.
const (
	ChannelOrders      = "orders"
	ChannelTrades      = "trades"
	ChannelBalances    = "balances"
	ChannelSettlements = "settlements"
	ChannelBooks       = "books"
)

// Channels lists every event channel the service publishes on.
func Channels() []string {
	return []string{ChannelOrders, ChannelTrades, ChannelBalances, ChannelSettlements, ChannelBooks}
}

// publish marshals and emits an event; failures are logged, never fatal.
// Event delivery is observability, not control flow.
func (s *ExchangeService) publish(ctx context.Context, channel string, evt domain.Event) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.WarnContext(ctx, "marshal event failed",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ExchangeService) publishOrder(ctx context.Context, evtType domain.EventType, ref domain.OrderRef, clientOrderID string, maker common.Address, amount, refunded *big.Int) {
	s.publish(ctx, ChannelOrders, domain.Event{
		ID:        uuid.NewString(),
		Type:      evtType,
		Timestamp: s.clock().UTC(),
		Order: &domain.OrderEvent{
			Ref:           ref,
			ClientOrderID: clientOrderID,
			Maker:         maker,
			Amount:        amount,
			Refunded:      refunded,
		},
	})
}

func (s *ExchangeService) publishTrade(ctx context.Context, evtType domain.EventType, taker common.Address, summary *exchange.TradeSummary) {
	s.publish(ctx, ChannelTrades, domain.Event{
		ID:        uuid.NewString(),
		Type:      evtType,
		Timestamp: s.clock().UTC(),
		Trade: &domain.TradeEvent{
			Taker:          taker,
			Tranche:        summary.Tranche,
			ConversionID:   summary.ConversionID,
			Epoch:          summary.Epoch,
			Frozen:         summary.Frozen,
			LastPDLevel:    summary.LastPDLevel,
			LastIndex:      summary.LastIndex,
			LastFillAmount: summary.LastFillAmount,
		},
	})
}

func (s *ExchangeService) publishBalance(ctx context.Context, evtType domain.EventType, account common.Address, t domain.Tranche, amount *big.Int) {
	s.publish(ctx, ChannelBalances, domain.Event{
		ID:        uuid.NewString(),
		Type:      evtType,
		Timestamp: s.clock().UTC(),
		Balance: &domain.BalanceEvent{
			Account: account,
			Tranche: t,
			Amount:  amount,
		},
	})
}

func (s *ExchangeService) publishSettlement(ctx context.Context, evtType domain.EventType, account common.Address, epoch int64, makerSide bool, result *exchange.SettlementResult) {
	if result.Base.IsZero() && result.Quote.Sign() == 0 {
		return
	}
	s.publish(ctx, ChannelSettlements, domain.Event{
		ID:        uuid.NewString(),
		Type:      evtType,
		Timestamp: s.clock().UTC(),
		Settlement: &domain.SettlementEvent{
			Account:     account,
			Epoch:       epoch,
			MakerSide:   makerSide,
			BaseP:       result.Base[domain.TrancheP],
			BaseA:       result.Base[domain.TrancheA],
			BaseB:       result.Base[domain.TrancheB],
			QuoteAmount: result.Quote,
		},
	})
}

// refreshDepth pushes a fresh depth snapshot into the cache and onto the
// books channel.
func (s *ExchangeService) refreshDepth(ctx context.Context, snap domain.BookSnapshot) {
	if s.books != nil {
		if err := s.books.SetDepth(ctx, snap.ConversionID, snap.Tranche, snap); err != nil {
			s.logger.WarnContext(ctx, "book cache refresh failed",
				slog.Uint64("conversion_id", snap.ConversionID),
				slog.String("tranche", snap.Tranche.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.bus != nil {
		payload, err := json.Marshal(snap)
		if err != nil {
			return
		}
		if err := s.bus.Publish(ctx, ChannelBooks, payload); err != nil {
			s.logger.WarnContext(ctx, "publish depth failed",
				slog.String("error", err.Error()),
			)
		}
	}
}
