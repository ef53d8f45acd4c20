package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tranchess/contract-exchange/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Create journals one taker execution.
func (s *TradeStore) Create(ctx context.Context, rec domain.TradeRecord) error {
	const query = `
		INSERT INTO trades (
			id, taker, tranche, side, conversion_id, epoch,
			frozen_amount, last_pd_level, last_idx, last_fill_amount, executed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Taker.Hex(), int16(rec.Tranche), string(rec.Side),
		int64(rec.ConversionID), rec.Epoch,
		rec.FrozenAmount.String(), rec.LastPDLevel, int64(rec.LastIndex),
		rec.LastFillAmount.String(), rec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create trade %s: %w", rec.ID, err)
	}
	return nil
}

const tradeSelectCols = `id, taker, tranche, side, conversion_id, epoch,
	frozen_amount, last_pd_level, last_idx, last_fill_amount, executed_at`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var recs []domain.TradeRecord
	for rows.Next() {
		var (
			rec            domain.TradeRecord
			taker, side    string
			tranche        int16
			conversionID   int64
			lastIndex      int64
			frozen, filled string
		)
		err := rows.Scan(
			&rec.ID, &taker, &tranche, &side, &conversionID, &rec.Epoch,
			&frozen, &rec.LastPDLevel, &lastIndex, &filled, &rec.ExecutedAt,
		)
		if err != nil {
			return nil, err
		}
		rec.Taker = common.HexToAddress(taker)
		rec.Tranche = domain.Tranche(tranche)
		rec.Side = domain.OrderSide(side)
		rec.ConversionID = uint64(conversionID)
		rec.LastIndex = uint64(lastIndex)
		rec.FrozenAmount = new(big.Int)
		rec.FrozenAmount.SetString(frozen, 10)
		rec.LastFillAmount = new(big.Int)
		rec.LastFillAmount.SetString(filled, 10)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListByEpoch returns every execution of one epoch in execution order.
func (s *TradeStore) ListByEpoch(ctx context.Context, epoch int64) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE epoch = $1 ORDER BY executed_at`, epoch)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by epoch: %w", err)
	}
	defer rows.Close()

	recs, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by epoch: %w", err)
	}
	return recs, nil
}

// ListBefore returns trades executed strictly before the cutoff, for the
// epoch archiver.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE executed_at < $1 ORDER BY executed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()

	recs, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before: %w", err)
	}
	return recs, nil
}
