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

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create journals a newly placed order.
func (s *OrderStore) Create(ctx context.Context, rec domain.OrderRecord) error {
	var clientOrderID *string
	if rec.ClientOrderID != "" {
		clientOrderID = &rec.ClientOrderID
	}

	const query = `
		INSERT INTO orders (
			conversion_id, tranche, side, pd_level, idx,
			client_order_id, maker, amount, status, placed_at, cancelled_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		int64(rec.Ref.ConversionID), int16(rec.Ref.Tranche), string(rec.Ref.Side),
		rec.Ref.PDLevel, int64(rec.Ref.Index),
		clientOrderID, rec.Maker.Hex(), rec.Amount.String(),
		string(rec.Status), rec.PlacedAt, rec.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %d: %w", rec.Ref.Index, err)
	}
	return nil
}

// MarkCancelled records a cancellation.
func (s *OrderStore) MarkCancelled(ctx context.Context, ref domain.OrderRef, at time.Time) error {
	const query = `
		UPDATE orders SET status = $1, cancelled_at = $2, updated_at = NOW()
		WHERE conversion_id = $3 AND tranche = $4 AND side = $5 AND pd_level = $6 AND idx = $7`

	tag, err := s.pool.Exec(ctx, query,
		string(domain.OrderStatusCancelled), at,
		int64(ref.ConversionID), int16(ref.Tranche), string(ref.Side), ref.PDLevel, int64(ref.Index),
	)
	if err != nil {
		return fmt.Errorf("postgres: mark order cancelled %d: %w", ref.Index, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFilled records a full fill.
func (s *OrderStore) MarkFilled(ctx context.Context, ref domain.OrderRef) error {
	const query = `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE conversion_id = $2 AND tranche = $3 AND side = $4 AND pd_level = $5 AND idx = $6`

	tag, err := s.pool.Exec(ctx, query,
		string(domain.OrderStatusFilled),
		int64(ref.ConversionID), int16(ref.Tranche), string(ref.Side), ref.PDLevel, int64(ref.Index),
	)
	if err != nil {
		return fmt.Errorf("postgres: mark order filled %d: %w", ref.Index, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const orderSelectCols = `conversion_id, tranche, side, pd_level, idx,
	client_order_id, maker, amount, status, placed_at, cancelled_at`

func scanOrderFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.OrderRecord, error) {
	var rec domain.OrderRecord
	var (
		conversionID  int64
		tranche       int16
		side, status  string
		index         int64
		clientOrderID *string
		maker, amount string
	)

	err := scanner.Scan(
		&conversionID, &tranche, &side, &rec.Ref.PDLevel, &index,
		&clientOrderID, &maker, &amount, &status, &rec.PlacedAt, &rec.CancelledAt,
	)
	if err != nil {
		return domain.OrderRecord{}, err
	}

	rec.Ref.ConversionID = uint64(conversionID)
	rec.Ref.Tranche = domain.Tranche(tranche)
	rec.Ref.Side = domain.OrderSide(side)
	rec.Ref.Index = uint64(index)
	rec.Status = domain.OrderStatus(status)
	rec.Maker = common.HexToAddress(maker)
	if clientOrderID != nil {
		rec.ClientOrderID = *clientOrderID
	}
	rec.Amount = new(big.Int)
	rec.Amount.SetString(amount, 10)
	return rec, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.OrderRecord, error) {
	var recs []domain.OrderRecord
	for rows.Next() {
		rec, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListByMaker returns a maker's journaled orders, most recent first.
func (s *OrderStore) ListByMaker(ctx context.Context, maker common.Address, opts domain.ListOpts) ([]domain.OrderRecord, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE maker = $1 ORDER BY placed_at DESC`
	args := []any{maker.Hex()}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by maker: %w", err)
	}
	defer rows.Close()

	recs, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by maker: %w", err)
	}
	return recs, nil
}
