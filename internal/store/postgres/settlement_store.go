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

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given
// connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Create journals one per-epoch settlement.
func (s *SettlementStore) Create(ctx context.Context, rec domain.SettlementRecord) error {
	const query = `
		INSERT INTO settlements (
			id, account, epoch, maker_side,
			base_p, base_a, base_b, quote_amount, settled_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9
		)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Account.Hex(), rec.Epoch, rec.MakerSide,
		rec.BaseAmounts[domain.TrancheP].String(),
		rec.BaseAmounts[domain.TrancheA].String(),
		rec.BaseAmounts[domain.TrancheB].String(),
		rec.QuoteAmount.String(), rec.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create settlement %s: %w", rec.ID, err)
	}
	return nil
}

const settlementSelectCols = `id, account, epoch, maker_side,
	base_p, base_a, base_b, quote_amount, settled_at`

func scanSettlementRows(rows pgx.Rows) ([]domain.SettlementRecord, error) {
	var recs []domain.SettlementRecord
	for rows.Next() {
		var (
			rec                          domain.SettlementRecord
			account                      string
			baseP, baseA, baseB, quoteAm string
		)
		err := rows.Scan(
			&rec.ID, &account, &rec.Epoch, &rec.MakerSide,
			&baseP, &baseA, &baseB, &quoteAm, &rec.SettledAt,
		)
		if err != nil {
			return nil, err
		}
		rec.Account = common.HexToAddress(account)
		rec.BaseAmounts = domain.NewAmounts()
		rec.BaseAmounts[domain.TrancheP].SetString(baseP, 10)
		rec.BaseAmounts[domain.TrancheA].SetString(baseA, 10)
		rec.BaseAmounts[domain.TrancheB].SetString(baseB, 10)
		rec.QuoteAmount = new(big.Int)
		rec.QuoteAmount.SetString(quoteAm, 10)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListByEpoch returns every settlement of one epoch.
func (s *SettlementStore) ListByEpoch(ctx context.Context, epoch int64) ([]domain.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE epoch = $1 ORDER BY settled_at`, epoch)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements by epoch: %w", err)
	}
	defer rows.Close()

	recs, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settlements by epoch: %w", err)
	}
	return recs, nil
}

// ListBefore returns settlements recorded strictly before the cutoff, for
// the epoch archiver.
func (s *SettlementStore) ListBefore(ctx context.Context, before time.Time) ([]domain.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE settled_at < $1 ORDER BY settled_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements before: %w", err)
	}
	defer rows.Close()

	recs, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settlements before: %w", err)
	}
	return recs, nil
}
