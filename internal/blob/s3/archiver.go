package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tranchess/contract-exchange/internal/domain"
)

// archiveLockKey guards the archive sweep when several instances share one
// database and bucket.
const archiveLockKey = "epoch_archive"

// Archiver drains closed-epoch journal rows to object storage: trades and
// settlements are serialized to JSONL and uploaded under a year-month
// partition. Rows are never deleted from the primary store here; pruning is a
// separate, explicit step run after an archive has been verified.
type Archiver struct {
	writer      domain.BlobWriter
	trades      domain.TradeStore
	settlements domain.SettlementStore
	locks       domain.LockManager // nil in single-instance deployments
	epochLength int64              // seconds
	logger      *slog.Logger
}

// NewArchiver creates an Archiver over the journal stores.
func NewArchiver(
	writer domain.BlobWriter,
	trades domain.TradeStore,
	settlements domain.SettlementStore,
	epochLength int64,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:      writer,
		trades:      trades,
		settlements: settlements,
		epochLength: epochLength,
		logger:      logger.With(slog.String("component", "archiver")),
	}
}

// WithLockManager attaches a distributed lock so only one instance runs the
// sweep at a time.
func (a *Archiver) WithLockManager(locks domain.LockManager) *Archiver {
	a.locks = locks
	return a
}

// tradeRow is the JSONL form of a journaled taker execution.
type tradeRow struct {
	ID             string `json:"id"`
	Taker          string `json:"taker"`
	Tranche        string `json:"tranche"`
	Side           string `json:"side"`
	ConversionID   uint64 `json:"conversion_id"`
	Epoch          int64  `json:"epoch"`
	FrozenAmount   string `json:"frozen_amount"`
	LastPDLevel    int    `json:"last_pd_level"`
	LastIndex      uint64 `json:"last_index"`
	LastFillAmount string `json:"last_fill_amount"`
	ExecutedAt     string `json:"executed_at"`
}

// settlementRow is the JSONL form of a journaled settlement.
type settlementRow struct {
	ID        string `json:"id"`
	Account   string `json:"account"`
	Epoch     int64  `json:"epoch"`
	MakerSide bool   `json:"maker_side"`
	BaseP     string `json:"base_p"`
	BaseA     string `json:"base_a"`
	BaseB     string `json:"base_b"`
	Quote     string `json:"quote"`
	SettledAt string `json:"settled_at"`
}

// ArchiveTrades uploads every journaled trade executed strictly before the
// cutoff to archive/trades/YYYY-MM.jsonl and returns the row count.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	rows := make([]tradeRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, tradeRow{
			ID:             rec.ID,
			Taker:          rec.Taker.Hex(),
			Tranche:        rec.Tranche.String(),
			Side:           string(rec.Side),
			ConversionID:   rec.ConversionID,
			Epoch:          rec.Epoch,
			FrozenAmount:   rec.FrozenAmount.String(),
			LastPDLevel:    rec.LastPDLevel,
			LastIndex:      rec.LastIndex,
			LastFillAmount: rec.LastFillAmount.String(),
			ExecutedAt:     rec.ExecutedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath("trades", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}
	return int64(len(rows)), nil
}

// ArchiveSettlements uploads every journaled settlement recorded strictly
// before the cutoff to archive/settlements/YYYY-MM.jsonl and returns the row
// count.
func (a *Archiver) ArchiveSettlements(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.settlements.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	rows := make([]settlementRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, settlementRow{
			ID:        rec.ID,
			Account:   rec.Account.Hex(),
			Epoch:     rec.Epoch,
			MakerSide: rec.MakerSide,
			BaseP:     rec.BaseAmounts[domain.TrancheP].String(),
			BaseA:     rec.BaseAmounts[domain.TrancheA].String(),
			BaseB:     rec.BaseAmounts[domain.TrancheB].String(),
			Quote:     rec.QuoteAmount.String(),
			SettledAt: rec.SettledAt.UTC().Format(time.RFC3339Nano),
		})
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements marshal: %w", err)
	}

	path := archivePath("settlements", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements upload: %w", err)
	}
	return int64(len(rows)), nil
}

// Sweep archives everything that can no longer change: rows from before the
// start of the current epoch. Re-running overwrites the same partitions with
// a superset of their rows, so the sweep is idempotent.
func (a *Archiver) Sweep(ctx context.Context, now time.Time) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, 5*time.Minute)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				a.logger.DebugContext(ctx, "archive sweep already running elsewhere")
				return nil
			}
			return fmt.Errorf("s3blob: archive lock: %w", err)
		}
		defer unlock()
	}

	cutoff := time.Unix(now.Unix()-now.Unix()%a.epochLength, 0).UTC()

	trades, err := a.ArchiveTrades(ctx, cutoff)
	if err != nil {
		return err
	}
	settlements, err := a.ArchiveSettlements(ctx, cutoff)
	if err != nil {
		return err
	}

	if trades > 0 || settlements > 0 {
		a.logger.InfoContext(ctx, "archive sweep complete",
			slog.Time("cutoff", cutoff),
			slog.Int64("trades", trades),
			slog.Int64("settlements", settlements),
		)
	}
	return nil
}

// Run sweeps on a fixed interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := a.Sweep(ctx, now); err != nil {
				a.logger.ErrorContext(ctx, "archive sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/trades/2026-08.jsonl
//	archive/settlements/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
