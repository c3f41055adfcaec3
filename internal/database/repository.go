package database

import (
	"context"
	"fmt"
	"time"

	"binance-grid-bot/internal/grid"
)

// Repository provides data access for fills and summaries.
type Repository struct {
	db *DB
}

// NewRepository creates a repository backed by the given connection.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

var _ grid.TradeSink = (*Repository)(nil)

// RecordFill stores one executed order.
func (r *Repository) RecordFill(ctx context.Context, fill grid.Fill) error {
	query := `
		INSERT INTO grid_fills (symbol, side, position_side, reduce_only, price, quantity, order_id, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		fill.Symbol, string(fill.Side), string(fill.PositionSide), fill.ReduceOnly,
		fill.Price, fill.Quantity, fill.OrderID, fill.Time,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// FillsBetween returns fills for a symbol inside [from, to).
func (r *Repository) FillsBetween(ctx context.Context, symbol string, from, to time.Time) ([]GridFill, error) {
	query := `
		SELECT id, symbol, side, position_side, reduce_only, price, quantity, order_id, filled_at, created_at
		FROM grid_fills
		WHERE symbol = $1 AND filled_at >= $2 AND filled_at < $3
		ORDER BY filled_at
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []GridFill
	for rows.Next() {
		var f GridFill
		if err := rows.Scan(&f.ID, &f.Symbol, &f.Side, &f.PositionSide, &f.ReduceOnly,
			&f.Price, &f.Quantity, &f.OrderID, &f.FilledAt, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// SaveDailySummary upserts the summary row for (symbol, date).
func (r *Repository) SaveDailySummary(ctx context.Context, summary *DailySummary) error {
	query := `
		INSERT INTO daily_summaries (
			symbol, summary_date, fill_count, buy_volume, sell_volume,
			realized_pnl, long_position, short_position
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, summary_date)
		DO UPDATE SET
			fill_count = EXCLUDED.fill_count,
			buy_volume = EXCLUDED.buy_volume,
			sell_volume = EXCLUDED.sell_volume,
			realized_pnl = EXCLUDED.realized_pnl,
			long_position = EXCLUDED.long_position,
			short_position = EXCLUDED.short_position,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		summary.Symbol, summary.SummaryDate, summary.FillCount,
		summary.BuyVolume, summary.SellVolume, summary.RealizedPnL,
		summary.LongPosition, summary.ShortPosition,
	).Scan(&summary.ID, &summary.CreatedAt, &summary.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert daily summary: %w", err)
	}
	return nil
}

// BuildDailySummary aggregates a day's fills into a summary. Realized PnL
// pairs reduce-only fills against the average entry price of the same
// position side within the day; it is an approximation sufficient for
// reporting.
func (r *Repository) BuildDailySummary(ctx context.Context, symbol string, day time.Time, longPos, shortPos float64) (*DailySummary, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	to := from.Add(24 * time.Hour)

	fills, err := r.FillsBetween(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}

	summary := &DailySummary{
		Symbol:        symbol,
		SummaryDate:   from,
		FillCount:     len(fills),
		LongPosition:  longPos,
		ShortPosition: shortPos,
	}

	entryCost := map[string]float64{}
	entryQty := map[string]float64{}
	for _, f := range fills {
		notional := f.Price * f.Quantity
		if f.Side == "BUY" {
			summary.BuyVolume += notional
		} else {
			summary.SellVolume += notional
		}

		if !f.ReduceOnly {
			entryCost[f.PositionSide] += notional
			entryQty[f.PositionSide] += f.Quantity
			continue
		}
		if entryQty[f.PositionSide] <= 0 {
			continue
		}
		avgEntry := entryCost[f.PositionSide] / entryQty[f.PositionSide]
		if f.PositionSide == "LONG" {
			summary.RealizedPnL += (f.Price - avgEntry) * f.Quantity
		} else {
			summary.RealizedPnL += (avgEntry - f.Price) * f.Quantity
		}
	}
	return summary, nil
}

// DeleteFillsBefore removes fill rows older than the cutoff and returns
// the number deleted. Used by the weekly cleanup task.
func (r *Repository) DeleteFillsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM grid_fills WHERE filled_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old fills: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveStateBackup stores a JSON snapshot of the engine state.
func (r *Repository) SaveStateBackup(ctx context.Context, symbol string, snapshot []byte) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO state_backups (symbol, snapshot) VALUES ($1, $2)`, symbol, snapshot)
	if err != nil {
		return fmt.Errorf("insert state backup: %w", err)
	}
	return nil
}

// DeleteBackupsBefore removes old snapshots.
func (r *Repository) DeleteBackupsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM state_backups WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old backups: %w", err)
	}
	return tag.RowsAffected(), nil
}
