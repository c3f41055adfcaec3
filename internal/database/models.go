package database

import "time"

// GridFill is one executed order stored for reporting.
type GridFill struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	PositionSide string    `json:"position_side"`
	ReduceOnly   bool      `json:"reduce_only"`
	Price        float64   `json:"price"`
	Quantity     float64   `json:"quantity"`
	OrderID      int64     `json:"order_id"`
	FilledAt     time.Time `json:"filled_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// DailySummary aggregates one trading day.
type DailySummary struct {
	ID            int64     `json:"id"`
	Symbol        string    `json:"symbol"`
	SummaryDate   time.Time `json:"summary_date"`
	FillCount     int       `json:"fill_count"`
	BuyVolume     float64   `json:"buy_volume"`
	SellVolume    float64   `json:"sell_volume"`
	RealizedPnL   float64   `json:"realized_pnl"`
	LongPosition  float64   `json:"long_position"`
	ShortPosition float64   `json:"short_position"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
