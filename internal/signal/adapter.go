package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/events"
	"binance-grid-bot/internal/grid"

	"github.com/rs/zerolog"
)

// Trend is the current market classification.
type Trend string

const (
	TrendRanging Trend = "ranging"
	TrendUp      Trend = "strong_up"
	TrendDown    Trend = "strong_down"
)

// Config holds the signal parameters.
type Config struct {
	Symbol        string
	EMAShort      int
	EMAMedium     int
	EMALong       int
	ADXPeriod     int
	ADXThreshold  float64
	KlineInterval string
	KlineLimit    int
}

// DefaultConfig returns the standard 20/50/200 EMA and ADX(14) setup.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:        symbol,
		EMAShort:      20,
		EMAMedium:     50,
		EMALong:       200,
		ADXPeriod:     14,
		ADXThreshold:  25,
		KlineInterval: "1h",
		KlineLimit:    250,
	}
}

// Status is a read-only view of the adapter for the status API.
type Status struct {
	Trend     Trend     `json:"trend"`
	ADX       float64   `json:"adx"`
	EMAShort  float64   `json:"ema_short"`
	EMAMedium float64   `json:"ema_medium"`
	EMALong   float64   `json:"ema_long"`
	Since     time.Time `json:"since"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Adapter periodically reclassifies the trend and, on a change, emits the
// spacing multipliers for the new trend. Multipliers widen the
// counter-trend side's grid and leave the trend-favored side alone.
type Adapter struct {
	gateway binance.Gateway
	cfg     Config
	bus     *events.Bus
	logger  zerolog.Logger

	mu     sync.Mutex
	status Status
}

// NewAdapter creates a signal adapter. bus may be nil.
func NewAdapter(gateway binance.Gateway, cfg Config, bus *events.Bus, logger zerolog.Logger) *Adapter {
	return &Adapter{
		gateway: gateway,
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With().Str("component", "signal").Logger(),
		status:  Status{Trend: TrendRanging},
	}
}

// Refresh fetches fresh klines, reclassifies the trend, and returns the
// spacing adjustment to apply. changed is false when the classification is
// unchanged, in which case the adjustment must not be applied.
func (a *Adapter) Refresh(ctx context.Context) (adj grid.SpacingAdjustment, changed bool, err error) {
	klines, err := a.gateway.Klines(ctx, a.cfg.Symbol, a.cfg.KlineInterval, a.cfg.KlineLimit)
	if err != nil {
		return grid.SpacingAdjustment{}, false, fmt.Errorf("fetching klines: %w", err)
	}

	trend, status := a.Classify(klines)

	a.mu.Lock()
	previous := a.status.Trend
	status.Since = a.status.Since
	if trend != previous {
		status.Since = time.Now()
	}
	a.status = status
	a.mu.Unlock()

	if trend == previous {
		return grid.SpacingAdjustment{}, false, nil
	}

	a.logger.Info().
		Str("previous", string(previous)).
		Str("trend", string(trend)).
		Float64("adx", status.ADX).
		Msg("trend classification changed")
	if a.bus != nil {
		a.bus.PublishSignalChanged(a.cfg.Symbol, string(trend), status.ADX)
	}
	return adjustmentFor(trend), true, nil
}

// Classify computes the trend for a kline window. Strong trends require
// the full EMA alignment, ADX above the threshold, close on the right side
// of the long EMA, and the short EMA not sloping against the trend.
func (a *Adapter) Classify(klines []binance.Kline) (Trend, Status) {
	status := Status{Trend: TrendRanging, UpdatedAt: time.Now()}
	if len(klines) < a.cfg.EMALong+1 {
		return TrendRanging, status
	}

	emaShortSeries := CalculateEMASeries(klines, a.cfg.EMAShort)
	emaShort := emaShortSeries[len(emaShortSeries)-1]
	emaShortPrev := emaShortSeries[len(emaShortSeries)-2]
	emaMedium := CalculateEMA(klines, a.cfg.EMAMedium)
	emaLong := CalculateEMA(klines, a.cfg.EMALong)
	adx, _, _ := CalculateADX(klines, a.cfg.ADXPeriod)
	lastClose := klines[len(klines)-1].Close

	status.ADX = adx
	status.EMAShort = emaShort
	status.EMAMedium = emaMedium
	status.EMALong = emaLong

	strongTrend := adx > a.cfg.ADXThreshold
	bullishOrder := emaShort > emaMedium && emaMedium > emaLong
	bearishOrder := emaShort < emaMedium && emaMedium < emaLong
	shortDeclining := emaShort-emaShortPrev < 0
	shortRising := emaShort-emaShortPrev > 0

	switch {
	case lastClose > emaLong && bullishOrder && strongTrend && !shortDeclining:
		status.Trend = TrendUp
	case lastClose < emaLong && bearishOrder && strongTrend && !shortRising:
		status.Trend = TrendDown
	}
	return status.Trend, status
}

// Status returns the latest classification.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// adjustmentFor maps a trend to spacing multipliers: the counter-trend
// side's replenishment and take-profit spacings are doubled, everything
// else stays at 1. Ranging returns all ones, which deliberately leaves any
// previously widened spacings in place.
func adjustmentFor(trend Trend) grid.SpacingAdjustment {
	adj := grid.SpacingAdjustment{LongEntry: 1, LongProfit: 1, ShortEntry: 1, ShortProfit: 1}
	switch trend {
	case TrendUp:
		adj.ShortEntry = 2
		adj.ShortProfit = 2
	case TrendDown:
		adj.LongEntry = 2
		adj.LongProfit = 2
	}
	return adj
}
