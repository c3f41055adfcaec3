package signal

import (
	"context"
	"math"
	"testing"

	"binance-grid-bot/internal/binance"

	"github.com/rs/zerolog"
)

// risingKlines builds a steadily climbing series: full bullish EMA
// alignment and near-maximal directional strength.
func risingKlines(n int, start, step float64) []binance.Kline {
	klines := make([]binance.Kline, n)
	for i := range klines {
		open := start + float64(i)*step
		close := open + step
		klines[i] = binance.Kline{
			Open:  open,
			High:  close + step*0.1,
			Low:   open - step*0.1,
			Close: close,
		}
	}
	return klines
}

func fallingKlines(n int, start, step float64) []binance.Kline {
	klines := make([]binance.Kline, n)
	for i := range klines {
		open := start - float64(i)*step
		close := open - step
		klines[i] = binance.Kline{
			Open:  open,
			High:  open + step*0.1,
			Low:   close - step*0.1,
			Close: close,
		}
	}
	return klines
}

// choppyKlines alternates up and down around a flat level.
func choppyKlines(n int, level, amplitude float64) []binance.Kline {
	klines := make([]binance.Kline, n)
	for i := range klines {
		direction := 1.0
		if i%2 == 0 {
			direction = -1
		}
		close := level + direction*amplitude
		klines[i] = binance.Kline{
			Open:  level,
			High:  level + amplitude,
			Low:   level - amplitude,
			Close: close,
		}
	}
	return klines
}

func TestCalculateSMA(t *testing.T) {
	klines := []binance.Kline{
		{Close: 1}, {Close: 2}, {Close: 3}, {Close: 4},
	}
	if got := CalculateSMA(klines, 2); got != 3.5 {
		t.Errorf("SMA(2) = %v, want 3.5", got)
	}
	if got := CalculateSMA(klines, 10); got != 0 {
		t.Errorf("SMA with short window = %v, want 0", got)
	}
}

func TestCalculateEMAConstantSeries(t *testing.T) {
	klines := make([]binance.Kline, 50)
	for i := range klines {
		klines[i].Close = 0.5
	}
	if got := CalculateEMA(klines, 20); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("EMA of constant series = %v, want 0.5", got)
	}
}

func TestCalculateEMATracksTrend(t *testing.T) {
	klines := risingKlines(100, 100, 1)
	emaShort := CalculateEMA(klines, 20)
	emaLong := CalculateEMA(klines, 50)
	if emaShort <= emaLong {
		t.Errorf("rising series: EMA20 %v <= EMA50 %v", emaShort, emaLong)
	}
	if last := klines[len(klines)-1].Close; emaShort >= last {
		t.Errorf("EMA20 %v not below the latest close %v", emaShort, last)
	}
}

func TestCalculateADXStrongOnMonotoneMove(t *testing.T) {
	adx, plusDI, minusDI := CalculateADX(risingKlines(100, 100, 1), 14)
	if adx <= 25 {
		t.Errorf("ADX of monotone rise = %v, want > 25", adx)
	}
	if plusDI <= minusDI {
		t.Errorf("+DI %v <= -DI %v on a rising series", plusDI, minusDI)
	}

	adx, plusDI, minusDI = CalculateADX(fallingKlines(100, 500, 1), 14)
	if adx <= 25 {
		t.Errorf("ADX of monotone fall = %v, want > 25", adx)
	}
	if minusDI <= plusDI {
		t.Errorf("-DI %v <= +DI %v on a falling series", minusDI, plusDI)
	}
}

func TestCalculateADXWeakOnChop(t *testing.T) {
	adx, _, _ := CalculateADX(choppyKlines(100, 100, 1), 14)
	if adx > 25 {
		t.Errorf("ADX of choppy series = %v, want <= 25", adx)
	}
}

func TestCalculateADXInsufficientData(t *testing.T) {
	adx, _, _ := CalculateADX(risingKlines(20, 100, 1), 14)
	if adx != 0 {
		t.Errorf("ADX with short window = %v, want 0", adx)
	}
}

func TestClassifyTrends(t *testing.T) {
	adapter := NewAdapter(nil, DefaultConfig("XRPUSDC"), nil, zerolog.Nop())

	if trend, _ := adapter.Classify(risingKlines(250, 100, 1)); trend != TrendUp {
		t.Errorf("rising series classified %s, want %s", trend, TrendUp)
	}
	if trend, _ := adapter.Classify(fallingKlines(250, 1000, 1)); trend != TrendDown {
		t.Errorf("falling series classified %s, want %s", trend, TrendDown)
	}
	if trend, _ := adapter.Classify(choppyKlines(250, 100, 1)); trend != TrendRanging {
		t.Errorf("choppy series classified %s, want %s", trend, TrendRanging)
	}
	if trend, _ := adapter.Classify(risingKlines(50, 100, 1)); trend != TrendRanging {
		t.Errorf("short history classified %s, want %s", trend, TrendRanging)
	}
}

func TestAdjustmentWidensCounterTrendSide(t *testing.T) {
	up := adjustmentFor(TrendUp)
	if up.LongEntry != 1 || up.LongProfit != 1 {
		t.Errorf("uptrend touched the long side: %+v", up)
	}
	if up.ShortEntry != 2 || up.ShortProfit != 2 {
		t.Errorf("uptrend did not double the short side: %+v", up)
	}

	down := adjustmentFor(TrendDown)
	if down.LongEntry != 2 || down.LongProfit != 2 {
		t.Errorf("downtrend did not double the long side: %+v", down)
	}
	if down.ShortEntry != 1 || down.ShortProfit != 1 {
		t.Errorf("downtrend touched the short side: %+v", down)
	}

	ranging := adjustmentFor(TrendRanging)
	if ranging.LongEntry != 1 || ranging.ShortEntry != 1 ||
		ranging.LongProfit != 1 || ranging.ShortProfit != 1 {
		t.Errorf("ranging must be all ones: %+v", ranging)
	}
}

func TestRefreshReportsChangesOnly(t *testing.T) {
	mock := binance.NewMockGateway(0.5)
	adapter := NewAdapter(mock, DefaultConfig("XRPUSDC"), nil, zerolog.Nop())
	ctx := context.Background()

	mock.SetKlines(risingKlines(250, 100, 1))
	adj, changed, err := adapter.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !changed {
		t.Fatal("ranging -> strong_up not reported as a change")
	}
	if adj.ShortEntry != 2 {
		t.Errorf("adjustment = %+v, want short side doubled", adj)
	}

	// Same trend again: no change, no adjustment.
	_, changed, err = adapter.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if changed {
		t.Error("unchanged trend reported as a change")
	}

	// Back to ranging: change reported with neutral multipliers, leaving
	// previously widened spacings in place.
	mock.SetKlines(choppyKlines(250, 100, 1))
	adj, changed, err = adapter.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !changed {
		t.Fatal("strong_up -> ranging not reported as a change")
	}
	if adj.LongEntry != 1 || adj.ShortEntry != 1 {
		t.Errorf("ranging adjustment = %+v, want all ones", adj)
	}
}
