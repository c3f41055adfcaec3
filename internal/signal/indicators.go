// Package signal classifies the market trend from EMA alignment and ADX
// strength, and maps classification changes to grid spacing multipliers.
package signal

import (
	"math"

	"binance-grid-bot/internal/binance"
)

// CalculateSMA calculates Simple Moving Average over the last period closes.
func CalculateSMA(klines []binance.Kline, period int) float64 {
	if len(klines) < period {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period)
}

// CalculateEMA calculates Exponential Moving Average, seeded with the SMA
// of the first period closes.
func CalculateEMA(klines []binance.Kline, period int) float64 {
	if len(klines) < period {
		return 0
	}

	multiplier := 2.0 / float64(period+1)

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += klines[i].Close
	}
	ema := sum / float64(period)

	for i := period; i < len(klines); i++ {
		ema = (klines[i].Close-ema)*multiplier + ema
	}
	return ema
}

// CalculateEMASeries returns the EMA value for every index from period-1
// onward; earlier indexes are zero. Used to check the EMA's own slope.
func CalculateEMASeries(klines []binance.Kline, period int) []float64 {
	series := make([]float64, len(klines))
	if len(klines) < period {
		return series
	}

	multiplier := 2.0 / float64(period+1)

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += klines[i].Close
	}
	ema := sum / float64(period)
	series[period-1] = ema

	for i := period; i < len(klines); i++ {
		ema = (klines[i].Close-ema)*multiplier + ema
		series[i] = ema
	}
	return series
}

// CalculateADX calculates the Average Directional Index with Wilder
// smoothing: smoothed value = previous - previous/period + current, seeded
// with a simple average of the first period, and ADX as a simple moving
// average of DX.
func CalculateADX(klines []binance.Kline, period int) (adx, plusDI, minusDI float64) {
	// Wilder smoothing needs a full DM window plus a full DX window.
	if len(klines) < period*3+1 {
		return 0, 0, 0
	}

	n := len(klines) - 1
	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i <= n; i++ {
		high, low := klines[i].High, klines[i].Low
		prevHigh, prevLow := klines[i-1].High, klines[i-1].Low
		prevClose := klines[i-1].Close

		tr[i-1] = math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))

		upMove := high - prevHigh
		downMove := prevLow - low
		if upMove > downMove && upMove > 0 {
			plusDM[i-1] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i-1] = downMove
		}
	}

	seed := func(values []float64) float64 {
		sum := 0.0
		for i := 0; i < period; i++ {
			sum += values[i]
		}
		return sum / float64(period)
	}

	smoothedTR := seed(tr)
	smoothedPlusDM := seed(plusDM)
	smoothedMinusDM := seed(minusDM)

	var dxValues []float64
	appendDX := func() {
		if smoothedTR == 0 {
			dxValues = append(dxValues, 0)
			return
		}
		pDI := 100 * smoothedPlusDM / smoothedTR
		mDI := 100 * smoothedMinusDM / smoothedTR
		plusDI, minusDI = pDI, mDI
		if pDI+mDI == 0 {
			dxValues = append(dxValues, 0)
			return
		}
		dxValues = append(dxValues, 100*math.Abs(pDI-mDI)/(pDI+mDI))
	}
	appendDX()

	for i := period; i < n; i++ {
		smoothedTR = smoothedTR - smoothedTR/float64(period) + tr[i]
		smoothedPlusDM = smoothedPlusDM - smoothedPlusDM/float64(period) + plusDM[i]
		smoothedMinusDM = smoothedMinusDM - smoothedMinusDM/float64(period) + minusDM[i]
		appendDX()
	}

	if len(dxValues) < period {
		return 0, plusDI, minusDI
	}
	sum := 0.0
	for i := len(dxValues) - period; i < len(dxValues); i++ {
		sum += dxValues[i]
	}
	return sum / float64(period), plusDI, minusDI
}
