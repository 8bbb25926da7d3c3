package indicators

import (
	"fmt"
	"math"

	"fxPilot/internal/domain"
)

// ATR computes the Average True Range over candlestick data using Wilder's
// smoothing. The trailing stop manager uses it to size stop distances to
// current volatility.
type ATR struct {
	period int
}

// NewATR creates an ATR indicator with the given period.
func NewATR(period int) (*ATR, error) {
	if period < 1 {
		return nil, fmt.Errorf("ATR period must be at least 1, got %d", period)
	}
	return &ATR{period: period}, nil
}

// Period returns the configured smoothing period.
func (a *ATR) Period() int { return a.period }

// Calculate computes the ATR value for the given klines. At least period+1
// candles are required.
func (a *ATR) Calculate(klines []*domain.Kline) (float64, error) {
	if len(klines) < a.period+1 {
		return 0, fmt.Errorf("not enough data points for ATR calculation: need %d, got %d",
			a.period+1, len(klines))
	}

	trueRanges := make([]float64, len(klines))
	trueRanges[0] = klines[0].Range()
	for i := 1; i < len(klines); i++ {
		prevClose := klines[i-1].Close
		tr := math.Max(klines[i].Range(),
			math.Max(math.Abs(klines[i].High-prevClose), math.Abs(klines[i].Low-prevClose)))
		trueRanges[i] = tr
	}

	// Seed with a simple average, then apply Wilder's smoothing.
	atr := 0.0
	for i := 0; i < a.period; i++ {
		atr += trueRanges[i]
	}
	atr /= float64(a.period)
	for i := a.period; i < len(trueRanges); i++ {
		atr = (atr*float64(a.period-1) + trueRanges[i]) / float64(a.period)
	}
	return atr, nil
}
