package market

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

const (
	rsiPeriod     = 14
	emaFastPeriod = 9
	emaSlowPeriod = 21
)

// Indicators 由最近收盘价计算；数据不足时为 nil。
type Indicators struct {
	RSI14 *float64 `json:"rsi14,omitempty"`
	EMA9  *float64 `json:"ema9,omitempty"`
	EMA21 *float64 `json:"ema21,omitempty"`
}

func ComputeIndicators(closes []float64) Indicators {
	var out Indicators
	if len(closes) > rsiPeriod {
		out.RSI14 = lastValid(talib.Rsi(closes, rsiPeriod))
	}
	if len(closes) >= emaFastPeriod {
		out.EMA9 = lastValid(talib.Ema(closes, emaFastPeriod))
	}
	if len(closes) >= emaSlowPeriod {
		out.EMA21 = lastValid(talib.Ema(closes, emaSlowPeriod))
	}
	return out
}

func lastValid(series []float64) *float64 {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) <= 1e-12 {
			continue
		}
		return &v
	}
	return nil
}
