package strategy

// Indicator helpers shared by the strategy variants. All of them return a
// slice the same length as the input; entries before the warmup window are
// zero and callers must not read them. Everything is float64 end to end so
// a single evaluation never mixes precisions.

// SMA is a simple moving average with the given window.
func SMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA is an exponential moving average with alpha = 2/(span+1), seeded from
// the first value.
func EMA(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if span <= 0 || len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI computes the relative strength index over closes using rolling-mean
// gains and losses. When the average loss over the window is zero the RSI
// is reported as 100.
func RSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if period <= 0 || len(closes) <= period {
		return out
	}
	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains[i] = delta
		} else {
			losses[i] = -delta
		}
	}
	avgGain := SMA(gains, period)
	avgLoss := SMA(losses, period)
	for i := period; i < len(closes); i++ {
		if avgLoss[i] == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// MACD returns the MACD line (EMA fast minus EMA slow), its signal line and the
// histogram.
func MACD(closes []float64, fast, slow, signal int) (line, signalLine, histogram []float64) {
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	line = make([]float64, len(closes))
	for i := range closes {
		line[i] = emaFast[i] - emaSlow[i]
	}
	signalLine = EMA(line, signal)
	histogram = make([]float64, len(closes))
	for i := range closes {
		histogram[i] = line[i] - signalLine[i]
	}
	return line, signalLine, histogram
}

// ATR is the average true range over OHLC candles.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	if period <= 0 || n < 2 {
		return out
	}
	tr := make([]float64, n)
	tr[0] = highs[0] - lows[0]
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := abs(highs[i] - closes[i-1])
		lc := abs(lows[i] - closes[i-1])
		tr[i] = max3(hl, hc, lc)
	}
	return SMA(tr, period)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
