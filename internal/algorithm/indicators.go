package algorithm

import "math"

// rsi returns the latest Wilder-smoothed RSI of closes, or false when there are
// fewer than period+1 prices.
func rsi(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}

	n := len(closes)
	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	avgGain := mean(gains[1 : period+1])
	avgLoss := mean(losses[1 : period+1])
	for i := period + 1; i < n; i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// sma returns the simple average of the last period values.
func sma(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	return mean(values[len(values)-period:]), true
}

// bollinger returns the lower and upper band of the last period values.
func bollinger(values []float64, period int, k float64) (lower, upper float64, ok bool) {
	mid, ok := sma(values, period)
	if !ok {
		return 0, 0, false
	}
	sd := stdDev(values[len(values)-period:])
	return mid - k*sd, mid + k*sd, true
}

// zScore is the distance of the last value from the mean of the window in standard deviations.
func zScore(values []float64, period int) (float64, bool) {
	if period <= 1 || len(values) < period {
		return 0, false
	}
	window := values[len(values)-period:]
	sd := stdDev(window)
	if sd == 0 {
		return 0, false
	}
	return (window[len(window)-1] - mean(window)) / sd, true
}

// logVolatility is the annualized standard deviation of log returns of the last period values.
func logVolatility(values []float64, period int) (float64, bool) {
	if len(values) < period+1 || period < 2 {
		return 0, false
	}
	window := values[len(values)-period-1:]
	returns := make([]float64, 0, period)
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 || window[i] <= 0 {
			return 0, false
		}
		returns = append(returns, math.Log(window[i]/window[i-1]))
	}
	return stdDev(returns) * math.Sqrt(365), true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var s float64
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	var variance float64
	for _, v := range values {
		variance += (v - m) * (v - m)
	}
	return math.Sqrt(variance / float64(len(values)))
}
