// Package indicators wraps the cinar/indicator streaming API with typed
// slice-in helpers for the technical provider and the regime classifier.
package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

// sliceToChan feeds a closed channel from a price slice.
func sliceToChan(prices []float64) chan float64 {
	c := make(chan float64, len(prices))
	for _, p := range prices {
		c <- p
	}
	close(c)
	return c
}

// drain collects a channel into a slice.
func drain(c <-chan float64) []float64 {
	var out []float64
	for v := range c {
		out = append(out, v)
	}
	return out
}

// last returns the final value of a series.
func last(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("indicator produced no values")
	}
	return values[len(values)-1], nil
}

// RSI computes the most recent Relative Strength Index value.
func RSI(prices []float64, period int) (float64, error) {
	if period < 1 || period > len(prices) {
		return 0, fmt.Errorf("invalid RSI period %d for %d prices", period, len(prices))
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	return last(drain(rsi.Compute(sliceToChan(prices))))
}

// MACD computes the most recent MACD, signal and histogram values.
func MACD(prices []float64, fast, slow, signal int) (macd, sig, hist float64, err error) {
	if fast >= slow {
		return 0, 0, 0, fmt.Errorf("fast period %d must be less than slow period %d", fast, slow)
	}
	if len(prices) < slow+signal {
		return 0, 0, 0, fmt.Errorf("insufficient data: need %d prices, got %d", slow+signal, len(prices))
	}
	ind := trend.NewMacdWithPeriod[float64](fast, slow, signal)
	macdChan, sigChan := ind.Compute(sliceToChan(prices))

	var macdValues, sigValues []float64
	for {
		m, mok := <-macdChan
		s, sok := <-sigChan
		if !mok || !sok {
			break
		}
		macdValues = append(macdValues, m)
		sigValues = append(sigValues, s)
	}

	macd, err = last(macdValues)
	if err != nil {
		return 0, 0, 0, err
	}
	sig, err = last(sigValues)
	if err != nil {
		return 0, 0, 0, err
	}
	return macd, sig, macd - sig, nil
}

// EMA computes the most recent exponential moving average.
func EMA(prices []float64, period int) (float64, error) {
	if period < 1 || period > len(prices) {
		return 0, fmt.Errorf("invalid EMA period %d for %d prices", period, len(prices))
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return last(drain(ema.Compute(sliceToChan(prices))))
}

// BollingerWidth computes the most recent band width as a percentage of
// the middle band. Narrow widths indicate consolidation, wide widths
// indicate elevated volatility.
func BollingerWidth(prices []float64, period int) (float64, error) {
	if period < 1 || period > len(prices) {
		return 0, fmt.Errorf("invalid Bollinger period %d for %d prices", period, len(prices))
	}
	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	upperChan, middleChan, lowerChan := bb.Compute(sliceToChan(prices))

	var lowers, middles, uppers []float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lowers = append(lowers, l)
		middles = append(middles, m)
		uppers = append(uppers, u)
	}

	middle, err := last(middles)
	if err != nil {
		return 0, err
	}
	if middle == 0 {
		return 0, fmt.Errorf("middle band is zero")
	}
	upper := uppers[len(uppers)-1]
	lower := lowers[len(lowers)-1]
	return (upper - lower) / middle * 100, nil
}
