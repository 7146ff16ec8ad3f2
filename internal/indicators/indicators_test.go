package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func risingPrices(n int) []float64 {
	out := make([]float64, n)
	price := 100.0
	for i := range out {
		out[i] = price
		price += 1.5
	}
	return out
}

func fallingPrices(n int) []float64 {
	out := make([]float64, n)
	price := 200.0
	for i := range out {
		out[i] = price
		price -= 1.5
	}
	return out
}

func TestRSI(t *testing.T) {
	t.Run("monotonic rise is overbought", func(t *testing.T) {
		rsi, err := RSI(risingPrices(40), 14)
		require.NoError(t, err)
		assert.Greater(t, rsi, 70.0)
	})

	t.Run("monotonic fall is oversold", func(t *testing.T) {
		rsi, err := RSI(fallingPrices(40), 14)
		require.NoError(t, err)
		assert.Less(t, rsi, 30.0)
	})

	t.Run("rejects bad period", func(t *testing.T) {
		_, err := RSI(risingPrices(10), 14)
		assert.Error(t, err)
	})
}

func TestMACD(t *testing.T) {
	t.Run("uptrend has positive macd", func(t *testing.T) {
		macd, _, hist, err := MACD(risingPrices(60), 12, 26, 9)
		require.NoError(t, err)
		assert.Greater(t, macd, 0.0)
		_ = hist
	})

	t.Run("rejects fast >= slow", func(t *testing.T) {
		_, _, _, err := MACD(risingPrices(60), 26, 12, 9)
		assert.Error(t, err)
	})

	t.Run("rejects short series", func(t *testing.T) {
		_, _, _, err := MACD(risingPrices(10), 12, 26, 9)
		assert.Error(t, err)
	})
}

func TestEMA(t *testing.T) {
	ema, err := EMA(risingPrices(30), 10)
	require.NoError(t, err)
	// EMA lags the latest price in a rising series but stays close to it.
	latest := risingPrices(30)[29]
	assert.Less(t, ema, latest)
	assert.Greater(t, ema, latest-20)
}

func TestBollingerWidth(t *testing.T) {
	t.Run("flat series has near-zero width", func(t *testing.T) {
		flat := make([]float64, 40)
		for i := range flat {
			flat[i] = 100
		}
		width, err := BollingerWidth(flat, 20)
		require.NoError(t, err)
		assert.InDelta(t, 0, width, 1e-9)
	})

	t.Run("noisy series has wider bands than calm series", func(t *testing.T) {
		calm := make([]float64, 40)
		noisy := make([]float64, 40)
		for i := range calm {
			calm[i] = 100 + 0.1*float64(i%2)
			noisy[i] = 100 + 8*float64(i%2)
		}
		calmWidth, err := BollingerWidth(calm, 20)
		require.NoError(t, err)
		noisyWidth, err := BollingerWidth(noisy, 20)
		require.NoError(t, err)
		assert.Greater(t, noisyWidth, calmWidth)
	})
}
