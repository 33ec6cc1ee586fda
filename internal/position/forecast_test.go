package position

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForecastNeedsHistory(t *testing.T) {
	f := NewForecaster()
	at := time.Now()
	for i := 0; i < 9; i++ {
		f.Observe(0.0004, at.Add(time.Duration(i)*30*time.Second))
	}

	_, ok := f.Forecast(5 * time.Minute)
	assert.False(t, ok)
}

func TestForecastConvergesOnStableSeries(t *testing.T) {
	f := NewForecaster()
	at := time.Now()
	for i := 0; i < 50; i++ {
		f.Observe(0.0005, at.Add(time.Duration(i)*30*time.Second))
	}

	fc, ok := f.Forecast(5 * time.Minute)
	require.True(t, ok)
	assert.InDelta(t, 0.0005, fc.Point, 1e-9)
	assert.InDelta(t, 0.0005, fc.Lower, 1e-9) // zero residuals, zero band
	assert.InDelta(t, 0.0005, fc.Upper, 1e-9)
}

func TestForecastBandWidensWithHorizon(t *testing.T) {
	f := NewForecaster()
	at := time.Now()
	for i := 0; i < 100; i++ {
		v := 0.0005
		if i%2 == 0 {
			v = 0.0003
		}
		f.Observe(v, at.Add(time.Duration(i)*30*time.Second))
	}

	near, ok := f.Forecast(5 * time.Minute)
	require.True(t, ok)
	far, ok := f.Forecast(time.Hour)
	require.True(t, ok)

	nearBand := near.Upper - near.Point
	farBand := far.Upper - far.Point
	assert.Greater(t, nearBand, 0.0)
	assert.Greater(t, farBand, nearBand)
	// sqrt scaling: one hour is 12x the five-minute horizon
	assert.InDelta(t, math.Sqrt(12), farBand/nearBand, 0.01)
}

func TestMeanReversionFlagsExtremeSample(t *testing.T) {
	f := NewForecaster()
	at := time.Now()
	for i := 0; i < 20; i++ {
		f.Observe(0.0004, at.Add(time.Duration(i)*30*time.Second))
	}
	f.Observe(0.002, at.Add(20*30*time.Second))

	z, extreme := f.MeanReversion()
	assert.True(t, extreme)
	assert.Greater(t, z, 2.0)
}

func TestMeanReversionQuietSeries(t *testing.T) {
	f := NewForecaster()
	at := time.Now()
	for i := 0; i < 30; i++ {
		v := 0.0004 + 0.00001*float64(i%3)
		f.Observe(v, at.Add(time.Duration(i)*30*time.Second))
	}

	_, extreme := f.MeanReversion()
	assert.False(t, extreme)
}

func TestDetectSeasonalityHourlyCycle(t *testing.T) {
	f := NewForecaster()
	at := time.Now().Truncate(time.Hour)
	// Four hours of 30s samples riding a one-hour sine.
	for i := 0; i < 480; i++ {
		phase := 2 * math.Pi * float64(i%120) / 120
		v := 0.0004 + 0.0002*math.Sin(phase)
		f.Observe(v, at.Add(time.Duration(i)*30*time.Second))
	}

	s, ok := f.DetectSeasonality()
	require.True(t, ok)
	assert.Equal(t, time.Hour, s.Period)
	assert.Greater(t, s.Strength, 0.3)
	assert.GreaterOrEqual(t, s.Phase, 0.0)
	assert.Less(t, s.Phase, 1.0)
}

func TestDetectSeasonalityFlatSeries(t *testing.T) {
	f := NewForecaster()
	at := time.Now()
	for i := 0; i < 480; i++ {
		f.Observe(0.0004, at.Add(time.Duration(i)*30*time.Second))
	}

	_, ok := f.DetectSeasonality()
	assert.False(t, ok)
}
