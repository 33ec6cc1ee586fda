package position

import (
	"math"
	"time"
)

const (
	sesAlpha         = 0.3
	maxForecastLen   = 500
	seasonalMinPower = 0.3
	reversionZ       = 2.0
)

// Forecast is a point estimate with a 95% interval.
type Forecast struct {
	Point float64
	Lower float64
	Upper float64
}

// Seasonality describes a detected periodic component in the spread.
type Seasonality struct {
	Period   time.Duration
	Strength float64 // autocorrelation at the period lag
	Phase    float64 // 0..1, fraction of the period elapsed
}

// Forecaster holds the rolling spread series for one position and
// derives a simple exponential smoothing forecast, seasonality hints,
// and a mean-reversion signal. Advisory only, never a hard gate.
type Forecaster struct {
	samples []float64
	times   []time.Time
	level   float64
	primed  bool
}

// NewForecaster returns an empty forecaster.
func NewForecaster() *Forecaster {
	return &Forecaster{}
}

// Observe appends one spread sample and updates the smoothed level.
func (f *Forecaster) Observe(v float64, at time.Time) {
	if !f.primed {
		f.level = v
		f.primed = true
	} else {
		f.level = sesAlpha*v + (1-sesAlpha)*f.level
	}

	f.samples = append(f.samples, v)
	f.times = append(f.times, at)
	if len(f.samples) > maxForecastLen {
		f.samples = f.samples[len(f.samples)-maxForecastLen:]
		f.times = f.times[len(f.times)-maxForecastLen:]
	}
}

// Forecast projects the smoothed level over horizon. The interval is
// ±1.96σ of the residuals, widened by the square root of the horizon
// expressed in sample steps. Needs at least 10 samples.
func (f *Forecaster) Forecast(horizon time.Duration) (Forecast, bool) {
	if len(f.samples) < 10 {
		return Forecast{}, false
	}

	sigma := f.residualStdDev()
	steps := float64(horizon) / float64(f.sampleSpacing())
	if steps < 1 {
		steps = 1
	}
	band := 1.96 * sigma * math.Sqrt(steps)

	return Forecast{
		Point: f.level,
		Lower: f.level - band,
		Upper: f.level + band,
	}, true
}

// DetectSeasonality checks the series for a periodic component at the
// 1h and 8h lags and reports the stronger one if either clears the
// strength floor.
func (f *Forecaster) DetectSeasonality() (Seasonality, bool) {
	spacing := f.sampleSpacing()
	best := Seasonality{}

	for _, period := range []time.Duration{time.Hour, 8 * time.Hour} {
		lag := int(period / spacing)
		if lag < 2 || len(f.samples) < 2*lag {
			continue
		}
		r := autocorrelation(f.samples, lag)
		if r > seasonalMinPower && r > best.Strength {
			elapsed := f.times[len(f.times)-1].Sub(f.times[len(f.times)-1].Truncate(period))
			best = Seasonality{
				Period:   period,
				Strength: r,
				Phase:    float64(elapsed) / float64(period),
			}
		}
	}
	return best, best.Strength > 0
}

// MeanReversion returns the z-score of the latest sample against the
// series mean and whether it is extreme enough to expect a pullback.
func (f *Forecaster) MeanReversion() (float64, bool) {
	if len(f.samples) < 10 {
		return 0, false
	}
	mean, sd := meanStdDev(f.samples)
	if sd == 0 {
		return 0, false
	}
	z := (f.samples[len(f.samples)-1] - mean) / sd
	return z, math.Abs(z) > reversionZ
}

// sampleSpacing is the average gap between observations, defaulting to
// 30s before two samples exist.
func (f *Forecaster) sampleSpacing() time.Duration {
	if len(f.times) < 2 {
		return 30 * time.Second
	}
	span := f.times[len(f.times)-1].Sub(f.times[0])
	spacing := span / time.Duration(len(f.times)-1)
	if spacing <= 0 {
		return 30 * time.Second
	}
	return spacing
}

func (f *Forecaster) residualStdDev() float64 {
	if len(f.samples) < 2 {
		return 0
	}
	// One-step-ahead residuals of the SES recursion, replayed.
	level := f.samples[0]
	var sumSq float64
	for _, v := range f.samples[1:] {
		r := v - level
		sumSq += r * r
		level = sesAlpha*v + (1-sesAlpha)*level
	}
	return math.Sqrt(sumSq / float64(len(f.samples)-1))
}

func meanStdDev(vals []float64) (float64, float64) {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))

	var sumSq float64
	for _, v := range vals {
		d := v - mean
		sumSq += d * d
	}
	if len(vals) < 2 {
		return mean, 0
	}
	return mean, math.Sqrt(sumSq / float64(len(vals)-1))
}

func autocorrelation(vals []float64, lag int) float64 {
	n := len(vals)
	if lag <= 0 || n <= lag {
		return 0
	}
	mean, _ := meanStdDev(vals)

	var num, den float64
	for i := 0; i < n; i++ {
		d := vals[i] - mean
		den += d * d
	}
	if den == 0 {
		return 0
	}
	for i := lag; i < n; i++ {
		num += (vals[i] - mean) * (vals[i-lag] - mean)
	}
	return num / den
}

// pearson computes the correlation of two equal-length price series.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0
	}
	mx, _ := meanStdDev(xs)
	my, _ := meanStdDev(ys)

	var num, dx, dy float64
	for i := 0; i < n; i++ {
		a := xs[i] - mx
		b := ys[i] - my
		num += a * b
		dx += a * a
		dy += b * b
	}
	if dx == 0 || dy == 0 {
		return 0
	}
	return num / math.Sqrt(dx*dy)
}
