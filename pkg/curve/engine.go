package curve

import (
	"math"

	"github.com/itohio/gohandbrake/pkg/config"
	"github.com/itohio/gohandbrake/pkg/sample"
)

const (
	// DefaultSampleCount is the number of points in a preview curve.
	DefaultSampleCount = 100
	// DefaultEpsilon keeps x away from zero for the logarithmic curve.
	DefaultEpsilon = 0.001
	// DefaultADCMax is the full-scale processed value of a 10-bit ADC.
	DefaultADCMax = 1023

	// Scale is the upper bound of normalised curve output.
	Scale = 100.0
)

// Engine computes preview curves and maps live samples onto them.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	sampleCount     int
	epsilon         float64
	degenerateLevel float64
	adcMax          float64
}

// New creates an Engine from the curve and device sections of cfg.
// A nil cfg yields the defaults.
func New(cfg *config.Config) *Engine {
	e := &Engine{
		sampleCount: DefaultSampleCount,
		epsilon:     DefaultEpsilon,
		adcMax:      DefaultADCMax,
	}
	if cfg == nil {
		return e
	}

	if cfg.Curve.SampleCount > 0 {
		e.sampleCount = cfg.Curve.SampleCount
	}
	if cfg.Curve.Epsilon != 0 {
		e.epsilon = cfg.Curve.Epsilon
	}
	e.degenerateLevel = cfg.Curve.DegenerateLevel
	if cfg.Device.ADCMax > 0 {
		e.adcMax = cfg.Device.ADCMax
	}

	return e
}

// Compute returns the normalised preview curve with the configured number of points.
func (e *Engine) Compute(s Settings) []Point {
	return e.ComputeN(s, e.sampleCount)
}

// ComputeN returns n points evenly spaced over [MinRaw, MaxRaw] with y
// normalised into [0, 100]. A curve whose y values are all equal or not
// finite is degenerate: every y is set to the configured degenerate level.
func (e *Engine) ComputeN(s Settings, n int) []Point {
	if n <= 0 {
		n = e.sampleCount
	}

	points := make([]Point, n)
	lo, hi := float64(s.MinRaw), float64(s.MaxRaw)

	finite := true
	yMin, yMax := math.Inf(1), math.Inf(-1)
	for i := range n {
		x := lo
		if n > 1 {
			x = lo + (hi-lo)*float64(i)/float64(n-1)
		}
		x += e.epsilon

		y := evaluate(s, x)
		if math.IsNaN(y) || math.IsInf(y, 0) {
			finite = false
		} else {
			yMin = math.Min(yMin, y)
			yMax = math.Max(yMax, y)
		}
		points[i] = Point{X: x, Y: y}
	}

	if !finite || yMax == yMin {
		for i := range points {
			points[i].Y = e.degenerateLevel
		}
		return points
	}

	span := yMax - yMin
	for i := range points {
		points[i].Y = (points[i].Y - yMin) / span * Scale
	}
	return points
}

// evaluate computes the un-normalised curve value at x.
func evaluate(s Settings, x float64) float64 {
	scale := float64(s.MaxRaw)
	f := s.CurveFactor

	switch s.Type {
	case Exponential:
		if x <= 0 {
			return 0
		}
		return scale*math.Pow(x, f) + f
	case Logarithmic:
		if x <= 0 {
			return 0
		}
		return scale*math.Log(x)/math.Log(f) + f
	default:
		return scale*x + f
	}
}

// MapSample maps a telemetry sample to a plot point: x is the raw value and
// y is the processed value as a percentage of the device ADC range. The
// result is not clamped.
func (e *Engine) MapSample(s sample.Sample) Point {
	return Point{
		X: s.Raw,
		Y: s.Processed / e.adcMax * Scale,
	}
}

// ADCMax returns the processed full-scale value used by MapSample.
func (e *Engine) ADCMax() float64 {
	return e.adcMax
}
