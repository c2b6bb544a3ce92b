package monitor

import (
	"math"
	"sync"

	"github.com/itohio/gohandbrake/pkg/config"
	"github.com/itohio/gohandbrake/pkg/curve"
	"github.com/itohio/gohandbrake/pkg/handbrake"
	"github.com/itohio/gohandbrake/pkg/sample"
)

// Snapshot is a consistent copy of the monitor state handed to callbacks.
type Snapshot struct {
	Settings curve.Settings
	Curve    []curve.Point   // Normalised preview curve for Settings
	Samples  []sample.Sample // Telemetry history, oldest first
	Live     curve.Point     // Latest sample mapped onto the plot
	HasLive  bool            // False until the first sample of a connection arrives

	Calibrating bool // Raw range tracking is active
}

// Monitor keeps the calibration, its preview curve and the telemetry history
// of one handbrake controller.
type Monitor struct {
	engine *curve.Engine

	mu       sync.RWMutex
	settings curve.Settings
	points   []curve.Point
	history  *sample.History
	live     curve.Point
	hasLive  bool

	// Raw range seen while tracking, for auto calibration.
	tracking bool
	ranged   bool
	rangeLo  float64
	rangeHi  float64

	callbacks []func(Snapshot)
	cbMu      sync.RWMutex
}

// New creates a Monitor seeded with the calibration section of cfg.
func New(cfg *config.Config) *Monitor {
	if cfg == nil {
		cfg = config.Default()
	}

	t, err := curve.ParseCurveType(cfg.Calibration.CurveType)
	if err != nil {
		t = curve.Linear
	}

	m := &Monitor{
		engine: curve.New(cfg),
		settings: curve.Settings{
			Type:        t,
			MinRaw:      cfg.Calibration.MinRaw,
			MaxRaw:      cfg.Calibration.MaxRaw,
			CurveFactor: cfg.Calibration.CurveFactor,
		},
		history: sample.NewHistory(cfg.Telemetry.HistorySize),
	}
	m.points = m.engine.Compute(m.settings)

	return m
}

// Engine returns the curve engine used for previews and live points.
func (m *Monitor) Engine() *curve.Engine {
	return m.engine
}

// ApplyLine folds a device line into the monitor. Settings lines update the
// calibration, telemetry lines are added to the history.
func (m *Monitor) ApplyLine(line handbrake.Line) {
	switch {
	case line.Kind == handbrake.LineTelemetry:
		m.AddSample(line.Sample)
	case line.IsSetting():
		m.UpdateSettings(func(s *curve.Settings) { line.Apply(s) })
	}
}

// AddSample records a telemetry sample and moves the live point.
func (m *Monitor) AddSample(s sample.Sample) {
	m.mu.Lock()
	m.history.Add(s)
	m.live = m.engine.MapSample(s)
	m.hasLive = true
	if m.tracking {
		if !m.ranged || s.Raw < m.rangeLo {
			m.rangeLo = s.Raw
		}
		if !m.ranged || s.Raw > m.rangeHi {
			m.rangeHi = s.Raw
		}
		m.ranged = true
	}
	m.mu.Unlock()

	m.notifyCallbacks()
}

// ProcessSamples adds samples from input until it closes.
func (m *Monitor) ProcessSamples(input <-chan sample.Sample) {
	for s := range input {
		m.AddSample(s)
	}
}

// SetSettings replaces the calibration and recomputes the preview curve.
func (m *Monitor) SetSettings(s curve.Settings) {
	m.UpdateSettings(func(cur *curve.Settings) { *cur = s })
}

// UpdateSettings applies fn to the calibration. The curve is recomputed and
// callbacks run only when the calibration actually changed.
func (m *Monitor) UpdateSettings(fn func(s *curve.Settings)) {
	m.mu.Lock()
	next := m.settings
	fn(&next)
	if next == m.settings {
		m.mu.Unlock()
		return
	}
	m.settings = next
	m.points = m.engine.Compute(next)
	m.mu.Unlock()

	m.notifyCallbacks()
}

// Settings returns the current calibration.
func (m *Monitor) Settings() curve.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Curve returns a copy of the preview curve for the current calibration.
func (m *Monitor) Curve() []curve.Point {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]curve.Point, len(m.points))
	copy(result, m.points)
	return result
}

// History returns the telemetry history, oldest first.
func (m *Monitor) History() []sample.Sample {
	return m.history.Samples()
}

// LivePoint returns the latest sample mapped onto the plot.
func (m *Monitor) LivePoint() (curve.Point, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live, m.hasLive
}

// Snapshot returns a copy of the whole monitor state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points := make([]curve.Point, len(m.points))
	copy(points, m.points)

	return Snapshot{
		Settings: m.settings,
		Curve:    points,
		Samples:  m.history.Samples(),
		Live:     m.live,
		HasLive:  m.hasLive,

		Calibrating: m.tracking,
	}
}

// StartRangeTracking starts recording the lowest and highest raw values of
// incoming samples. A range recorded earlier is discarded.
func (m *Monitor) StartRangeTracking() {
	m.mu.Lock()
	m.tracking = true
	m.ranged = false
	m.rangeLo, m.rangeHi = 0, 0
	m.mu.Unlock()

	m.notifyCallbacks()
}

// StopRangeTracking stops tracking and returns the recorded range widened to
// whole raw units. ok is false when no sample arrived while tracking.
func (m *Monitor) StopRangeTracking() (lo, hi int, ok bool) {
	m.mu.Lock()
	wasTracking := m.tracking
	m.tracking = false
	if m.ranged {
		lo, hi, ok = int(math.Floor(m.rangeLo)), int(math.Ceil(m.rangeHi)), true
	}
	m.ranged = false
	m.mu.Unlock()

	if wasTracking {
		m.notifyCallbacks()
	}
	return lo, hi, ok
}

// Reset clears the telemetry history and live point. The calibration is kept.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.history.Reset()
	m.live = curve.Point{}
	m.hasLive = false
	m.mu.Unlock()
}

// OnUpdate registers a callback invoked after every change.
// Callbacks run on the goroutine that made the change and should return quickly.
func (m *Monitor) OnUpdate(callback func(Snapshot)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// notifyCallbacks takes a snapshot, then invokes callbacks without holding any locks.
func (m *Monitor) notifyCallbacks() {
	m.cbMu.RLock()
	callbacks := make([]func(Snapshot), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	if len(callbacks) == 0 {
		return
	}

	snap := m.Snapshot()
	for _, cb := range callbacks {
		if cb != nil {
			cb(snap)
		}
	}
}
