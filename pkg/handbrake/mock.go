package handbrake

import (
	"errors"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/itohio/gohandbrake/pkg/config"
	"github.com/itohio/gohandbrake/pkg/curve"
	"go.bug.st/serial"
)

// MockPortName is the port name reported by simulated devices.
const MockPortName = "mock"

var (
	errMockClosed = errors.New("mock port closed")
	// ErrMockUnplugged is returned by the simulated port after Unplug.
	ErrMockUnplugged = errors.New("simulated device unplugged")
)

// Mock simulates the handbrake controller firmware. It keeps its calibration
// across connections, like the real controller does.
type Mock struct {
	cfg    config.MockConfig
	adcMax float64

	mu        sync.Mutex
	settings  curve.Settings
	saved     curve.Settings
	setupMode bool
	received  []Command
	start     time.Time
	current   *mockPort
}

// NewMock creates a simulated controller configured from cfg.
func NewMock(cfg *config.Config) *Mock {
	if cfg == nil {
		cfg = config.Default()
	}

	t, err := curve.ParseCurveType(cfg.Calibration.CurveType)
	if err != nil {
		t = curve.Linear
	}
	settings := curve.Settings{
		Type:        t,
		MinRaw:      cfg.Calibration.MinRaw,
		MaxRaw:      cfg.Calibration.MaxRaw,
		CurveFactor: cfg.Calibration.CurveFactor,
	}

	adcMax := cfg.Device.ADCMax
	if adcMax <= 0 {
		adcMax = curve.DefaultADCMax
	}

	mockCfg := cfg.Mock
	if mockCfg.SampleRate <= 0 {
		mockCfg.SampleRate = 50 * time.Millisecond
	}
	if mockCfg.SweepPeriod <= 0 {
		mockCfg.SweepPeriod = 4 * time.Second
	}

	return &Mock{
		cfg:      mockCfg,
		adcMax:   adcMax,
		settings: settings,
		saved:    settings,
		start:    time.Now(),
	}
}

// Device returns a Serial device connected to the simulated controller.
func (m *Mock) Device(cfg config.SerialConfig, bufSize int) *Serial {
	cfg.Port = MockPortName
	d := New(cfg, bufSize)
	d.open = m.open
	return d
}

// Settings returns the live calibration of the simulated controller.
func (m *Mock) Settings() curve.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Saved returns the calibration stored by the last SaveSettings command.
func (m *Mock) Saved() curve.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved
}

// SetupMode reports whether the simulated controller is in setup mode.
func (m *Mock) SetupMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setupMode
}

// Received returns the commands received so far.
func (m *Mock) Received() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Command, len(m.received))
	copy(result, m.received)
	return result
}

// Unplug makes the open port fail every further read and write, like a
// controller pulled from the USB socket. A new Connect opens a healthy port.
func (m *Mock) Unplug() {
	m.mu.Lock()
	p := m.current
	m.mu.Unlock()

	if p != nil {
		p.unplugOnce.Do(func() { close(p.unplugged) })
	}
}

func (m *Mock) open(name string, mode *serial.Mode) (port, error) {
	p := &mockPort{
		dev:       m,
		out:       make(chan []byte, 64),
		closed:    make(chan struct{}),
		unplugged: make(chan struct{}),
	}

	m.mu.Lock()
	m.current = p
	m.mu.Unlock()

	go p.generate()
	return p, nil
}

// handle applies one command and returns the lines the firmware prints in reply.
func (m *Mock) handle(cmd Command) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.received = append(m.received, cmd)

	switch cmd.Kind {
	case CmdSetCurveType:
		if t := curve.CurveType(cmd.Value); t.Valid() {
			m.settings.Type = t
		}
	case CmdSetMinRaw:
		m.settings.MinRaw = cmd.Value
	case CmdSetMaxRaw:
		m.settings.MaxRaw = cmd.Value
	case CmdSetCurveFactor:
		m.settings.CurveFactor = float64(cmd.Value) / 10
	case CmdSaveSettings:
		m.saved = m.settings
	case CmdEnterSetupMode:
		m.setupMode = true
	case CmdExitSetupMode:
		m.setupMode = false
	case CmdReadSettings:
		return FormatSettings(m.settings)
	}
	return nil
}

// telemetry produces the next simulated reading: the lever sweeps between
// min and max and the processed value follows the selected curve.
func (m *Mock) telemetry(now time.Time) string {
	m.mu.Lock()
	s := m.settings
	elapsed := now.Sub(m.start)
	m.mu.Unlock()

	phase := math.Mod(elapsed.Seconds(), m.cfg.SweepPeriod.Seconds()) / m.cfg.SweepPeriod.Seconds()
	travel := 1 - math.Abs(2*phase-1) // triangle 0 -> 1 -> 0

	lo, hi := float64(s.MinRaw), float64(s.MaxRaw)
	raw := lo + (hi-lo)*travel
	if m.cfg.NoiseLevel > 0 {
		raw += rand.NormFloat64() * m.cfg.NoiseLevel
	}

	return FormatTelemetry(raw, deviceCurve(s, raw)*m.adcMax)
}

// deviceCurve maps raw into [0, 1] the way the firmware shapes its output.
func deviceCurve(s curve.Settings, raw float64) float64 {
	if s.MaxRaw == s.MinRaw {
		return 0
	}

	t := (raw - float64(s.MinRaw)) / float64(s.MaxRaw-s.MinRaw)
	t = math.Max(0, math.Min(1, t))
	f := s.CurveFactor

	switch s.Type {
	case curve.Exponential:
		if f > 0 {
			return math.Pow(t, f)
		}
	case curve.Logarithmic:
		if f > 0 && f != 1 {
			return math.Log(1+t*(f-1)) / math.Log(f)
		}
	}
	return t
}

// mockPort is one open session with the simulated controller.
type mockPort struct {
	dev *Mock

	mu          sync.Mutex
	readTimeout time.Duration
	pending     []byte

	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	unplugged  chan struct{}
	unplugOnce sync.Once
}

func (p *mockPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

// Read returns buffered output, or waits up to the read timeout for more.
// A timeout returns 0 bytes and no error, like a real serial port.
func (p *mockPort) Read(b []byte) (int, error) {
	select {
	case <-p.unplugged:
		return 0, ErrMockUnplugged
	default:
	}

	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	timeout := p.readTimeout
	p.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case data := <-p.out:
		n := copy(b, data)
		if n < len(data) {
			p.mu.Lock()
			p.pending = append(p.pending, data[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-p.closed:
		return 0, errMockClosed
	case <-p.unplugged:
		return 0, ErrMockUnplugged
	case <-expired:
		return 0, nil
	}
}

// Write treats every call as exactly one command.
func (p *mockPort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errMockClosed
	case <-p.unplugged:
		return 0, ErrMockUnplugged
	default:
	}

	cmd, ok := decodeCommand(b)
	if !ok {
		return len(b), nil
	}

	for _, line := range p.dev.handle(cmd) {
		select {
		case p.out <- []byte(line + "\r\n"):
		case <-p.closed:
			return 0, errMockClosed
		}
	}
	return len(b), nil
}

func (p *mockPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// generate emits telemetry at the configured sample rate until the port closes.
func (p *mockPort) generate() {
	ticker := time.NewTicker(p.dev.cfg.SampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			return
		case now := <-ticker.C:
			line := p.dev.telemetry(now)
			select {
			case p.out <- []byte(line + "\r\n"):
			case <-p.closed:
				return
			default:
				// Host is not reading, drop like a UART would
			}
		}
	}
}

// decodeCommand parses the bytes of one command as the firmware does.
func decodeCommand(b []byte) (Command, bool) {
	if len(b) == 0 {
		return Command{}, false
	}

	cmd := Command{Kind: CommandKind(b[0])}
	if !cmd.Kind.hasValue() {
		return cmd, len(b) == 1
	}

	v, err := strconv.Atoi(string(b[1:]))
	if err != nil {
		return Command{}, false
	}
	cmd.Value = v
	return cmd, true
}
