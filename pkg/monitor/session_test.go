package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itohio/gohandbrake/pkg/config"
	"github.com/itohio/gohandbrake/pkg/curve"
	"github.com/itohio/gohandbrake/pkg/handbrake"
	"github.com/itohio/gohandbrake/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ handbrake.Device = (*fakeDevice)(nil)

// fakeDevice is a Device whose events are pushed by the test.
type fakeDevice struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	sendErr    error
	sent       []handbrake.Command
	events     chan handbrake.Event
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{}
}

func (d *fakeDevice) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return d.connectErr
	}
	d.connected = true
	d.events = make(chan handbrake.Event, 16)
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	d.connected = false
	close(d.events)
	return nil
}

func (d *fakeDevice) Send(cmd handbrake.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return &handbrake.WriteError{Command: cmd, Err: handbrake.ErrNotConnected}
	}
	if d.sendErr != nil {
		return &handbrake.WriteError{Command: cmd, Err: d.sendErr}
	}
	d.sent = append(d.sent, cmd)
	return nil
}

func (d *fakeDevice) Events() <-chan handbrake.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

func (d *fakeDevice) State() handbrake.State {
	if d.IsConnected() {
		return handbrake.StateOpen
	}
	return handbrake.StateClosed
}

func (d *fakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) Sent() []handbrake.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]handbrake.Command(nil), d.sent...)
}

func (d *fakeDevice) push(ev handbrake.Event) {
	d.mu.Lock()
	events := d.events
	d.mu.Unlock()
	events <- ev
}

func telemetry(seq uint64, raw, processed float64) handbrake.Event {
	return handbrake.Event{Line: handbrake.Line{
		Kind:   handbrake.LineTelemetry,
		Sample: sample.Sample{Sequence: seq, Timestamp: time.Now(), Raw: raw, Processed: processed},
	}}
}

func newTestSession(t *testing.T, cfg *config.Config) (*Session, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice()
	s := NewSession(cfg, New(cfg), func() handbrake.Device { return dev })
	t.Cleanup(func() { s.Disconnect() })
	return s, dev
}

func waitForHistory(t *testing.T, m *Monitor, n int) []sample.Sample {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.History()) >= n }, 2*time.Second, 5*time.Millisecond)
	return m.History()
}

func TestSession_ConnectRequestsSettings(t *testing.T) {
	s, dev := newTestSession(t, config.Default())

	assert.Equal(t, handbrake.StateClosed, s.State())
	require.NoError(t, s.Connect())
	assert.Equal(t, handbrake.StateOpen, s.State())
	assert.Equal(t, []handbrake.Command{handbrake.ReadSettings()}, dev.Sent())

	assert.ErrorIs(t, s.Connect(), handbrake.ErrAlreadyConnected)
}

func TestSession_ConnectError(t *testing.T) {
	s, dev := newTestSession(t, config.Default())
	openErr := &handbrake.OpenError{Port: "COM9", Err: errors.New("access denied")}
	dev.connectErr = openErr

	err := s.Connect()
	var got *handbrake.OpenError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, "COM9", got.Port)
	assert.Equal(t, handbrake.StateClosed, s.State())
}

func TestSession_RoutesEvents(t *testing.T) {
	s, dev := newTestSession(t, config.Default())
	require.NoError(t, s.Connect())

	dev.push(handbrake.Event{Line: handbrake.Line{Kind: handbrake.LineMaxRaw, Value: 1000}})
	dev.push(telemetry(1, 250, 511.5))
	dev.push(telemetry(2, 500, 1023))

	history := waitForHistory(t, s.Monitor(), 2)
	assert.Equal(t, uint64(1), history[0].Sequence)
	assert.Equal(t, uint64(2), history[1].Sequence)

	assert.Equal(t, 1000, s.Monitor().Settings().MaxRaw)

	p, ok := s.Monitor().LivePoint()
	require.True(t, ok)
	assert.Equal(t, 500.0, p.X)
	assert.InDelta(t, 100.0, p.Y, 1e-9)
}

func TestSession_Averaging(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.AverageSamples = 2
	s, dev := newTestSession(t, cfg)
	require.NoError(t, s.Connect())

	dev.push(telemetry(1, 100, 0))
	dev.push(telemetry(2, 200, 0))

	history := waitForHistory(t, s.Monitor(), 2)
	assert.Equal(t, 100.0, history[0].Raw)
	assert.Equal(t, 150.0, history[1].Raw)
	assert.Equal(t, uint64(2), history[1].Sequence)
}

func TestSession_DisconnectDrainsChain(t *testing.T) {
	s, dev := newTestSession(t, config.Default())
	require.NoError(t, s.Connect())
	dev.push(telemetry(1, 1, 1))

	done := make(chan error, 1)
	go func() { done <- s.Disconnect() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not complete")
	}
	assert.Equal(t, handbrake.StateClosed, s.State())
	assert.False(t, dev.IsConnected())

	// Disconnecting twice is a no-op
	assert.NoError(t, s.Disconnect())
}

func TestSession_ReconnectResetsHistory(t *testing.T) {
	s, dev := newTestSession(t, config.Default())

	require.NoError(t, s.Connect())
	dev.push(telemetry(1, 1, 1))
	dev.push(telemetry(2, 2, 2))
	waitForHistory(t, s.Monitor(), 2)
	s.Monitor().SetSettings(curve.Settings{Type: curve.Exponential, MinRaw: 1, MaxRaw: 2, CurveFactor: 3})
	require.NoError(t, s.Disconnect())

	require.NoError(t, s.Connect())
	assert.Empty(t, s.Monitor().History())
	assert.Equal(t, curve.Exponential, s.Monitor().Settings().Type)

	dev.push(telemetry(1, 9, 9))
	history := waitForHistory(t, s.Monitor(), 1)
	assert.Equal(t, uint64(1), history[0].Sequence)
}

func TestSession_Intents(t *testing.T) {
	s, dev := newTestSession(t, config.Default())
	require.NoError(t, s.Connect())

	require.NoError(t, s.SetSetupMode(true))
	require.NoError(t, s.SetCurveType(curve.Logarithmic))
	require.NoError(t, s.SetMinRaw(10))
	require.NoError(t, s.SetMaxRaw(2000))
	require.NoError(t, s.SetCurveFactor(2.54))
	require.NoError(t, s.Save())
	require.NoError(t, s.ReadSettings())
	require.NoError(t, s.SetSetupMode(false))

	assert.Equal(t, []string{"r", "e", "c2", "m10", "t2000", "f25", "s", "r", "w"}, encoded(dev.Sent()))
	assert.Equal(t,
		curve.Settings{Type: curve.Logarithmic, MinRaw: 10, MaxRaw: 2000, CurveFactor: 2.5},
		s.Monitor().Settings())
}

func TestSession_InvalidCurveType(t *testing.T) {
	s, dev := newTestSession(t, config.Default())
	require.NoError(t, s.Connect())

	assert.Error(t, s.SetCurveType(curve.CurveType(5)))
	assert.Equal(t, curve.Linear, s.Monitor().Settings().Type)
	assert.Equal(t, []string{"r"}, encoded(dev.Sent()))
}

func TestSession_IntentWhileDisconnected(t *testing.T) {
	s, _ := newTestSession(t, config.Default())

	err := s.SetMinRaw(42)
	var writeErr *handbrake.WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.ErrorIs(t, err, handbrake.ErrNotConnected)
	assert.Equal(t, 42, s.Monitor().Settings().MinRaw, "preview follows the user even offline")
}

func TestSession_WriteError(t *testing.T) {
	s, dev := newTestSession(t, config.Default())
	require.NoError(t, s.Connect())

	dev.mu.Lock()
	dev.sendErr = errors.New("write failed")
	dev.mu.Unlock()

	err := s.Save()
	var writeErr *handbrake.WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, handbrake.SaveSettings(), writeErr.Command)
}

func TestSession_OnError(t *testing.T) {
	s, dev := newTestSession(t, config.Default())

	errs := make(chan error, 4)
	s.OnError(func(err error) { errs <- err })
	require.NoError(t, s.Connect())

	failure := errors.New("device unplugged")
	dev.push(handbrake.Event{Err: failure})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, failure)
	case <-time.After(2 * time.Second):
		t.Fatal("error not reported")
	}

	require.NoError(t, s.Disconnect())
	assert.Empty(t, errs, "failure is reported once")
}

func TestSession_WithSimulatedDevice(t *testing.T) {
	cfg := config.Default()
	cfg.Serial.ReadTimeout = 20 * time.Millisecond
	cfg.Mock.SampleRate = 5 * time.Millisecond
	cfg.Calibration.MaxRaw = 1000

	mock := handbrake.NewMock(cfg)

	// The monitor starts from a different calibration than the device reports
	local := config.Default()
	local.Calibration.CurveType = "LOGARITHMIC"

	s := NewSession(cfg, New(local), func() handbrake.Device {
		return mock.Device(cfg.Serial, cfg.Telemetry.BufferSize)
	})
	require.NoError(t, s.Connect())
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitSettings(ctx))
	assert.Equal(t, mock.Settings(), s.Monitor().Settings(), "settings read back on connect")

	waitForHistory(t, s.Monitor(), 3)

	require.NoError(t, s.SetSetupMode(true))
	require.NoError(t, s.SetMaxRaw(4000))
	require.NoError(t, s.Save())
	assert.True(t, mock.SetupMode())
	assert.Equal(t, 4000, mock.Saved().MaxRaw)

	require.NoError(t, s.Disconnect())
	assert.False(t, mock.SetupMode())
}

func TestSession_DisconnectWhileCallbackSendsIntent(t *testing.T) {
	s, dev := newTestSession(t, config.Default())

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	s.Monitor().OnUpdate(func(snap Snapshot) {
		if !snap.HasLive {
			return
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		s.SetMinRaw(int(snap.Live.X))
	})

	require.NoError(t, s.Connect())
	dev.push(telemetry(1, 7, 7))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}

	done := make(chan error, 1)
	go func() { done <- s.Disconnect() }()

	// Let Disconnect start waiting for the chain before the callback sends
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect blocked by an intent sent from a callback")
	}
	assert.Equal(t, handbrake.StateClosed, s.State())
	assert.Equal(t, 7, s.Monitor().Settings().MinRaw)
}

func TestSession_ReconnectAfterDeviceFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Serial.ReadTimeout = 20 * time.Millisecond
	cfg.Mock.SampleRate = 5 * time.Millisecond

	mock := handbrake.NewMock(cfg)
	s := NewSession(cfg, New(cfg), func() handbrake.Device {
		return mock.Device(cfg.Serial, cfg.Telemetry.BufferSize)
	})
	defer s.Disconnect()

	errs := make(chan error, 4)
	s.OnError(func(err error) { errs <- err })

	require.NoError(t, s.Connect())
	waitForHistory(t, s.Monitor(), 3)

	mock.Unplug()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, handbrake.ErrMockUnplugged)
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
	require.Eventually(t, func() bool {
		return s.State() == handbrake.StateClosed
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.ReadSettings(), handbrake.ErrNotConnected)

	require.NoError(t, s.Connect())
	assert.Equal(t, handbrake.StateOpen, s.State())
	history := waitForHistory(t, s.Monitor(), 1)
	assert.Equal(t, uint64(1), history[0].Sequence)
}

func TestSession_WaitSettings(t *testing.T) {
	s, dev := newTestSession(t, config.Default())
	require.NoError(t, s.Connect())

	waited := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		waited <- s.WaitSettings(ctx)
	}()

	dev.push(handbrake.Event{Line: handbrake.Line{Kind: handbrake.LineCurveType, CurveType: curve.Exponential}})
	dev.push(handbrake.Event{Line: handbrake.Line{Kind: handbrake.LineMinRaw, Value: 100}})
	dev.push(handbrake.Event{Line: handbrake.Line{Kind: handbrake.LineMaxRaw, Value: 1000}})
	dev.push(handbrake.Event{Line: handbrake.Line{Kind: handbrake.LineCurveFactor, Value: 3}})

	require.NoError(t, <-waited)
	assert.Equal(t,
		curve.Settings{Type: curve.Exponential, MinRaw: 100, MaxRaw: 1000, CurveFactor: 3},
		s.Monitor().Settings())

	// Intents after the read-back are not overwritten by it
	require.NoError(t, s.SetMaxRaw(4000))
	assert.Equal(t, 4000, s.Monitor().Settings().MaxRaw)
	assert.NoError(t, s.WaitSettings(context.Background()), "settled stays settled")
}

func TestSession_WaitSettings_Timeout(t *testing.T) {
	s, dev := newTestSession(t, config.Default())

	assert.ErrorIs(t, s.WaitSettings(context.Background()), handbrake.ErrNotConnected)

	require.NoError(t, s.Connect())
	dev.push(handbrake.Event{Line: handbrake.Line{Kind: handbrake.LineMinRaw, Value: 5}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitSettings(ctx), context.DeadlineExceeded)
}

func TestSession_AutoCalibrate(t *testing.T) {
	s, dev := newTestSession(t, config.Default())
	require.NoError(t, s.Connect())

	dev.push(telemetry(1, 5, 0))
	waitForHistory(t, s.Monitor(), 1)

	require.NoError(t, s.SetAutoCalibrate(true))
	assert.True(t, s.Monitor().Snapshot().Calibrating)

	dev.push(telemetry(2, 120.4, 0))
	dev.push(telemetry(3, 880.2, 0))
	dev.push(telemetry(4, 400, 0))
	waitForHistory(t, s.Monitor(), 4)

	require.NoError(t, s.SetAutoCalibrate(false))
	assert.False(t, s.Monitor().Snapshot().Calibrating)
	assert.Equal(t, []string{"r", "m120", "t881"}, encoded(dev.Sent()))
	settings := s.Monitor().Settings()
	assert.Equal(t, 120, settings.MinRaw)
	assert.Equal(t, 881, settings.MaxRaw)
}

func TestSession_AutoCalibrate_NoSamples(t *testing.T) {
	s, dev := newTestSession(t, config.Default())
	require.NoError(t, s.Connect())

	require.NoError(t, s.SetAutoCalibrate(true))
	assert.ErrorIs(t, s.SetAutoCalibrate(false), ErrNoRange)
	assert.Equal(t, []string{"r"}, encoded(dev.Sent()))
}

func encoded(cmds []handbrake.Command) []string {
	result := make([]string, len(cmds))
	for i, c := range cmds {
		result[i] = c.String()
	}
	return result
}
