package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/itohio/gohandbrake/pkg/config"
	"github.com/itohio/gohandbrake/pkg/curve"
	"github.com/itohio/gohandbrake/pkg/handbrake"
	"github.com/itohio/gohandbrake/pkg/sample"
)

// DeviceFactory creates the device used by a new connection.
type DeviceFactory func() handbrake.Device

// chain tracks the goroutines of one connection for graceful shutdown.
type chain struct {
	device      handbrake.Device
	routeDone   chan struct{} // Closed when the routing goroutine exits
	monitorDone chan struct{} // Closed when the monitor goroutine exits
	settled     chan struct{} // Closed once the device has reported its settings
	settleOnce  sync.Once
}

// shutdown closes the device and waits for the chain to drain. Closing the
// device closes its events channel, which ends routing, which closes the
// sample stream, which ends the monitor goroutine.
func (c *chain) shutdown() error {
	err := c.device.Close()
	<-c.routeDone
	<-c.monitorDone
	return err
}

// Session connects a device to a Monitor and turns user intents into commands.
// Intents may be issued from Monitor callbacks.
type Session struct {
	cfg     *config.Config
	monitor *Monitor
	factory DeviceFactory

	lifecycle sync.Mutex // serialises Connect and Disconnect

	mu    sync.Mutex
	chain *chain

	errCallbacks []func(error)
	cbMu         sync.RWMutex
}

// NewSession creates a disconnected session.
func NewSession(cfg *config.Config, m *Monitor, factory DeviceFactory) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Session{
		cfg:     cfg,
		monitor: m,
		factory: factory,
	}
}

// Monitor returns the monitor fed by this session.
func (s *Session) Monitor() *Monitor {
	return s.monitor
}

// Connect opens a new device and starts the telemetry chain:
// device events -> routing -> optional averaging -> monitor.
// The device is asked for its settings once the chain is running.
// A connection whose device failed is released first.
func (s *Session) Connect() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	prev := s.chain
	if prev != nil && prev.device.IsConnected() {
		s.mu.Unlock()
		return handbrake.ErrAlreadyConnected
	}
	s.chain = nil
	s.mu.Unlock()

	if prev != nil {
		if err := prev.shutdown(); err != nil {
			log.Printf("Failed to release previous device: %v", err)
		}
	}

	device := s.factory()
	if err := device.Connect(); err != nil {
		return err
	}

	s.monitor.Reset()

	bufSize := s.cfg.Telemetry.BufferSize
	if bufSize <= 0 {
		bufSize = handbrake.DefaultBufferSize
	}

	ch := &chain{
		device:      device,
		routeDone:   make(chan struct{}),
		monitorDone: make(chan struct{}),
		settled:     make(chan struct{}),
	}
	samples := make(chan sample.Sample, bufSize)

	go func() {
		defer close(ch.routeDone)
		defer close(samples)
		s.route(ch, device.Events(), samples)
	}()

	var stream <-chan sample.Sample = samples
	if s.cfg.Telemetry.AverageSamples > 0 {
		stream = sample.NewAveragingConverter(s.cfg.Telemetry.AverageSamples, bufSize)(stream)
	}

	go func() {
		defer close(ch.monitorDone)
		s.monitor.ProcessSamples(stream)
	}()

	s.mu.Lock()
	s.chain = ch
	s.mu.Unlock()

	if err := s.send(handbrake.ReadSettings()); err != nil {
		log.Printf("Failed to request settings: %v", err)
	}

	return nil
}

// route splits device events: settings go straight to the monitor, samples
// go down the telemetry chain and a reader failure is reported once.
// The curve factor is the last line of a settings report.
func (s *Session) route(ch *chain, events <-chan handbrake.Event, samples chan<- sample.Sample) {
	for ev := range events {
		if ev.Err != nil {
			s.notifyError(ev.Err)
			continue
		}
		switch {
		case ev.Line.Kind == handbrake.LineTelemetry:
			samples <- ev.Line.Sample
		case ev.Line.IsSetting():
			s.monitor.ApplyLine(ev.Line)
			if ev.Line.Kind == handbrake.LineCurveFactor {
				ch.settleOnce.Do(func() { close(ch.settled) })
			}
		}
	}
}

// WaitSettings blocks until the device has reported its settings after
// Connect, so that later intents are not overwritten by the read-back.
func (s *Session) WaitSettings(ctx context.Context) error {
	s.mu.Lock()
	ch := s.chain
	s.mu.Unlock()

	if ch == nil {
		return handbrake.ErrNotConnected
	}

	select {
	case <-ch.settled:
		return nil
	case <-ch.routeDone:
		select {
		case <-ch.settled:
			return nil
		default:
			return handbrake.ErrNotConnected
		}
	case <-ctx.Done():
		return fmt.Errorf("device did not report its settings: %w", ctx.Err())
	}
}

// Disconnect closes the device and waits for the chain to drain.
// Intents issued meanwhile fail with ErrNotConnected.
func (s *Session) Disconnect() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	ch := s.chain
	s.chain = nil
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.shutdown()
}

// State returns the connection state of the current device.
func (s *Session) State() handbrake.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chain == nil {
		return handbrake.StateClosed
	}
	return s.chain.device.State()
}

// SetCurveType selects the response curve.
func (s *Session) SetCurveType(t curve.CurveType) error {
	if !t.Valid() {
		return fmt.Errorf("invalid curve type %d", int(t))
	}
	s.monitor.UpdateSettings(func(cur *curve.Settings) { cur.Type = t })
	return s.send(handbrake.SetCurveType(t))
}

// SetMinRaw sets the raw value mapped to the start of the curve.
func (s *Session) SetMinRaw(v int) error {
	s.monitor.UpdateSettings(func(cur *curve.Settings) { cur.MinRaw = v })
	return s.send(handbrake.SetMinRaw(v))
}

// SetMaxRaw sets the raw value mapped to the end of the curve.
func (s *Session) SetMaxRaw(v int) error {
	s.monitor.UpdateSettings(func(cur *curve.Settings) { cur.MaxRaw = v })
	return s.send(handbrake.SetMaxRaw(v))
}

// SetCurveFactor sets the logical curve factor. The local value is rounded
// to the 0.1 resolution the device stores.
func (s *Session) SetCurveFactor(f float64) error {
	s.monitor.UpdateSettings(func(cur *curve.Settings) { cur.CurveFactor = math.Round(f*10) / 10 })
	return s.send(handbrake.SetCurveFactor(f))
}

// ErrNoRange is returned when auto calibration ends without a usable raw range.
var ErrNoRange = errors.New("no raw range observed")

// SetAutoCalibrate starts or stops auto calibration. While it runs the
// monitor records the raw travel of the lever; stopping sends the observed
// range as the new min and max.
func (s *Session) SetAutoCalibrate(on bool) error {
	if on {
		s.monitor.StartRangeTracking()
		return nil
	}

	lo, hi, ok := s.monitor.StopRangeTracking()
	if !ok || hi <= lo {
		return ErrNoRange
	}
	if err := s.SetMinRaw(lo); err != nil {
		return err
	}
	return s.SetMaxRaw(hi)
}

// Save asks the device to persist its current calibration.
func (s *Session) Save() error {
	return s.send(handbrake.SaveSettings())
}

// SetSetupMode enters or leaves the device setup mode.
func (s *Session) SetSetupMode(on bool) error {
	if on {
		return s.send(handbrake.EnterSetupMode())
	}
	return s.send(handbrake.ExitSetupMode())
}

// ReadSettings asks the device to report its calibration.
func (s *Session) ReadSettings() error {
	return s.send(handbrake.ReadSettings())
}

func (s *Session) send(cmd handbrake.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chain == nil {
		return &handbrake.WriteError{Command: cmd, Err: handbrake.ErrNotConnected}
	}
	return s.chain.device.Send(cmd)
}

// OnError registers a callback for device failures. A failure is reported
// once; the session stays in place until Disconnect or a new Connect.
func (s *Session) OnError(callback func(error)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.errCallbacks = append(s.errCallbacks, callback)
}

func (s *Session) notifyError(err error) {
	s.cbMu.RLock()
	callbacks := make([]func(error), len(s.errCallbacks))
	copy(callbacks, s.errCallbacks)
	s.cbMu.RUnlock()

	if len(callbacks) == 0 {
		log.Printf("Device error: %v", err)
		return
	}
	for _, cb := range callbacks {
		if cb != nil {
			cb(err)
		}
	}
}
