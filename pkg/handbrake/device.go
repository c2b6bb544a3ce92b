package handbrake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/itohio/gohandbrake/pkg/config"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the baud rate of the handbrake controller firmware.
	DefaultBaudRate = 9600
	// DefaultReadTimeout bounds a single read of the serial port.
	DefaultReadTimeout = time.Second
	// DefaultExitSetupDelay is how long the device gets to leave setup mode
	// before the port closes. Shorter configured delays are raised to it.
	DefaultExitSetupDelay = time.Second
	// DefaultBufferSize is the default size of the events channel buffer.
	DefaultBufferSize = 100
)

// port is the subset of serial.Port used by Serial.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

type openFunc func(name string, mode *serial.Mode) (port, error)

func openSerial(name string, mode *serial.Mode) (port, error) {
	return serial.Open(name, mode)
}

// Serial is a connection to the handbrake controller over a serial port.
// Reads are owned by a single reader goroutine; writes are serialised.
type Serial struct {
	port           string
	baudRate       int
	readTimeout    time.Duration
	exitSetupDelay time.Duration
	bufSize        int
	open           openFunc

	lifecycle sync.Mutex // serialises Connect and Close

	mu        sync.RWMutex
	conn      port
	events    chan Event
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
	failed    bool // Reader stopped on a port error; the port still needs releasing
}

// New creates a Serial device for the port described by cfg.
func New(cfg config.SerialConfig, bufSize int) *Serial {
	d := &Serial{
		port:           cfg.Port,
		baudRate:       cfg.BaudRate,
		readTimeout:    cfg.ReadTimeout,
		exitSetupDelay: cfg.ExitSetupDelay,
		bufSize:        bufSize,
		open:           openSerial,
	}
	if d.baudRate <= 0 {
		d.baudRate = DefaultBaudRate
	}
	if d.readTimeout <= 0 {
		d.readTimeout = DefaultReadTimeout
	}
	if d.exitSetupDelay < DefaultExitSetupDelay {
		d.exitSetupDelay = DefaultExitSetupDelay
	}
	if d.bufSize <= 0 {
		d.bufSize = DefaultBufferSize
	}
	return d
}

// Port returns the name of the serial port.
func (d *Serial) Port() string {
	return d.port
}

// Connect opens the serial port and starts the reader goroutine.
// On failure the device stays closed and an *OpenError is returned.
func (d *Serial) Connect() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	if d.connected && !d.failed {
		d.mu.Unlock()
		return ErrAlreadyConnected
	}
	stale := d.connected
	d.mu.Unlock()

	if stale {
		if err := d.release(); err != nil {
			log.Printf("Failed to release %s after port failure: %v", d.port, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	conn, err := d.open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return &OpenError{Port: d.port, Err: err}
	}
	if err := conn.SetReadTimeout(d.readTimeout); err != nil {
		conn.Close()
		return &OpenError{Port: d.port, Err: fmt.Errorf("failed to set read timeout: %w", err)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.conn = conn
	d.events = make(chan Event, d.bufSize)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.connected = true
	d.failed = false

	go d.readLoop(ctx, conn, d.events, d.done)

	return nil
}

// Close asks the device to leave setup mode, gives it time to do so, then
// releases the port. It returns after the reader goroutine has exited and
// the events channel is closed. Closing a closed device is a no-op.
// A device whose reader failed is released the same way.
func (d *Serial) Close() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.release()
}

// release tears down the current connection. The caller holds d.lifecycle.
func (d *Serial) release() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	conn, cancel, done := d.conn, d.cancel, d.done
	_, werr := conn.Write(ExitSetupMode().Encode())
	d.conn = nil
	d.connected = false
	d.failed = false
	d.mu.Unlock()

	if werr != nil {
		log.Printf("Failed to exit setup mode on %s: %v", d.port, werr)
	} else if d.exitSetupDelay > 0 {
		time.Sleep(d.exitSetupDelay)
	}

	cancel()
	err := conn.Close()
	<-done

	if err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", d.port, err)
	}
	return nil
}

// Send transmits a command. It fails with a *WriteError when the device is
// not connected or the write fails.
func (d *Serial) Send(cmd Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected || d.failed {
		return &WriteError{Command: cmd, Err: ErrNotConnected}
	}

	if _, err := d.conn.Write(cmd.Encode()); err != nil {
		return &WriteError{Command: cmd, Err: err}
	}
	return nil
}

// Events returns the events channel of the current connection. The channel
// is created by Connect and closed once Close has stopped the reader.
func (d *Serial) Events() <-chan Event {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.events
}

// State returns the connection state.
func (d *Serial) State() State {
	if d.IsConnected() {
		return StateOpen
	}
	return StateClosed
}

// IsConnected returns whether the device is connected and its reader is alive.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected && !d.failed
}

// readLoop reads lines until ctx is cancelled or the port fails.
// It is the only sender on events and closes it on exit.
func (d *Serial) readLoop(ctx context.Context, conn io.Reader, events chan<- Event, done chan<- struct{}) {
	defer close(done)
	defer close(events)

	lr := newLineReader(conn)
	var seq uint64

	for ctx.Err() == nil {
		text, ok, err := lr.ReadLine()
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				log.Printf("Skipping line from %s: %v", d.port, err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("Error reading from serial port %s: %v", d.port, err)
			d.mu.Lock()
			d.failed = true
			d.mu.Unlock()
			select {
			case events <- Event{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		if !ok || text == "" {
			continue
		}

		line, err := ParseLine(text)
		if err != nil {
			log.Printf("Failed to parse line '%s': %v", text, err)
			continue
		}
		if line.Kind == LineUnknown {
			continue
		}
		if line.Kind == LineTelemetry {
			seq++
			line.Sample.Sequence = seq
			line.Sample.Timestamp = time.Now()
		}

		select {
		case events <- Event{Line: line}:
		case <-ctx.Done():
			return
		default:
			log.Printf("Events channel full, dropping %s line", line.Kind)
		}
	}
}
