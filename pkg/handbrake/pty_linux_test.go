//go:build linux

package handbrake

import (
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/itohio/gohandbrake/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSerial_PseudoTerminal drives the real serial backend through a pty pair,
// with the test playing the part of the controller on the master side.
func TestSerial_PseudoTerminal(t *testing.T) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	defer ptmx.Close()
	defer tty.Close()

	dev := New(config.SerialConfig{
		Port:        tty.Name(),
		BaudRate:    9600,
		ReadTimeout: 50 * time.Millisecond,
	}, 10)
	if err := dev.Connect(); err != nil {
		t.Skipf("cannot open %s as a serial port: %v", tty.Name(), err)
	}

	received := make(chan string, 16)
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := ptmx.Read(buf)
			if err != nil {
				return
			}
			received <- string(buf[:n])
		}
	}()

	require.NoError(t, dev.Send(SetMinRaw(1234)))
	select {
	case got := <-received:
		assert.Equal(t, "m1234", got)
	case <-time.After(2 * time.Second):
		t.Fatal("command not received by the controller side")
	}

	_, err = ptmx.Write([]byte("Raw Handbrake Value: 512.00   Processed Handbrake Value: 300.00\r\n"))
	require.NoError(t, err)

	select {
	case ev := <-dev.Events():
		require.NoError(t, ev.Err)
		assert.Equal(t, LineTelemetry, ev.Line.Kind)
		assert.Equal(t, uint64(1), ev.Line.Sample.Sequence)
		assert.Equal(t, 512.0, ev.Line.Sample.Raw)
		assert.Equal(t, 300.0, ev.Line.Sample.Processed)
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry line not received")
	}

	require.NoError(t, dev.Close())

	var tail strings.Builder
	timeout := time.After(2 * time.Second)
	for !strings.Contains(tail.String(), "w") {
		select {
		case got := <-received:
			tail.WriteString(got)
		case <-timeout:
			t.Fatal("exit setup command not received on close")
		}
	}
}
