package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/itohio/gohandbrake/pkg/config"
	"github.com/itohio/gohandbrake/pkg/handbrake"
	"github.com/itohio/gohandbrake/pkg/monitor"
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagPort   string
	flagMock   bool
)

func main() {
	rootCmd := newRootCmd()

	if err := rootCmd.Execute(); err != nil {
		var openErr *handbrake.OpenError
		if errors.As(err, &openErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", openErr)
			fmt.Fprintln(os.Stderr, "Run 'handbrake ports' to list available ports, or use --mock.")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "handbrake",
		Short: "Configure and monitor a USB handbrake controller",
		Long: `handbrake talks to a handbrake controller over its serial port.
It previews response curves, reads and writes the calibration stored
on the device and prints live telemetry.

Use --mock to run against a simulated controller without hardware.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&flagPort, "port", "p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
	rootCmd.PersistentFlags().BoolVar(&flagMock, "mock", false, "Use simulated device instead of serial port")

	rootCmd.AddCommand(
		newPortsCmd(),
		newCurveCmd(),
		newMonitorCmd(),
		newSetCmd(),
	)

	return rootCmd
}

// loadConfig loads the configuration file and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if flagPort != "" {
		cfg.Serial.Port = flagPort
	}

	return cfg, nil
}

// newSession creates a session for the serial port or the simulated device.
func newSession(cfg *config.Config) *monitor.Session {
	var factory monitor.DeviceFactory
	if flagMock {
		mock := handbrake.NewMock(cfg)
		factory = func() handbrake.Device {
			return mock.Device(cfg.Serial, cfg.Telemetry.BufferSize)
		}
	} else {
		factory = func() handbrake.Device {
			return handbrake.New(cfg.Serial, cfg.Telemetry.BufferSize)
		}
	}

	return monitor.NewSession(cfg, monitor.New(cfg), factory)
}

// portName describes where the session connects for user messages.
func portName(cfg *config.Config) string {
	if flagMock {
		return "simulated device"
	}
	return cfg.Serial.Port
}
