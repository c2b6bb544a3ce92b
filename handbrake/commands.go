package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/itohio/gohandbrake/pkg/curve"
	"github.com/itohio/gohandbrake/pkg/handbrake"
	"github.com/itohio/gohandbrake/pkg/monitor"
	"github.com/spf13/cobra"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := handbrake.Ports()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "No serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintf(out, "%-20s %s\n", p.Name, p.Description)
			}
			return nil
		},
	}
}

// settingsFlags are the calibration flags shared by curve and set.
type settingsFlags struct {
	curveType string
	minRaw    int
	maxRaw    int
	factor    float64
}

func (f *settingsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.curveType, "type", "", "Curve type (LINEAR, EXPONENTIAL, LOGARITHMIC or 0-2)")
	cmd.Flags().IntVar(&f.minRaw, "min", 0, "Raw value at the start of the curve")
	cmd.Flags().IntVar(&f.maxRaw, "max", 0, "Raw value at the end of the curve")
	cmd.Flags().Float64Var(&f.factor, "factor", 0, "Curve factor (the device stores it multiplied by 10)")
}

// apply overrides s with the flags set on the command line.
func (f *settingsFlags) apply(cmd *cobra.Command, s *curve.Settings) error {
	if cmd.Flags().Changed("type") {
		t, err := curve.ParseCurveType(f.curveType)
		if err != nil {
			return err
		}
		s.Type = t
	}
	if cmd.Flags().Changed("min") {
		s.MinRaw = f.minRaw
	}
	if cmd.Flags().Changed("max") {
		s.MaxRaw = f.maxRaw
	}
	if cmd.Flags().Changed("factor") {
		s.CurveFactor = f.factor
	}
	return nil
}

func newCurveCmd() *cobra.Command {
	var (
		flags   settingsFlags
		samples int
	)

	cmd := &cobra.Command{
		Use:   "curve",
		Short: "Print the normalised response curve for a calibration",
		Long: `curve prints the preview curve as "x y" pairs, with y scaled to 0-100.
The calibration comes from the configuration file, overridden by flags.
No device is needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			m := monitor.New(cfg)
			s := m.Settings()
			if err := flags.apply(cmd, &s); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", s)
			for _, p := range m.Engine().ComputeN(s, samples) {
				fmt.Fprintf(out, "%.3f %.3f\n", p.X, p.Y)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&samples, "samples", 0, "Number of points (0 = configuration default)")

	return cmd
}

// settingsTimeout bounds the wait for the settings report after connecting.
const settingsTimeout = 3 * time.Second

// monitorOptions select what runMonitor does besides printing.
type monitorOptions struct {
	setup         bool // Enter setup mode while monitoring
	autoCalibrate bool // Send the observed raw range as min and max on exit
}

func newMonitorCmd() *cobra.Command {
	var opts monitorOptions

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print the device calibration and live telemetry until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session := newSession(cfg)
			return runMonitor(ctx, cmd.OutOrStdout(), session, portName(cfg), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.setup, "setup", false, "Enter setup mode while monitoring")
	cmd.Flags().BoolVar(&opts.autoCalibrate, "auto-calibrate", false, "Track the lever travel and send it as min and max on exit")

	return cmd
}

// runMonitor connects the session and prints updates until ctx is done or
// the device fails.
func runMonitor(ctx context.Context, out io.Writer, session *monitor.Session, name string, opts monitorOptions) error {
	var (
		mu           sync.Mutex
		lastSettings curve.Settings
		lastSeq      uint64
	)
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	session.Monitor().OnUpdate(func(snap monitor.Snapshot) {
		mu.Lock()
		defer mu.Unlock()

		if snap.Settings != lastSettings {
			lastSettings = snap.Settings
			fmt.Fprintf(out, "settings: %s\n", snap.Settings)
		}
		if n := len(snap.Samples); n > 0 && snap.HasLive {
			latest := snap.Samples[n-1]
			if latest.Sequence != lastSeq {
				lastSeq = latest.Sequence
				fmt.Fprintf(out, "#%-6d raw=%10.2f processed=%7.2f point=(%.2f, %.2f)\n",
					latest.Sequence, latest.Raw, latest.Processed, snap.Live.X, snap.Live.Y)
			}
		}
	})

	failed := make(chan error, 1)
	session.OnError(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})

	if err := session.Connect(); err != nil {
		return err
	}
	printf("Connected to %s\n", name)

	if opts.setup || opts.autoCalibrate {
		if err := session.SetSetupMode(true); err != nil {
			session.Disconnect()
			return err
		}
	}
	if opts.autoCalibrate {
		session.SetAutoCalibrate(true)
		printf("Move the lever through its full travel, then interrupt to apply\n")
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-failed:
	}

	if opts.autoCalibrate && err == nil {
		if err = session.SetAutoCalibrate(false); err == nil {
			printf("Calibrated: %s\n", session.Monitor().Settings())
		}
	}

	printf("Disconnecting from %s\n", name)
	if cerr := session.Disconnect(); err == nil {
		err = cerr
	}
	return err
}

func newSetCmd() *cobra.Command {
	var (
		flags settingsFlags
		save  bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Write calibration values to the device",
		Long: `set enters setup mode, sends the calibration values given by flags,
optionally saves them on the device and leaves setup mode.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			session := newSession(cfg)
			if err := session.Connect(); err != nil {
				return err
			}

			sent, err := applySettings(cmd, session, &flags, save)
			if cerr := session.Disconnect(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s: %s\n", portName(cfg), sent)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&save, "save", false, "Save the calibration on the device")

	return cmd
}

// applySettings sends only the values whose flags were given, on top of the
// settings the device reports after connecting.
// It returns the calibration the device should now hold.
func applySettings(cmd *cobra.Command, session *monitor.Session, flags *settingsFlags, save bool) (curve.Settings, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), settingsTimeout)
	defer cancel()
	if err := session.WaitSettings(ctx); err != nil {
		return curve.Settings{}, err
	}

	s := session.Monitor().Settings()
	if err := flags.apply(cmd, &s); err != nil {
		return s, err
	}

	if err := session.SetSetupMode(true); err != nil {
		return s, err
	}

	if cmd.Flags().Changed("type") {
		if err := session.SetCurveType(s.Type); err != nil {
			return s, err
		}
	}
	if cmd.Flags().Changed("min") {
		if err := session.SetMinRaw(s.MinRaw); err != nil {
			return s, err
		}
	}
	if cmd.Flags().Changed("max") {
		if err := session.SetMaxRaw(s.MaxRaw); err != nil {
			return s, err
		}
	}
	if cmd.Flags().Changed("factor") {
		if err := session.SetCurveFactor(s.CurveFactor); err != nil {
			return s, err
		}
	}
	if save {
		if err := session.Save(); err != nil {
			return s, err
		}
	}

	return s, session.SetSetupMode(false)
}
