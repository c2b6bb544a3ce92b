package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Device      DeviceConfig      `yaml:"device"`
	Curve       CurveConfig       `yaml:"curve"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port           string        `yaml:"port"`
	BaudRate       int           `yaml:"baud_rate"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	ExitSetupDelay time.Duration `yaml:"exit_setup_delay"` // Time the device gets to leave setup mode before the port closes, at least 1s
}

// DeviceConfig describes the handbrake controller hardware.
type DeviceConfig struct {
	ADCMax float64 `yaml:"adc_max"` // Full-scale value of the processed reading (10-bit ADC = 1023)
}

// CurveConfig contains response curve preview parameters.
type CurveConfig struct {
	SampleCount     int     `yaml:"sample_count"`
	Epsilon         float64 `yaml:"epsilon"`          // Offset added to every x to keep ln(x) finite at zero
	DegenerateLevel float64 `yaml:"degenerate_level"` // Output level for curves without a usable range
}

// CalibrationConfig holds the calibration shown before the device reports its own.
type CalibrationConfig struct {
	CurveType   string  `yaml:"curve_type"` // LINEAR, EXPONENTIAL or LOGARITHMIC
	MinRaw      int     `yaml:"min_raw"`
	MaxRaw      int     `yaml:"max_raw"`
	CurveFactor float64 `yaml:"curve_factor"` // Logical value, the device receives it multiplied by 10
}

// TelemetryConfig contains telemetry buffering parameters.
type TelemetryConfig struct {
	HistorySize    int `yaml:"history_size"`
	BufferSize     int `yaml:"buffer_size"`
	AverageSamples int `yaml:"average_samples"` // Number of samples to average (0 = disabled, default)
}

// MockConfig contains simulated device configuration.
type MockConfig struct {
	SampleRate  time.Duration `yaml:"sample_rate"`  // Interval between telemetry lines
	SweepPeriod time.Duration `yaml:"sweep_period"` // Time for the simulated lever to travel min -> max -> min
	NoiseLevel  float64       `yaml:"noise_level"`  // Noise amplitude in raw units
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:           "/dev/ttyACM0", // "COM3" on Windows
			BaudRate:       9600,
			ReadTimeout:    time.Second,
			ExitSetupDelay: time.Second,
		},
		Device: DeviceConfig{
			ADCMax: 1023,
		},
		Curve: CurveConfig{
			SampleCount:     100,
			Epsilon:         0.001,
			DegenerateLevel: 0,
		},
		Calibration: CalibrationConfig{
			CurveType:   "LINEAR",
			MinRaw:      0,
			MaxRaw:      900000,
			CurveFactor: 2,
		},
		Telemetry: TelemetryConfig{
			HistorySize:    100,
			BufferSize:     100,
			AverageSamples: 0,
		},
		Mock: MockConfig{
			SampleRate:  50 * time.Millisecond,
			SweepPeriod: 4 * time.Second,
			NoiseLevel:  0,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
// Zero is a valid calibration and degenerate level, so those are left alone.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate <= 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ReadTimeout <= 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}
	if c.Serial.ExitSetupDelay < def.Serial.ExitSetupDelay {
		c.Serial.ExitSetupDelay = def.Serial.ExitSetupDelay
	}

	if c.Device.ADCMax <= 0 {
		c.Device.ADCMax = def.Device.ADCMax
	}

	if c.Curve.SampleCount <= 0 {
		c.Curve.SampleCount = def.Curve.SampleCount
	}
	if c.Curve.Epsilon == 0 {
		c.Curve.Epsilon = def.Curve.Epsilon
	}

	if c.Calibration.CurveType == "" {
		c.Calibration.CurveType = def.Calibration.CurveType
	}

	if c.Telemetry.HistorySize <= 0 {
		c.Telemetry.HistorySize = def.Telemetry.HistorySize
	}
	if c.Telemetry.BufferSize <= 0 {
		c.Telemetry.BufferSize = def.Telemetry.BufferSize
	}
	if c.Telemetry.AverageSamples < 0 {
		c.Telemetry.AverageSamples = 0
	}

	if c.Mock.SampleRate <= 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
	if c.Mock.SweepPeriod <= 0 {
		c.Mock.SweepPeriod = def.Mock.SweepPeriod
	}
}
