package handbrake

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/itohio/gohandbrake/pkg/curve"
	"github.com/itohio/gohandbrake/pkg/sample"
)

// LineKind identifies a device to host line.
type LineKind int

const (
	LineUnknown LineKind = iota
	LineTelemetry
	LineCurveType
	LineMinRaw
	LineMaxRaw
	LineCurveFactor
)

func (k LineKind) String() string {
	switch k {
	case LineTelemetry:
		return "telemetry"
	case LineCurveType:
		return "curve type"
	case LineMinRaw:
		return "min raw"
	case LineMaxRaw:
		return "max raw"
	case LineCurveFactor:
		return "curve factor"
	}
	return "unknown"
}

// Line prefixes printed by the controller firmware.
const (
	prefixRaw         = "Raw Handbrake Value:"
	prefixProcessed   = "Processed Handbrake Value:"
	prefixCurveType   = "Curve type:"
	prefixMinRaw      = "Min raw handbrake:"
	prefixMaxRaw      = "Max raw handbrake:"
	prefixCurveFactor = "Curve factor:"
)

// Line is a parsed device line. Sample is set for LineTelemetry, CurveType for
// LineCurveType and Value for the remaining settings kinds. Value of a
// LineCurveFactor is already divided by 10.
type Line struct {
	Kind      LineKind
	Sample    sample.Sample
	CurveType curve.CurveType
	Value     float64
}

type lineParser struct {
	kind   LineKind
	prefix string
	parse  func(rest string) (Line, error)
}

var lineParsers = []lineParser{
	{LineTelemetry, prefixRaw, parseTelemetry},
	{LineCurveType, prefixCurveType, parseCurveType},
	{LineMinRaw, prefixMinRaw, parseNumber(LineMinRaw, "min raw", 1)},
	{LineMaxRaw, prefixMaxRaw, parseNumber(LineMaxRaw, "max raw", 1)},
	{LineCurveFactor, prefixCurveFactor, parseNumber(LineCurveFactor, "curve factor", 10)},
}

// ParseLine parses one trimmed line received from the device.
// Lines that match no known prefix return LineUnknown and no error.
// A known prefix with an unparsable value returns a *ParseError.
func ParseLine(line string) (Line, error) {
	line = strings.TrimSpace(line)
	for _, p := range lineParsers {
		if rest, ok := strings.CutPrefix(line, p.prefix); ok {
			return p.parse(rest)
		}
	}
	return Line{Kind: LineUnknown}, nil
}

// parseTelemetry parses "<raw>   Processed Handbrake Value: <processed>".
func parseTelemetry(rest string) (Line, error) {
	rawStr, processedStr, ok := strings.Cut(rest, prefixProcessed)
	if !ok {
		return Line{}, &ParseError{Kind: LineTelemetry, Field: "processed", Err: fmt.Errorf("missing %q", prefixProcessed)}
	}

	raw, err := parseFloat(rawStr)
	if err != nil {
		return Line{}, &ParseError{Kind: LineTelemetry, Field: "raw", Err: err}
	}
	processed, err := parseFloat(processedStr)
	if err != nil {
		return Line{}, &ParseError{Kind: LineTelemetry, Field: "processed", Err: err}
	}

	return Line{
		Kind:   LineTelemetry,
		Sample: sample.Sample{Raw: raw, Processed: processed},
	}, nil
}

func parseCurveType(rest string) (Line, error) {
	t, err := curve.ParseCurveType(rest)
	if err != nil {
		return Line{}, &ParseError{Kind: LineCurveType, Field: "curve type", Err: err}
	}
	return Line{Kind: LineCurveType, CurveType: t}, nil
}

// parseNumber returns a parser for "<float>" lines, dividing the value by scale.
func parseNumber(kind LineKind, field string, scale float64) func(string) (Line, error) {
	return func(rest string) (Line, error) {
		v, err := parseFloat(rest)
		if err != nil {
			return Line{}, &ParseError{Kind: kind, Field: field, Err: err}
		}
		return Line{Kind: kind, Value: v / scale}, nil
	}
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("value %q is not finite", s)
	}
	return v, nil
}

// Apply updates s from a settings line and reports whether s changed.
// Telemetry and unknown lines leave s untouched.
func (l Line) Apply(s *curve.Settings) bool {
	prev := *s
	switch l.Kind {
	case LineCurveType:
		s.Type = l.CurveType
	case LineMinRaw:
		s.MinRaw = int(math.Round(l.Value))
	case LineMaxRaw:
		s.MaxRaw = int(math.Round(l.Value))
	case LineCurveFactor:
		s.CurveFactor = l.Value
	default:
		return false
	}
	return *s != prev
}

// IsSetting reports whether the line carries a calibration field.
func (l Line) IsSetting() bool {
	switch l.Kind {
	case LineCurveType, LineMinRaw, LineMaxRaw, LineCurveFactor:
		return true
	}
	return false
}

// CheckUTF8 returns a *DecodeError if b is not valid UTF-8.
func CheckUTF8(b []byte) error {
	if !utf8.Valid(b) {
		return &DecodeError{Line: append([]byte(nil), b...)}
	}
	return nil
}

// FormatTelemetry renders a telemetry line the way the firmware prints it.
func FormatTelemetry(raw, processed float64) string {
	return fmt.Sprintf("%s %.2f   %s %.2f", prefixRaw, raw, prefixProcessed, processed)
}

// FormatSettings renders the settings report the firmware prints on ReadSettings.
func FormatSettings(s curve.Settings) []string {
	return []string{
		fmt.Sprintf("%s %s", prefixCurveType, s.Type),
		fmt.Sprintf("%s %d.00", prefixMinRaw, s.MinRaw),
		fmt.Sprintf("%s %d.00", prefixMaxRaw, s.MaxRaw),
		fmt.Sprintf("%s %d.00", prefixCurveFactor, s.DeviceCurveFactor()),
	}
}
