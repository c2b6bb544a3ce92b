package curve

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CurveType selects the response curve applied to the raw handbrake value.
// The numeric values are the ones sent to the device.
type CurveType int

const (
	Linear CurveType = iota
	Exponential
	Logarithmic
)

var curveTypeNames = [...]string{
	Linear:      "LINEAR",
	Exponential: "EXPONENTIAL",
	Logarithmic: "LOGARITHMIC",
}

// CurveTypes lists all supported curve types in wire order.
func CurveTypes() []CurveType {
	return []CurveType{Linear, Exponential, Logarithmic}
}

func (t CurveType) String() string {
	if t.Valid() {
		return curveTypeNames[t]
	}
	return fmt.Sprintf("CurveType(%d)", int(t))
}

// Valid reports whether t is one of the known curve types.
func (t CurveType) Valid() bool {
	return t >= Linear && t <= Logarithmic
}

// ParseCurveType parses a curve type name (case-insensitive) or its wire digit.
func ParseCurveType(s string) (CurveType, error) {
	s = strings.TrimSpace(s)
	for i, name := range curveTypeNames {
		if strings.EqualFold(s, name) {
			return CurveType(i), nil
		}
	}

	if n, err := strconv.Atoi(s); err == nil && CurveType(n).Valid() {
		return CurveType(n), nil
	}

	return Linear, fmt.Errorf("unknown curve type %q", s)
}

// Settings is the calibration of the handbrake controller.
type Settings struct {
	Type        CurveType
	MinRaw      int
	MaxRaw      int
	CurveFactor float64 // Logical factor; the device stores it multiplied by 10
}

// DeviceCurveFactor returns the curve factor in device units (×10, rounded).
func (s Settings) DeviceCurveFactor() int {
	return int(math.Round(s.CurveFactor * 10))
}

func (s Settings) String() string {
	return fmt.Sprintf("%s min=%d max=%d factor=%.1f", s.Type, s.MinRaw, s.MaxRaw, s.CurveFactor)
}

// Point is a point on the preview plot.
type Point struct {
	X float64
	Y float64
}
