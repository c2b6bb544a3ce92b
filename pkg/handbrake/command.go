package handbrake

import (
	"math"
	"strconv"

	"github.com/itohio/gohandbrake/pkg/curve"
)

// CommandKind identifies a host to device command.
type CommandKind byte

// Command prefixes as understood by the controller firmware.
const (
	CmdSetCurveType   CommandKind = 'c'
	CmdSetMinRaw      CommandKind = 'm'
	CmdSetMaxRaw      CommandKind = 't'
	CmdSetCurveFactor CommandKind = 'f'
	CmdSaveSettings   CommandKind = 's'
	CmdEnterSetupMode CommandKind = 'e'
	CmdExitSetupMode  CommandKind = 'w'
	CmdReadSettings   CommandKind = 'r'
)

func (k CommandKind) String() string {
	switch k {
	case CmdSetCurveType:
		return "SetCurveType"
	case CmdSetMinRaw:
		return "SetMinRaw"
	case CmdSetMaxRaw:
		return "SetMaxRaw"
	case CmdSetCurveFactor:
		return "SetCurveFactor"
	case CmdSaveSettings:
		return "SaveSettings"
	case CmdEnterSetupMode:
		return "EnterSetupMode"
	case CmdExitSetupMode:
		return "ExitSetupMode"
	case CmdReadSettings:
		return "ReadSettings"
	}
	return "Command(" + strconv.QuoteRune(rune(k)) + ")"
}

// hasValue reports whether the command carries an integer argument.
func (k CommandKind) hasValue() bool {
	switch k {
	case CmdSetCurveType, CmdSetMinRaw, CmdSetMaxRaw, CmdSetCurveFactor:
		return true
	}
	return false
}

// Command is a single host to device command.
type Command struct {
	Kind  CommandKind
	Value int
}

// Encode renders the command as ASCII <prefix><value> without a terminator.
func (c Command) Encode() []byte {
	buf := []byte{byte(c.Kind)}
	if c.Kind.hasValue() {
		buf = strconv.AppendInt(buf, int64(c.Value), 10)
	}
	return buf
}

func (c Command) String() string {
	return string(c.Encode())
}

// SetCurveType selects the response curve.
func SetCurveType(t curve.CurveType) Command {
	return Command{Kind: CmdSetCurveType, Value: int(t)}
}

// SetMinRaw sets the raw value mapped to zero output.
func SetMinRaw(v int) Command {
	return Command{Kind: CmdSetMinRaw, Value: v}
}

// SetMaxRaw sets the raw value mapped to full output.
func SetMaxRaw(v int) Command {
	return Command{Kind: CmdSetMaxRaw, Value: v}
}

// SetCurveFactor sets the logical curve factor; it is sent multiplied by 10.
func SetCurveFactor(factor float64) Command {
	return SetCurveFactorRaw(int(math.Round(factor * 10)))
}

// SetCurveFactorRaw sets the curve factor in device units.
func SetCurveFactorRaw(v int) Command {
	return Command{Kind: CmdSetCurveFactor, Value: v}
}

// SaveSettings asks the device to persist its current calibration.
func SaveSettings() Command { return Command{Kind: CmdSaveSettings} }

// EnterSetupMode enables live parameter tuning on the device.
func EnterSetupMode() Command { return Command{Kind: CmdEnterSetupMode} }

// ExitSetupMode leaves setup mode.
func ExitSetupMode() Command { return Command{Kind: CmdExitSetupMode} }

// ReadSettings asks the device to report its calibration.
func ReadSettings() Command { return Command{Kind: CmdReadSettings} }
