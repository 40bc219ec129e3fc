// Package protocol implements the ventilator's opcode-prefixed binary frames.
//
// Outbound commands are written to the device's write characteristic; the
// device answers on the notify characteristic. Multi-byte integers are
// little-endian and every field is truncated to its byte width: range
// checking is the caller's job (see Settings.Validate).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode is the first byte of every frame. The values are fixed by the
// device firmware.
type Opcode uint8

const (
	OpSetParams      Opcode = 1
	OpGetParams      Opcode = 2
	OpStartStop      Opcode = 3
	OpFault          Opcode = 225
	OpCalibrateSteps Opcode = 241
	OpVref           Opcode = 242
)

func (op Opcode) String() string {
	switch op {
	case OpSetParams:
		return "SET_PARAMS"
	case OpGetParams:
		return "GET_PARAMS"
	case OpStartStop:
		return "START_STOP"
	case OpFault:
		return "FAULT"
	case OpCalibrateSteps:
		return "CALIBRATE_STEPS"
	case OpVref:
		return "VREF"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
}

// Frame lengths.
const (
	SetParamsLen      = 12
	SettingsReportLen = 11
)

var (
	// ErrEmptyFrame is returned when decoding a zero-length buffer.
	ErrEmptyFrame = errors.New("protocol: empty frame")
	// ErrShortFrame is returned when a GET_PARAMS response is shorter than
	// SettingsReportLen.
	ErrShortFrame = errors.New("protocol: short frame")
)

// Command is an outbound request. The concrete types are GetParams,
// SetParams, CalibrateSteps, SetVref and StartStop.
type Command interface {
	Opcode() Opcode
	appendPayload(buf []byte) []byte
}

// GetParams asks the device to report its current settings.
type GetParams struct{}

// SetParams writes patient settings to the device.
type SetParams struct {
	Settings Settings
}

// CalibrateSteps moves the actuator by a signed number of steps.
type CalibrateSteps struct {
	Steps int32
}

// SetVref sets the reference voltage byte.
type SetVref struct {
	Vref uint8
}

// StartStop starts or stops ventilation.
type StartStop struct {
	Run bool
}

func (GetParams) Opcode() Opcode      { return OpGetParams }
func (SetParams) Opcode() Opcode      { return OpSetParams }
func (CalibrateSteps) Opcode() Opcode { return OpCalibrateSteps }
func (SetVref) Opcode() Opcode        { return OpVref }
func (StartStop) Opcode() Opcode      { return OpStartStop }

func (GetParams) appendPayload(buf []byte) []byte { return buf }

// SET_PARAMS layout:
//
//	[1:5]   patient id
//	[5]     tidal volume (mL/kg)
//	[6]     inhale/exhale ratio code
//	[7]     respiratory rate
//	[8]     height (cm)
//	[9]     gender
//	[10:12] total tidal volume (mL)
func (c SetParams) appendPayload(buf []byte) []byte {
	s := c.Settings
	buf = binary.LittleEndian.AppendUint32(buf, s.PatientID)
	buf = append(buf,
		byte(s.tidalVolume),
		byte(s.IERatio),
		byte(s.RespiratoryRate),
		byte(s.height),
		byte(s.gender),
	)
	return binary.LittleEndian.AppendUint16(buf, uint16(s.totalTVMl))
}

func (c CalibrateSteps) appendPayload(buf []byte) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(c.Steps))
}

func (c SetVref) appendPayload(buf []byte) []byte {
	return append(buf, c.Vref)
}

func (c StartStop) appendPayload(buf []byte) []byte {
	if c.Run {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// Encode serializes cmd into a frame.
func Encode(cmd Command) []byte {
	buf := make([]byte, 0, SetParamsLen)
	buf = append(buf, byte(cmd.Opcode()))
	return cmd.appendPayload(buf)
}

// Response is a decoded inbound frame: SettingsReport or Fault.
type Response interface {
	isResponse()
}

// SettingsReport is the device's answer to GetParams.
type SettingsReport struct {
	Settings Settings
}

// Fault signals that the device detected an internal fault.
type Fault struct{}

func (SettingsReport) isResponse() {}
func (Fault) isResponse()          {}

// Decode parses an inbound frame. Frames with an opcode the controller does
// not act on decode to a nil Response and a nil error.
func Decode(frame []byte) (Response, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	switch Opcode(frame[0]) {
	case OpGetParams:
		if len(frame) < SettingsReportLen {
			return nil, fmt.Errorf("%w: %s response has %d bytes, want %d",
				ErrShortFrame, OpGetParams, len(frame), SettingsReportLen)
		}
		return SettingsReport{Settings: decodeSettings(frame)}, nil
	case OpFault:
		return Fault{}, nil
	default:
		return nil, nil
	}
}

func decodeSettings(frame []byte) Settings {
	s := DefaultSettings()
	s.PatientID = binary.LittleEndian.Uint32(frame[1:5])
	s.tidalVolume = int(frame[5])
	s.IERatio = int(frame[6])
	s.RespiratoryRate = int(frame[7])
	s.height = int(frame[8])
	// An unknown gender code keeps the default rather than failing the frame.
	if g := Gender(frame[9]); g.Valid() {
		s.gender = g
	}
	s.Running = frame[10] == 1
	s.recompute()
	return s
}

// EncodeSettingsReport builds the device-side GET_PARAMS response for s.
// The controller never sends it; it exists for simulators and tests.
func EncodeSettingsReport(s Settings) []byte {
	buf := make([]byte, 0, SettingsReportLen)
	buf = append(buf, byte(OpGetParams))
	buf = binary.LittleEndian.AppendUint32(buf, s.PatientID)
	buf = append(buf,
		byte(s.tidalVolume),
		byte(s.IERatio),
		byte(s.RespiratoryRate),
		byte(s.height),
		byte(s.gender),
	)
	if s.Running {
		return append(buf, 1)
	}
	return append(buf, 0)
}
