package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Command is one of the mower's known command kinds. The set is closed:
// every kind maps to a fixed opcode in the reverse-engineered 0x55AA
// protocol, and encoding an unknown kind is a programming error.
type Command string

const (
	CommandStartMowing Command = "start_mowing"
	CommandStartOnce   Command = "start_once"
	CommandStop        Command = "stop"
	CommandDock        Command = "dock"
	CommandSpiralCut   Command = "spiral_cut"
	CommandEdgeCut     Command = "edge_cut"

	// Query commands. The mower answers each with an asynchronous
	// notification frame rather than a write response.
	CommandRequestStatus       Command = "request_status"
	CommandRequestBattery      Command = "request_battery"
	CommandRequestFirmware     Command = "request_firmware"
	CommandRequestSerial       Command = "request_serial"
	CommandRequestSignal       Command = "request_signal"
	CommandRequestTrimming     Command = "request_trimming"
	CommandRequestUltrasonic   Command = "request_ultrasonic"
	CommandRequestRainDelay    Command = "request_rain_delay"
	CommandRequestWorkingHours Command = "request_working_hours"
	CommandRequestFaultLog     Command = "request_fault_log"

	CommandSetDate Command = "set_date"
	CommandSetTime Command = "set_time"
)

var (
	ErrInvalidCommand         = errors.New("invalid command kind")
	ErrMalformedFrame         = errors.New("malformed frame")
	ErrUnrecognizedFrameShape = errors.New("unrecognized frame shape")
	ErrPayloadTooLong         = errors.New("payload exceeds write length")
)

const (
	header0 = 0x55
	header1 = 0xAA

	// WriteLength is the padded length of every outbound frame, sized to
	// the default 23-byte ATT MTU minus the 3-byte write header.
	WriteLength = 20
)

var opcodes = map[Command]byte{
	CommandStartMowing: 0x05,
	CommandStartOnce:   0x7D,
	CommandStop:        0x29,
	CommandDock:        0x06,
	CommandSpiralCut:   0x79,
	CommandEdgeCut:     0x7C,

	CommandRequestStatus:       0x81,
	CommandRequestBattery:      0x83,
	CommandRequestFirmware:     0x01,
	CommandRequestSerial:       0x02,
	CommandRequestSignal:       0x0B,
	CommandRequestTrimming:     0x07,
	CommandRequestUltrasonic:   0x54,
	CommandRequestRainDelay:    0x32,
	CommandRequestWorkingHours: 0x7A,
	CommandRequestFaultLog:     0x15,

	CommandSetDate: 0x1A,
	CommandSetTime: 0x1C,
}

var commandsByOpcode = lo.Invert(opcodes)

// CommandForOpcode is the device-side lookup: the command kind an opcode
// byte stands for.
func CommandForOpcode(op byte) (Command, bool) {
	cmd, ok := commandsByOpcode[op]
	return cmd, ok
}

// Encode maps a command kind to its wire frame: the 0x55AA header, the
// opcode byte, then zeros up to the device's expected write length.
func Encode(cmd Command) ([]byte, error) {
	return EncodePayload(cmd, nil)
}

// EncodePayload builds a frame for command kinds that carry operand bytes
// after the opcode. The frame is zero-padded to WriteLength.
func EncodePayload(cmd Command, payload []byte) ([]byte, error) {
	op, ok := opcodes[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, cmd)
	}
	if len(payload) > WriteLength-3 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(payload))
	}
	frame := make([]byte, WriteLength)
	frame[0] = header0
	frame[1] = header1
	frame[2] = op
	copy(frame[3:], payload)
	return frame, nil
}

// ClockSyncFrames returns the SetDate and SetTime frames for t, in the
// order the mower expects them.
func ClockSyncFrames(t time.Time) ([][]byte, error) {
	year := t.Year()
	dateFrame, err := EncodePayload(CommandSetDate, []byte{
		byte(year >> 8), byte(year), byte(t.Month()), byte(t.Day()),
	})
	if err != nil {
		return nil, err
	}
	timeFrame, err := EncodePayload(CommandSetTime, []byte{
		byte(t.Hour()), byte(t.Minute()),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{dateFrame, timeFrame}, nil
}

func checksum(data []byte) byte {
	var sum int
	for _, b := range data {
		sum += int(b)
	}
	return byte(sum % 256)
}
