package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
)

// Frame is one decoded notification. Pointer fields are optional: they are
// set only when the frame carries that field at a validated offset. Byte
// ranges whose semantics are still unconfirmed end up in Unparsed instead
// of being guessed into a typed value.
type Frame struct {
	Status        *model.Status
	RawStatusCode byte

	// Confirmed extended layout, docked frames only.
	Counter        *uint16
	BatteryPercent *int
	IsCharging     *bool
	StatusDetail   *byte

	// Info-response fields, keyed by the 0x80 response marker.
	FirmwareVersion   *string
	SerialNumber      *string
	SignalType        *string
	BoundaryTrimming  *bool
	UltrasonicEnabled *bool
	RainDelayMinutes  *int
	WorkingHours      *int
	Faults            []model.FaultRecord

	Unparsed []byte
}

const (
	simpleFrameLength = 3
	minExtendedLength = 12

	// responseMarker prefixes the payload of frames the mower emits in
	// answer to a query command.
	responseMarker = 0x80
)

var statusCodes = map[byte]model.Status{
	0x03: model.StatusIdle,
	0x04: model.StatusMowing,
	0x06: model.StatusCharging,
	0x07: model.StatusError,
	0x08: model.StatusDocked,
}

// Observed status bytes of 0x80 0x81 info responses.
var infoStatusCodes = map[byte]model.Status{
	0x01: model.StatusReturning,
	0x0B: model.StatusDocked,
	0x0E: model.StatusStopped,
	0x38: model.StatusMowing,
}

// Decode re-derives the frame shape from its length on every call: the
// mower emits terse 3-byte frames for routine polling and 12+ byte
// extended frames under certain triggers.
func Decode(raw []byte) (*Frame, error) {
	if len(raw) < 2 || raw[0] != header0 || raw[1] != header1 {
		return nil, ErrMalformedFrame
	}
	switch {
	case len(raw) == simpleFrameLength:
		return decodeSimple(raw), nil
	case len(raw) >= minExtendedLength:
		return decodeExtended(raw)
	default:
		return nil, ErrUnrecognizedFrameShape
	}
}

func decodeSimple(raw []byte) *Frame {
	f := &Frame{RawStatusCode: raw[2]}
	if st, ok := statusCodes[raw[2]]; ok {
		f.Status = &st
	}
	return f
}

func decodeExtended(raw []byte) (*Frame, error) {
	// Extended frames end in a sum-mod-256 checksum of everything before it.
	if checksum(raw[:len(raw)-1]) != raw[len(raw)-1] {
		return nil, ErrMalformedFrame
	}

	f := decodeSimple(raw[:simpleFrameLength])
	body := raw[3 : len(raw)-1]

	switch {
	case f.Status != nil && *f.Status == model.StatusDocked && len(raw) == minExtendedLength:
		// The only shape with confirmed field offsets, from the captured
		// 12-byte docked frame 55AA0880830100CE64000441. Longer docked
		// frames shift those offsets, so they stay raw below.
		counter := binary.BigEndian.Uint16(raw[6:8])
		battery := int(raw[8])
		charging := raw[10] == 0x04
		detail := raw[11]
		f.Counter = &counter
		f.BatteryPercent = &battery
		f.IsCharging = &charging
		f.StatusDetail = &detail
	case raw[3] == responseMarker:
		decodeInfo(f, raw[4], raw[5:len(raw)-1])
	default:
		f.Unparsed = append([]byte(nil), body...)
	}
	return f, nil
}

func decodeInfo(f *Frame, opcode byte, body []byte) {
	switch opcode {
	case 0x01:
		v := trimASCII(body)
		f.FirmwareVersion = &v
	case 0x02:
		v := trimASCII(body)
		f.SerialNumber = &v
	case 0x0B:
		if len(body) > 0 && body[0] >= 1 && body[0] <= 3 {
			v := fmt.Sprintf("S%d", body[0])
			f.SignalType = &v
			return
		}
		f.Unparsed = append([]byte(nil), body...)
	case 0x07:
		v := len(body) > 0 && body[0] == 0x01
		f.BoundaryTrimming = &v
	case 0x54:
		v := len(body) > 0 && body[0] == 0x01
		f.UltrasonicEnabled = &v
	case 0x32:
		if len(body) >= 2 {
			v := int(binary.BigEndian.Uint16(body[:2]))
			f.RainDelayMinutes = &v
		}
	case 0x7A:
		if len(body) >= 2 {
			v := int(binary.BigEndian.Uint16(body[:2]))
			f.WorkingHours = &v
		}
	case 0x15:
		f.Faults = decodeFaultLog(body)
	case 0x81:
		// Status responses use a different code table than the status byte
		// of unsolicited frames. Never overrides a table-mapped status.
		if f.Status == nil && len(body) > 0 {
			if st, ok := infoStatusCodes[body[0]]; ok {
				f.Status = &st
			}
		}
	case 0x83:
		// Battery layout is only confirmed for docked frames, which are
		// handled before this point. Anything else stays diagnostic.
		f.Unparsed = append([]byte(nil), body...)
	default:
		f.Unparsed = append([]byte(nil), body...)
	}
}

// decodeFaultLog parses repeated 7-byte records: year, month, day, hour,
// minute, code. A zero year terminates the list (padding).
func decodeFaultLog(body []byte) []model.FaultRecord {
	var records []model.FaultRecord
	for i := 0; i+7 <= len(body); i += 7 {
		rec := body[i : i+7]
		year := int(binary.BigEndian.Uint16(rec[:2]))
		if year == 0 {
			break
		}
		month := time.Month(rec[2])
		if month < time.January || month > time.December || rec[3] < 1 || rec[3] > 31 {
			break
		}
		records = append(records, model.FaultRecord{
			OccurredAt: time.Date(year, month, int(rec[3]), int(rec[4]), int(rec[5]), 0, 0, time.UTC),
			Code:       rec[6],
			Detail:     append([]byte(nil), rec...),
		})
	}
	return records
}

func trimASCII(body []byte) string {
	return strings.Trim(string(body), "\x00 ")
}
