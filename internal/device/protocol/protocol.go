// Package protocol implements the request/response framing spoken by the
// coincidence counter over its serial line.
//
// Requests:
//
//	read  0x0E <addr> <n>               read n consecutive 32-bit registers
//	write 0x0F <addr> <b3> <b2> <b1> <b0> write one register (big-endian)
//
// Responses:
//
//	0x7E <len> <payload...> <checksum>
//
// where payload holds len/4 big-endian registers and
// checksum = 0xFF - (sum(payload) & 0xFF). A write is acknowledged with a
// response carrying the register's new value.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

// Frame bytes.
const (
	CmdRead    byte = 0x0E
	CmdWrite   byte = 0x0F
	FrameStart byte = 0x7E
)

// Register map.
const (
	RegSampling          byte = 0x01
	RegCoincidenceWindow byte = 0x02
	RegCountersBase      byte = 0x10
	RegDelayBase         byte = 0x20
	RegSleepBase         byte = 0x30
	RegIdentity          byte = 0xF0
)

// DetectorRegisters is the number of consecutive per-detector timer registers
// starting at RegDelayBase and RegSleepBase.
const DetectorRegisters = 4

const (
	// Identity is the value of RegIdentity on a genuine counter.
	Identity uint32 = 0xABAC0001

	// RegisterSize is the width of one register in bytes.
	RegisterSize = 4

	// MaxRegisters is the most registers one response can carry.
	MaxRegisters = 255 / RegisterSize

	// ReadRequestSize is the length of a read request.
	ReadRequestSize = 3

	// WriteRequestSize is the length of a write request.
	WriteRequestSize = 2 + RegisterSize

	// HeaderSize is the length of the response header.
	HeaderSize = 2
)

var (
	// ErrBadStart means the frame does not begin with FrameStart.
	ErrBadStart = errors.New("bad frame start")
	// ErrBadLength means the payload length does not match the request.
	ErrBadLength = errors.New("bad payload length")
	// ErrBadChecksum means the checksum byte does not match the payload.
	ErrBadChecksum = errors.New("bad checksum")
	// ErrUnknownCommand means a request byte is not a known command.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrIncomplete means more bytes are needed to decode a request.
	ErrIncomplete = errors.New("incomplete request")
)

// CounterChannels lists counter register names starting at RegCountersBase.
//
//nolint:gochecknoglobals // Register layout is fixed by the firmware.
var CounterChannels = []string{"A", "B", "C", "D", "AB", "AC", "AD", "BC", "BD", "CD"}

// CounterAddress returns the register of a counter channel.
func CounterAddress(channel string) (byte, bool) {
	i := slices.Index(CounterChannels, channel)
	if i < 0 {
		return 0, false
	}

	return RegCountersBase + byte(i), true
}

// EncodeRead builds a read request for n registers starting at addr.
func EncodeRead(addr byte, n int) []byte {
	return []byte{CmdRead, addr, byte(n)}
}

// EncodeWrite builds a write request for one register.
func EncodeWrite(addr byte, value uint32) []byte {
	frame := make([]byte, WriteRequestSize)
	frame[0] = CmdWrite
	frame[1] = addr
	binary.BigEndian.PutUint32(frame[2:], value)

	return frame
}

// Checksum returns the checksum of a response payload.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}

	return 0xFF - sum
}

// EncodeResponse builds a response frame carrying values.
func EncodeResponse(values []uint32) []byte {
	payload := make([]byte, len(values)*RegisterSize)
	for i, v := range values {
		binary.BigEndian.PutUint32(payload[i*RegisterSize:], v)
	}

	frame := make([]byte, 0, HeaderSize+len(payload)+1)
	frame = append(frame, FrameStart, byte(len(payload)))
	frame = append(frame, payload...)

	return append(frame, Checksum(payload))
}

// CheckHeader validates a response header against the expected register count
// and returns the number of bytes that follow it (payload plus checksum).
func CheckHeader(header []byte, registers int) (int, error) {
	if len(header) != HeaderSize || header[0] != FrameStart {
		return 0, ErrBadStart
	}

	if int(header[1]) != registers*RegisterSize {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrBadLength, header[1], registers*RegisterSize)
	}

	return int(header[1]) + 1, nil
}

// DecodeBody verifies the checksum of body (payload followed by checksum) and
// returns the registers it carries.
func DecodeBody(body []byte) ([]uint32, error) {
	if len(body) == 0 || (len(body)-1)%RegisterSize != 0 {
		return nil, ErrBadLength
	}

	payload, sum := body[:len(body)-1], body[len(body)-1]
	if Checksum(payload) != sum {
		return nil, ErrBadChecksum
	}

	values := make([]uint32, len(payload)/RegisterSize)
	for i := range values {
		values[i] = binary.BigEndian.Uint32(payload[i*RegisterSize:])
	}

	return values, nil
}

// Request is a decoded host request, used by the instrument side.
type Request struct {
	// Command is CmdRead or CmdWrite.
	Command byte
	// Address is the first register.
	Address byte
	// Count is the number of registers to read.
	Count int
	// Value is the register value to write.
	Value uint32
}

// DecodeRequest decodes the first request in buf and returns it together
// with the number of bytes consumed. ErrIncomplete means buf holds a prefix.
func DecodeRequest(buf []byte) (Request, int, error) {
	if len(buf) == 0 {
		return Request{}, 0, ErrIncomplete
	}

	switch buf[0] {
	case CmdRead:
		if len(buf) < ReadRequestSize {
			return Request{}, 0, ErrIncomplete
		}

		return Request{Command: CmdRead, Address: buf[1], Count: int(buf[2])}, ReadRequestSize, nil
	case CmdWrite:
		if len(buf) < WriteRequestSize {
			return Request{}, 0, ErrIncomplete
		}

		return Request{
			Command: CmdWrite,
			Address: buf[1],
			Count:   1,
			Value:   binary.BigEndian.Uint32(buf[2:WriteRequestSize]),
		}, WriteRequestSize, nil
	default:
		return Request{}, 1, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, buf[0])
	}
}
