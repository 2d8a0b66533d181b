// Package ktrace decodes the kernel execution-trace stream consumed by filemon.
//
// The stream is a sequence of frames. Each frame is a fixed 48 byte Header
// followed by Header.Len bytes of payload. All integers are little-endian.
package ktrace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Record types
const (
	TypeSyscall = 1 // syscall entry
	TypeSysret  = 2 // syscall return
	TypeNamei   = 3 // pathname lookup
)

const (
	// HeaderSize is the encoded size of Header.
	HeaderSize = 48

	// MaxPayload bounds the payload of a single frame.
	MaxPayload = 4096

	// sysretSize is the encoded size of a syscall return payload.
	sysretSize = 32
)

var (
	// ErrShortPayload is returned when a payload is too small for its record type.
	ErrShortPayload = errors.New("ktrace: short payload")
)

// Header is common to all frames
type Header struct {
	Len     int32
	Type    uint16
	Version uint16
	PID     int32
	LID     int32
	Sec     int64
	Nsec    int64
	Comm    [16]byte
}

// Command returns the traced process name.
func (h Header) Command() string {
	return string(bytes.TrimRight(h.Comm[:], "\x00"))
}

// Syscall is the payload of a TypeSyscall frame.
type Syscall struct {
	Code int32
	Args []int64
}

// Sysret is the payload of a TypeSysret frame.
type Sysret struct {
	Code    int32
	EOSys   int32
	Error   int32
	_       int32
	Retval  int64
	Retval1 int64
}

// DecodeHeader parses a frame header.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("ktrace: header needs %d bytes, got %d", HeaderSize, len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("ktrace: decode header: %w", err)
	}
	return h, nil
}

// DecodeSyscall parses a syscall entry payload. Trailing bytes that do not
// form a whole argument word are ignored.
func DecodeSyscall(payload []byte) (Syscall, error) {
	if len(payload) < 8 {
		return Syscall{}, ErrShortPayload
	}
	code := int32(binary.LittleEndian.Uint32(payload[0:4]))
	argSize := int32(binary.LittleEndian.Uint32(payload[4:8]))
	if argSize < 0 || int(argSize) > len(payload)-8 {
		return Syscall{}, fmt.Errorf("%w: argsize %d exceeds payload", ErrShortPayload, argSize)
	}

	args := make([]int64, argSize/8)
	for i := range args {
		off := 8 + 8*i
		args[i] = int64(binary.LittleEndian.Uint64(payload[off : off+8]))
	}
	return Syscall{Code: code, Args: args}, nil
}

// DecodeSysret parses a syscall return payload.
func DecodeSysret(payload []byte) (Sysret, error) {
	var ret Sysret
	if len(payload) < sysretSize {
		return ret, ErrShortPayload
	}
	if err := binary.Read(bytes.NewReader(payload[:sysretSize]), binary.LittleEndian, &ret); err != nil {
		return ret, fmt.Errorf("ktrace: decode sysret: %w", err)
	}
	return ret, nil
}

// DecodeNamei returns the path carried by a namei payload, up to the first NUL.
func DecodeNamei(payload []byte) string {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	return string(payload)
}
