package ktrace

import (
	"bytes"
	"encoding/binary"
)

// AppendFrame appends an encoded frame to dst. The header length is taken
// from the payload.
func AppendFrame(dst []byte, h Header, payload []byte) []byte {
	h.Len = int32(len(payload))
	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(payload))
	// Writes to a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, &h)
	buf.Write(payload)
	return append(dst, buf.Bytes()...)
}

// SyscallPayload encodes a syscall entry payload.
func SyscallPayload(code int32, args ...int64) []byte {
	b := make([]byte, 8+8*len(args))
	binary.LittleEndian.PutUint32(b[0:4], uint32(code))
	binary.LittleEndian.PutUint32(b[4:8], uint32(8*len(args)))
	for i, a := range args {
		binary.LittleEndian.PutUint64(b[8+8*i:], uint64(a))
	}
	return b
}

// SysretPayload encodes a syscall return payload.
func SysretPayload(code, errno int32, retval int64) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &Sysret{Code: code, Error: errno, Retval: retval})
	return buf.Bytes()
}

// NameiPayload encodes a NUL terminated path.
func NameiPayload(path string) []byte {
	return append([]byte(path), 0)
}
