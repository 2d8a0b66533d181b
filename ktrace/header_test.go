package ktrace

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderSize(t *testing.T) {
	assert.Equal(t, HeaderSize, binary.Size(Header{}))
	assert.Equal(t, sysretSize, binary.Size(Sysret{}))
}

func TestDecodeHeader(t *testing.T) {
	h := Header{Type: TypeNamei, Version: 2, PID: 42, LID: 7, Sec: 10, Nsec: 20}
	copy(h.Comm[:], "make")

	frame := AppendFrame(nil, h, []byte("abc"))
	require.Len(t, frame, HeaderSize+3)

	got, err := DecodeHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, int32(3), got.Len)
	assert.Equal(t, uint16(TypeNamei), got.Type)
	assert.Equal(t, int32(42), got.PID)
	assert.Equal(t, int32(7), got.LID)
	assert.Equal(t, "make", got.Command())

	_, err = DecodeHeader(frame[:HeaderSize-1])
	assert.Error(t, err)
}

func TestDecodeSyscall(t *testing.T) {
	sc, err := DecodeSyscall(SyscallPayload(5, 0x1234, 2, -100))
	require.NoError(t, err)
	assert.Equal(t, int32(5), sc.Code)
	assert.Equal(t, []int64{0x1234, 2, -100}, sc.Args)

	sc, err = DecodeSyscall(SyscallPayload(2))
	require.NoError(t, err)
	assert.Empty(t, sc.Args)

	_, err = DecodeSyscall([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortPayload)

	// argsize claims more words than the payload carries
	bad := SyscallPayload(5, 1, 2)
	_, err = DecodeSyscall(bad[:len(bad)-4])
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestDecodeSysret(t *testing.T) {
	ret, err := DecodeSysret(SysretPayload(128, 2, -1))
	require.NoError(t, err)
	assert.Equal(t, int32(128), ret.Code)
	assert.Equal(t, int32(2), ret.Error)
	assert.Equal(t, int64(-1), ret.Retval)

	_, err = DecodeSysret(make([]byte, sysretSize-1))
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestDecodeNamei(t *testing.T) {
	assert.Equal(t, "/tmp/a", DecodeNamei(NameiPayload("/tmp/a")))
	assert.Equal(t, "/no/nul", DecodeNamei([]byte("/no/nul")))
	assert.Equal(t, "/x", DecodeNamei([]byte("/x\x00garbage")))
	assert.Equal(t, "", DecodeNamei(nil))
}
