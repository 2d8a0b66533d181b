//go:build unix

package platform

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (*FDSource, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	src, err := NewFDSource(fds[0])
	require.NoError(t, err)
	t.Cleanup(func() {
		src.Close()
		unix.Close(fds[1])
	})
	return src, fds[1]
}

func TestFDSourceNonBlocking(t *testing.T) {
	src, w := newPipe(t)
	buf := make([]byte, 8)

	_, err := src.Read(buf)
	require.True(t, errors.Is(err, syscall.EAGAIN), "got %v", err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, src.WaitReadable(ctx), context.DeadlineExceeded)

	_, err = unix.Write(w, []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, src.WaitReadable(context.Background()))

	n, err := src.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	require.NoError(t, unix.Close(w))
	require.NoError(t, src.WaitReadable(context.Background()))
	_, err = src.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace")
	require.NoError(t, os.WriteFile(path, []byte("frames"), 0o600))

	src, err := OpenFile(path)
	require.NoError(t, err)

	data, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
