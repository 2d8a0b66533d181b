//go:build unix

package platform

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// pollSlice is the poll(2) timeout in milliseconds between context checks.
const pollSlice = 100

// FDSource reads a file descriptor in non-blocking mode.
type FDSource struct {
	fd     int
	closed bool
}

// NewFDSource switches fd to non-blocking mode and takes ownership of it.
func NewFDSource(fd int) (*FDSource, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock on fd %d: %w", fd, err)
	}
	return &FDSource{fd: fd}, nil
}

// OpenFile opens path for non-blocking reads.
func OpenFile(path string) (*FDSource, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &FDSource{fd: fd}, nil
}

// Read performs a single read(2). EAGAIN and EINTR are returned as is.
func (s *FDSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// WaitReadable polls the descriptor until it is readable, hung up or ctx is
// done.
func (s *FDSource) WaitReadable(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, pollSlice)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll fd %d: %w", s.fd, err)
		}
		if n > 0 {
			return nil
		}
	}
}

// Fd returns the underlying descriptor.
func (s *FDSource) Fd() int {
	return s.fd
}

func (s *FDSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}
