//go:build !linux

package platform

import (
	"context"

	"go.uber.org/zap"
)

// RingbufSource is only available on Linux.
type RingbufSource struct{}

func OpenRingbuf(cfg RingbufConfig, logger *zap.Logger) (*RingbufSource, error) {
	return nil, ErrUnsupported
}

func (s *RingbufSource) Attach(pid int32) error { return ErrUnsupported }
func (s *RingbufSource) Read(p []byte) (int, error) { return 0, ErrUnsupported }
func (s *RingbufSource) WaitReadable(ctx context.Context) error { return ErrUnsupported }
func (s *RingbufSource) Close() error { return nil }
