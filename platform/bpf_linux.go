//go:build linux

package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

// waitSlice bounds how long WaitReadable blocks before rechecking its context.
const waitSlice = 100 * time.Millisecond

// RingbufSource reads ktrace frames from an eBPF ring buffer. Each ring
// buffer sample carries whole frames; samples are handed out across as many
// Read calls as the caller needs.
type RingbufSource struct {
	logger  *zap.Logger
	coll    *ebpf.Collection
	links   []link.Link
	reader  *ringbuf.Reader
	targets *ebpf.Map

	record  ringbuf.Record
	pending []byte
}

// OpenRingbuf loads the BPF object described by cfg, attaches its
// tracepoints and opens the ring buffer.
func OpenRingbuf(cfg RingbufConfig, logger *zap.Logger) (*RingbufSource, error) {
	cfg.setDefaults()
	if cfg.Object == "" {
		return nil, errors.New("platform: no BPF object configured")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.Object)
	if err != nil {
		return nil, fmt.Errorf("load BPF spec %s: %w", cfg.Object, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("load BPF objects: %w", err)
	}

	s := &RingbufSource{logger: logger, coll: coll}

	events, ok := coll.Maps[cfg.Ringbuf]
	if !ok {
		s.Close()
		return nil, fmt.Errorf("BPF object has no ring buffer map %q", cfg.Ringbuf)
	}
	s.targets = coll.Maps[cfg.Targets]
	if s.targets == nil {
		logger.Warn("BPF object has no targets map, every process will be traced",
			zap.String("map", cfg.Targets))
	}

	for _, tp := range cfg.Tracepoints {
		prog, ok := coll.Programs[tp.Program]
		if !ok {
			s.Close()
			return nil, fmt.Errorf("BPF object has no program %q", tp.Program)
		}
		l, err := link.Tracepoint(tp.Group, tp.Name, prog, nil)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("attach tracepoint %s: %w", tp, err)
		}
		s.links = append(s.links, l)
		logger.Debug("attached tracepoint", zap.Stringer("tracepoint", tp))
	}

	s.reader, err = ringbuf.NewReader(events)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create ringbuf reader: %w", err)
	}
	return s, nil
}

// Attach adds pid to the set of traced processes.
func (s *RingbufSource) Attach(pid int32) error {
	if s.targets == nil {
		return nil
	}
	if err := s.targets.Put(uint32(pid), uint8(1)); err != nil {
		return fmt.Errorf("add target %d: %w", pid, err)
	}
	return nil
}

// Read copies buffered frame bytes into p. When nothing is buffered it polls
// the ring buffer once without blocking and returns os.ErrDeadlineExceeded
// if it is empty.
func (s *RingbufSource) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		s.reader.SetDeadline(time.Now())
		if err := s.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// WaitReadable blocks until a sample is available or ctx is done.
func (s *RingbufSource) WaitReadable(ctx context.Context) error {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.reader.SetDeadline(time.Now().Add(waitSlice))
		err := s.next()
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			return err
		}
	}
	return nil
}

func (s *RingbufSource) next() error {
	if err := s.reader.ReadInto(&s.record); err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return os.ErrClosed
		}
		return err
	}
	if len(s.record.RawSample) == 0 {
		s.logger.Warn("ring buffer sample lost")
		return os.ErrDeadlineExceeded
	}
	// the record buffer is reused by the next read
	s.pending = append(s.pending[:0], s.record.RawSample...)
	return nil
}

// Close detaches every program and releases the BPF objects.
func (s *RingbufSource) Close() error {
	var errs []error
	if s.reader != nil {
		errs = append(errs, s.reader.Close())
		s.reader = nil
	}
	for _, l := range s.links {
		errs = append(errs, l.Close())
	}
	s.links = nil
	if s.coll != nil {
		s.coll.Close()
		s.coll = nil
	}
	return errors.Join(errs...)
}
