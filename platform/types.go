// Package platform provides the byte sources a filemon session reads ktrace
// frames from: a non-blocking file descriptor and, on Linux, an eBPF ring
// buffer fed by a user supplied BPF object.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupported is returned by sources that are not available on this
// platform.
var ErrUnsupported = errors.New("platform: not supported on this OS")

// Source is a non-blocking ktrace byte stream. Read returns a transient
// error when no data is available and WaitReadable blocks until it is.
type Source interface {
	io.ReadCloser
	WaitReadable(ctx context.Context) error
}

// Tracepoint names a kernel tracepoint and the BPF program attached to it.
type Tracepoint struct {
	Group   string
	Name    string
	Program string
}

func (t Tracepoint) String() string {
	return t.Group + "/" + t.Name + "=" + t.Program
}

// ParseTracepoint parses "group/name=program".
func ParseTracepoint(s string) (Tracepoint, error) {
	point, prog, ok := strings.Cut(s, "=")
	if !ok || prog == "" {
		return Tracepoint{}, fmt.Errorf("tracepoint %q: missing program", s)
	}
	group, name, ok := strings.Cut(point, "/")
	if !ok || group == "" || name == "" {
		return Tracepoint{}, fmt.Errorf("tracepoint %q: want group/name=program", s)
	}
	return Tracepoint{Group: group, Name: name, Program: prog}, nil
}

// RingbufConfig describes the BPF object behind a ring buffer source.
type RingbufConfig struct {
	// Object is the path of the compiled BPF ELF.
	Object string

	// Ringbuf is the ring buffer map the programs write ktrace frames to.
	Ringbuf string

	// Targets is a hash map of u32 pid to u8 the programs use to filter
	// traced processes. Attach inserts into it.
	Targets string

	Tracepoints []Tracepoint
}

func (c *RingbufConfig) setDefaults() {
	if c.Ringbuf == "" {
		c.Ringbuf = "events"
	}
	if c.Targets == "" {
		c.Targets = "targets"
	}
}
