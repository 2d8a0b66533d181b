package filemon

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/filemon/ktrace"
)

// pipeSource releases one queued chunk each time the poller is woken.
type pipeSource struct {
	ready  []byte
	queued [][]byte
}

func (p *pipeSource) Read(b []byte) (int, error) {
	if len(p.ready) == 0 {
		return 0, ktrace.ErrWouldBlock
	}
	n := copy(b, p.ready)
	p.ready = p.ready[n:]
	return n, nil
}

type pipePoller struct {
	src   *pipeSource
	waits int
}

func (p *pipePoller) WaitReadable(ctx context.Context) error {
	p.waits++
	if len(p.src.queued) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	p.src.ready = p.src.queued[0]
	p.src.queued = p.src.queued[1:]
	return nil
}

func TestRunUntilRootExit(t *testing.T) {
	open := new(trace).enter(10, 1, SysOpen, 0, 0).path(10, 1, "/a").ret(10, 1, SysOpen, 0, 3)
	exit := new(trace).enter(10, 1, SysExit, 0)

	src := &pipeSource{queued: [][]byte{open.buf, exit.buf}}
	poller := &pipePoller{src: src}

	s := newSession(t, src)
	s.SetPIDParent(10)
	var out bytes.Buffer
	require.NoError(t, s.SetOutput(&out))

	require.NoError(t, Run(context.Background(), s, poller))
	assert.Equal(t, 2, poller.waits)
	assert.Equal(t, []string{"R 10 /a", "X 10 0", "# Bye bye"}, body(t, out.String()))
	require.NoError(t, s.Close())
}

func TestRunFlushesWhileWaiting(t *testing.T) {
	open := new(trace).enter(10, 1, SysOpen, 0, 0).path(10, 1, "/a").ret(10, 1, SysOpen, 0, 3)
	src := &pipeSource{queued: [][]byte{open.buf}}

	s := newSession(t, src)
	var out bytes.Buffer
	require.NoError(t, s.SetOutput(&out))

	ctx, cancel := context.WithCancel(context.Background())
	poller := &cancelPoller{pipePoller: pipePoller{src: src}, cancel: cancel, out: &out}

	err := Run(ctx, s, poller)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"R 10 /a"}, body(t, poller.seen))
	require.NoError(t, s.Close())
}

// cancelPoller records what had reached the sink when the source ran dry
// and then cancels the run.
type cancelPoller struct {
	pipePoller
	cancel context.CancelFunc
	out    *bytes.Buffer
	seen   string
}

func (p *cancelPoller) WaitReadable(ctx context.Context) error {
	if len(p.src.queued) == 0 {
		p.seen = p.out.String()
		p.cancel()
	}
	return p.pipePoller.WaitReadable(ctx)
}

func TestRunWithoutPoller(t *testing.T) {
	tr := new(trace).enter(10, 1, SysFork).ret(10, 1, SysFork, 0, 11)
	s := newSession(t, tr.source())
	var out bytes.Buffer
	require.NoError(t, s.SetOutput(&out))

	require.NoError(t, Run(context.Background(), s, nil))
	assert.Equal(t, []string{"F 10 11"}, body(t, out.String()))
}

func TestRunReportsFramingError(t *testing.T) {
	b := ktrace.AppendFrame(nil, ktrace.Header{Type: ktrace.TypeNamei}, nil)
	b[0] = 0xff
	b[3] = 0x7f

	s := newSession(t, bytes.NewReader(b))
	err := Run(context.Background(), s, nil)
	require.ErrorIs(t, err, ktrace.ErrFraming)
}
