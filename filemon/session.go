// Package filemon correlates a ktrace stream into the filemon log: the
// filesystem operations (opens, renames, links, unlinks, chdir) and process
// lifecycle events (fork, exec, exit) of a monitored process tree.
package filemon

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/jnesss/filemon/ktrace"
)

// Status is the outcome of a Session step.
type Status = ktrace.Status

const (
	StatusDone  = ktrace.StatusDone
	StatusWait  = ktrace.StatusWait
	StatusAgain = ktrace.StatusAgain
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("filemon: session closed")

	// ErrNoAttacher is returned by SetPIDChild when the session cannot
	// attach tracing to a process.
	ErrNoAttacher = errors.New("filemon: no attacher configured")
)

// Observer receives every line the session emits.
type Observer interface {
	ObserveLine(Line)
}

// Attacher starts tracing of a process from within the traced side.
type Attacher interface {
	Attach(pid int32) error
}

// Metrics counts what the session does. Implementations must be cheap; they
// are called on the hot path.
type Metrics interface {
	FrameDispatched(recordType uint16)
	AnomalyObserved(a Anomaly)
	LineEmitted(op byte)
}

type nopMetrics struct{}

func (nopMetrics) FrameDispatched(uint16) {}
func (nopMetrics) AnomalyObserved(Anomaly) {}
func (nopMetrics) LineEmitted(byte) {}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithObserver adds an observer of emitted lines.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

// WithAttacher sets the attacher used by SetPIDChild.
func WithAttacher(a Attacher) Option {
	return func(s *Session) { s.attacher = a }
}

// WithPolicies replaces the syscall policy table.
func WithPolicies(p Policies) Option {
	return func(s *Session) { s.policies = p }
}

// WithTargetPID sets the pid announced in the log header. It defaults to
// the pid of the calling process.
func WithTargetPID(pid int) Option {
	return func(s *Session) { s.targetPID = pid }
}

// Session turns one ktrace stream into filemon log lines. A Session is
// driven by a single goroutine: the host waits for the source to become
// readable and calls Step.
type Session struct {
	logger    *zap.Logger
	metrics   Metrics
	observers []Observer
	attacher  Attacher
	policies  Policies
	targetPID int

	src    io.Reader
	reader *ktrace.Reader
	table  *Table
	out    *lineSink

	root     int32
	finished bool
	failed   bool
	closed   bool
}

// Open creates a session reading ktrace frames from src. If src is an
// io.Closer it is closed by Close.
func Open(src io.Reader, opts ...Option) (*Session, error) {
	if src == nil {
		return nil, errors.New("filemon: nil source")
	}
	s := &Session{
		logger:    zap.NewNop(),
		metrics:   nopMetrics{},
		policies:  DefaultPolicies(),
		targetPID: os.Getpid(),
		src:       src,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reader = ktrace.NewReader(src)
	s.table = NewTable(s.policies)
	return s, nil
}

// SetOutput attaches w as the log sink, replacing any previous sink. The
// previous sink is flushed and closed first and its deferred error, if any,
// is returned; the new sink is attached regardless. A nil w detaches output.
// If w is an io.Closer the session owns it.
func (s *Session) SetOutput(w io.Writer) error {
	if s.closed {
		return ErrClosed
	}
	var err error
	if s.out != nil {
		err = s.out.Close()
		s.out = nil
	}
	if w == nil {
		return err
	}

	s.out = newLineSink(w)
	for _, l := range headerLines(s.targetPID) {
		s.out.WriteLine(l)
	}
	return errors.Join(err, s.out.Flush())
}

// SetPIDParent sets the root monitored process from the supervising side.
func (s *Session) SetPIDParent(pid int32) {
	s.root = pid
	s.finished = false
	s.logger.Info("monitoring process", zap.Int32("pid", pid))
}

// SetPIDChild attaches tracing to pid and makes it the root monitored
// process. It is meant to be called for the process about to run the
// traced program.
func (s *Session) SetPIDChild(pid int32) error {
	if s.closed {
		return ErrClosed
	}
	if s.attacher == nil {
		return ErrNoAttacher
	}
	if err := s.attacher.Attach(pid); err != nil {
		return fmt.Errorf("filemon: attach pid %d: %w", pid, err)
	}
	s.SetPIDParent(pid)
	return nil
}

// Root returns the root monitored pid.
func (s *Session) Root() int32 {
	return s.root
}

// Finished reports whether the root process has exited.
func (s *Session) Finished() bool {
	return s.finished
}

// Pending returns the number of syscalls awaiting their return.
func (s *Session) Pending() int {
	return s.table.Len()
}

// Step processes whatever the source has available now, at most one read.
// It returns StatusDone once the stream ended or the root process exited,
// StatusWait when the caller should wait for readiness, and StatusAgain when
// more data may already be buffered. A framing error is permanent: every
// later Step returns it.
func (s *Session) Step() (Status, error) {
	if s.closed {
		return StatusDone, ErrClosed
	}
	if s.finished {
		return StatusDone, nil
	}

	st, err := s.reader.Step(s)
	if err != nil {
		if !s.failed {
			s.failed = true
			s.logger.Error("trace stream unusable", zap.Error(err))
		}
		return StatusDone, err
	}
	if s.finished {
		return StatusDone, nil
	}
	return st, nil
}

// Flush writes buffered lines and reports the deferred sink error.
func (s *Session) Flush() error {
	if s.out == nil {
		return nil
	}
	return s.out.Flush()
}

// Close releases every pending syscall without output, closes the sink and
// the source. Closing a closed session is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if n := s.table.Reset(); n > 0 {
		s.logger.Debug("dropping syscalls that never returned", zap.Int("count", n))
	}

	var errs []error
	if s.out != nil {
		errs = append(errs, s.out.Close())
		s.out = nil
	}
	if c, ok := s.src.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("filemon: close source: %w", err))
		}
	}
	return errors.Join(errs...)
}

// HandleFrame implements ktrace.Handler.
func (s *Session) HandleFrame(h ktrace.Header, payload []byte) {
	if s.finished {
		return
	}
	s.metrics.FrameDispatched(h.Type)

	ev, anomaly := Classify(h, payload, s.policies)
	if anomaly != AnomalyNone {
		s.anomaly(anomaly, Identity{PID: h.PID, LID: h.LID}, 0)
		return
	}

	switch e := ev.(type) {
	case SyscallEntry:
		d, anomaly := s.table.Enter(e)
		if anomaly != AnomalyNone {
			s.anomaly(anomaly, e.ID, e.Code)
			return
		}
		if d.Kind == KindExit {
			s.exit(e)
		}

	case PathResolved:
		if anomaly := s.table.Path(e); anomaly != AnomalyNone {
			s.anomaly(anomaly, e.ID, 0)
		}

	case SyscallReturn:
		p, anomaly := s.table.Return(e)
		if anomaly != AnomalyNone {
			s.anomaly(anomaly, e.ID, e.Code)
			return
		}
		if s.out == nil && len(s.observers) == 0 {
			return
		}
		for _, l := range Encode(e.ID.PID, p, e) {
			s.emit(l)
		}
	}
}

func (s *Session) exit(e SyscallEntry) {
	// exit(2) takes an int; the upper half of the argument word is noise.
	var status int64
	if len(e.Args) > 0 {
		status = int64(int32(e.Args[0]))
	}
	s.emit(ExitLine(e.ID.PID, status))

	if e.ID.PID == s.root {
		if s.out != nil {
			s.out.WriteLine(byeComment)
		}
		s.finished = true
		s.logger.Info("monitored process exited", zap.Int32("pid", e.ID.PID), zap.Int64("status", status))
	}
}

func (s *Session) emit(l Line) {
	s.metrics.LineEmitted(l.Op)
	if s.out != nil {
		s.out.WriteLine(l.String())
	}
	for _, o := range s.observers {
		o.ObserveLine(l)
	}
}

func (s *Session) anomaly(a Anomaly, id Identity, code int32) {
	s.metrics.AnomalyObserved(a)
	if ce := s.logger.Check(zap.DebugLevel, "dropping trace record"); ce != nil {
		ce.Write(
			zap.Stringer("reason", a),
			zap.Int32("pid", id.PID),
			zap.Int32("lid", id.LID),
			zap.Int32("code", code),
		)
	}
}
