package ktrace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// Status reports the outcome of a single Reader step.
type Status int

const (
	// StatusDone means the stream ended cleanly; no more frames will arrive.
	StatusDone Status = iota
	// StatusWait means no frame was completed and the source has no data
	// right now. The caller should wait for read readiness before stepping again.
	StatusWait
	// StatusAgain means progress was made and more data may already be
	// buffered. The caller should step again.
	StatusAgain
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusWait:
		return "wait"
	case StatusAgain:
		return "again"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

var (
	// ErrFraming is returned when a header declares an impossible payload length.
	ErrFraming = errors.New("ktrace: framing violation")

	// ErrTruncated is returned when the stream ends inside a frame.
	ErrTruncated = errors.New("ktrace: stream ended inside a frame")

	// ErrWouldBlock may be returned by non-blocking sources that have no data.
	ErrWouldBlock = errors.New("ktrace: read would block")
)

// Handler receives completed frames. The payload slice is only valid for the
// duration of the call.
type Handler interface {
	HandleFrame(h Header, payload []byte)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(h Header, payload []byte)

// HandleFrame calls f(h, payload).
func (f HandlerFunc) HandleFrame(h Header, payload []byte) { f(h, payload) }

type readState int

const (
	stateStart readState = iota
	stateHeader
	statePayload
	stateError
)

// Reader frames a non-blocking byte stream into (Header, payload) pairs.
// A frame may arrive across any number of reads; Reader never issues more
// than one Read per Step and never waits for data.
type Reader struct {
	src     io.Reader
	state   readState
	hbuf    [HeaderSize]byte
	hdr     Header
	payload []byte
	have    int
	need    int
	err     error
}

// NewReader returns a Reader consuming src.
func NewReader(src io.Reader) *Reader {
	return &Reader{
		src:     src,
		state:   stateStart,
		payload: make([]byte, MaxPayload),
	}
}

// Err returns the sticky error of a failed Reader.
func (r *Reader) Err() error {
	return r.err
}

// InFrame reports whether a partially read frame is buffered.
func (r *Reader) InFrame() bool {
	return r.state == statePayload || (r.state == stateHeader && r.have > 0)
}

// Step attempts to fill the bytes still needed for the current frame with a
// single read. Completed frames are passed to h before Step returns.
func (r *Reader) Step(h Handler) (Status, error) {
	switch r.state {
	case stateError:
		return StatusDone, r.err
	case stateStart:
		r.expectHeader()
	}

	n, err := r.src.Read(r.window())
	if n <= 0 {
		switch {
		case err == nil, isTransient(err):
			return StatusWait, nil
		case errors.Is(err, io.EOF):
			if !r.InFrame() {
				return StatusDone, nil
			}
			return r.fail(fmt.Errorf("%w: have %d of %d bytes", ErrTruncated, r.have, r.need))
		default:
			return r.fail(fmt.Errorf("ktrace: read: %w", err))
		}
	}

	r.have += n
	if r.have < r.need {
		return StatusWait, nil
	}

	switch r.state {
	case stateHeader:
		hdr, err := DecodeHeader(r.hbuf[:])
		if err != nil {
			return r.fail(err)
		}
		if hdr.Len < 0 || hdr.Len > MaxPayload {
			return r.fail(fmt.Errorf("%w: payload length %d (max %d)", ErrFraming, hdr.Len, MaxPayload))
		}
		r.hdr = hdr
		r.state = statePayload
		r.have = 0
		r.need = int(hdr.Len)
		if r.need == 0 {
			r.dispatch(h)
		}
	case statePayload:
		r.dispatch(h)
	}
	return StatusAgain, nil
}

func (r *Reader) dispatch(h Handler) {
	if h != nil {
		h.HandleFrame(r.hdr, r.payload[:r.need])
	}
	r.expectHeader()
}

func (r *Reader) expectHeader() {
	r.state = stateHeader
	r.have = 0
	r.need = HeaderSize
}

func (r *Reader) window() []byte {
	if r.state == stateHeader {
		return r.hbuf[r.have:r.need]
	}
	return r.payload[r.have:r.need]
}

func (r *Reader) fail(err error) (Status, error) {
	r.state = stateError
	r.err = err
	return StatusDone, err
}

// isTransient reports whether err means "no data now" rather than failure.
func isTransient(err error) bool {
	return errors.Is(err, ErrWouldBlock) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
