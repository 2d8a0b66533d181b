package filemon

import (
	"fmt"
	"io"
)

const sinkFlushSize = 4096

// lineSink buffers whole lines and hands them to the writer in a single
// Write per flush, so the underlying file never sees a partial line. The
// first write error is kept and reported by every later Flush or Close.
type lineSink struct {
	w   io.Writer
	buf []byte
	err error
}

func newLineSink(w io.Writer) *lineSink {
	return &lineSink{w: w, buf: make([]byte, 0, sinkFlushSize)}
}

func (s *lineSink) WriteLine(line string) {
	if s.err != nil {
		return
	}
	s.buf = append(s.buf, line...)
	s.buf = append(s.buf, '\n')
	if len(s.buf) >= sinkFlushSize {
		s.Flush()
	}
}

func (s *lineSink) Flush() error {
	if s.err != nil || len(s.buf) == 0 {
		return s.err
	}
	n, err := s.w.Write(s.buf)
	if err == nil && n < len(s.buf) {
		err = io.ErrShortWrite
	}
	s.buf = s.buf[:0]
	if err != nil {
		s.err = fmt.Errorf("filemon: write output: %w", err)
	}
	return s.err
}

// Close flushes and closes the writer when it is an io.Closer.
func (s *lineSink) Close() error {
	err := s.Flush()
	if c, ok := s.w.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("filemon: close output: %w", cerr)
		}
	}
	return err
}
