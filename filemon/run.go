package filemon

import (
	"context"
	"errors"
	"time"
)

// Poller blocks until the session source is readable.
type Poller interface {
	WaitReadable(ctx context.Context) error
}

// idlePoll is how long Run sleeps between steps when no Poller is given.
const idlePoll = 10 * time.Millisecond

// Run drives s until the trace ends, the root process exits or ctx is
// cancelled. Output is flushed every time the source runs dry. Run does not
// close the session.
func Run(ctx context.Context, s *Session, p Poller) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, s.Flush())
		}

		st, err := s.Step()
		if err != nil {
			return errors.Join(err, s.Flush())
		}

		switch st {
		case StatusDone:
			return s.Flush()
		case StatusAgain:
			continue
		}

		if err := s.Flush(); err != nil {
			return err
		}
		if err := wait(ctx, p); err != nil {
			return errors.Join(err, s.Flush())
		}
	}
}

func wait(ctx context.Context, p Poller) error {
	if p != nil {
		return p.WaitReadable(ctx)
	}
	t := time.NewTimer(idlePoll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
