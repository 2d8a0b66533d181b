package filemon

import (
	"strconv"
	"strings"
)

// Line operation codes of the filemon log.
const (
	OpChdir    byte = 'C'
	OpExec     byte = 'E'
	OpFork     byte = 'F'
	OpLink     byte = 'L'
	OpRead     byte = 'R'
	OpWrite    byte = 'W'
	OpAncestor byte = 'A'
	OpUnlink   byte = 'D'
	OpRename   byte = 'M'
	OpExit     byte = 'X'
)

// Log header and trailer.
const (
	Version    = 4
	byeComment = "# Bye bye"
)

// Line is one event of the filemon log. F and X lines carry Value instead
// of paths.
type Line struct {
	Op    byte
	PID   int32
	Paths []string
	Value int64
}

// String renders the line without its trailing newline. When more than one
// path is present every path is single-quoted.
func (l Line) String() string {
	var b strings.Builder
	b.WriteByte(l.Op)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(int64(l.PID), 10))

	if l.Op == OpFork || l.Op == OpExit {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(l.Value, 10))
		return b.String()
	}

	quote := len(l.Paths) > 1
	for _, p := range l.Paths {
		b.WriteByte(' ')
		if quote {
			b.WriteByte('\'')
		}
		b.WriteString(p)
		if quote {
			b.WriteByte('\'')
		}
	}
	return b.String()
}

// ExitLine renders the exit of pid.
func ExitLine(pid int32, status int64) Line {
	return Line{Op: OpExit, PID: pid, Value: status}
}

// Encode renders a completed syscall into log lines. A syscall that failed
// with anything but EJustReturn renders nothing.
func Encode(pid int32, p *Pending, ret SyscallReturn) []Line {
	if !succeeded(ret.Error) {
		return nil
	}

	paths := p.Paths
	switch p.Decision.Kind {
	case KindChdir:
		return []Line{{Op: OpChdir, PID: pid, Paths: paths}}
	case KindExec:
		return []Line{{Op: OpExec, PID: pid, Paths: paths}}
	case KindFork:
		return []Line{{Op: OpFork, PID: pid, Value: ret.Retval}}
	case KindLink:
		return []Line{{Op: OpLink, PID: pid, Paths: paths}}
	case KindUnlink:
		return []Line{{Op: OpUnlink, PID: pid, Paths: paths}}
	case KindRename:
		return []Line{{Op: OpRename, PID: pid, Paths: paths}}
	case KindOpenRead, KindOpenWrite, KindOpenReadWrite:
		return encodeOpen(pid, p)
	}
	return nil
}

func encodeOpen(pid int32, p *Pending) []Line {
	var lines []Line
	paths := p.Paths
	if p.Decision.Relative {
		dir, path := paths[0], paths[1]
		if !strings.HasPrefix(path, "/") {
			lines = append(lines, Line{Op: OpAncestor, PID: pid, Paths: []string{dir}})
		}
		paths = paths[1:]
	}

	kind := p.Decision.Kind
	if kind == KindOpenRead || kind == KindOpenReadWrite {
		lines = append(lines, Line{Op: OpRead, PID: pid, Paths: paths})
	}
	if kind == KindOpenWrite || kind == KindOpenReadWrite {
		lines = append(lines, Line{Op: OpWrite, PID: pid, Paths: paths})
	}
	return lines
}

func headerLines(targetPID int) []string {
	return []string{
		"# filemon version " + strconv.Itoa(Version),
		"# Target pid " + strconv.Itoa(targetPID),
		"V " + strconv.Itoa(Version),
	}
}
