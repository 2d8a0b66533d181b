package filemon

import (
	"fmt"

	"github.com/jnesss/filemon/ktrace"
)

// Identity is the correlation key of a traced thread.
type Identity struct {
	PID int32
	LID int32
}

func (id Identity) String() string {
	return fmt.Sprintf("%d/%d", id.PID, id.LID)
}

// Event is a classified trace record.
type Event interface {
	Identity() Identity
}

// SyscallEntry is a syscall that has been entered.
type SyscallEntry struct {
	ID   Identity
	Code int32
	Args []int64
}

// PathResolved is a pathname the kernel resolved on behalf of a syscall.
type PathResolved struct {
	ID   Identity
	Path string
}

// SyscallReturn is a syscall that has returned.
type SyscallReturn struct {
	ID     Identity
	Code   int32
	Error  int32
	Retval int64
}

func (e SyscallEntry) Identity() Identity { return e.ID }
func (e PathResolved) Identity() Identity { return e.ID }
func (e SyscallReturn) Identity() Identity { return e.ID }

// Anomaly names a tolerated protocol violation.
type Anomaly int

const (
	AnomalyNone Anomaly = iota
	AnomalyUnknownType
	AnomalyMalformed
	AnomalyUnknownSyscall
	AnomalyOrphanPath
	AnomalyExcessPath
	AnomalyOrphanReturn
	AnomalyCodeMismatch
	AnomalyIncompletePaths
	AnomalyCollision
	AnomalyUntracked
)

var anomalyNames = [...]string{
	AnomalyNone:            "none",
	AnomalyUnknownType:     "unknown_type",
	AnomalyMalformed:       "malformed",
	AnomalyUnknownSyscall:  "unknown_syscall",
	AnomalyOrphanPath:      "orphan_path",
	AnomalyExcessPath:      "excess_path",
	AnomalyOrphanReturn:    "orphan_return",
	AnomalyCodeMismatch:    "code_mismatch",
	AnomalyIncompletePaths: "incomplete_paths",
	AnomalyCollision:       "collision",
	AnomalyUntracked:       "untracked",
}

func (a Anomaly) String() string {
	if a >= 0 && int(a) < len(anomalyNames) {
		return anomalyNames[a]
	}
	return fmt.Sprintf("Anomaly(%d)", int(a))
}

// Classify decodes a frame into an Event. Records the correlator does not
// track yield a nil Event and the reason they were dropped.
func Classify(h ktrace.Header, payload []byte, policies Policies) (Event, Anomaly) {
	id := Identity{PID: h.PID, LID: h.LID}

	switch h.Type {
	case ktrace.TypeSyscall:
		sc, err := ktrace.DecodeSyscall(payload)
		if err != nil {
			return nil, AnomalyMalformed
		}
		if !policies.Has(sc.Code) {
			return nil, AnomalyUnknownSyscall
		}
		return SyscallEntry{ID: id, Code: sc.Code, Args: sc.Args}, AnomalyNone

	case ktrace.TypeNamei:
		return PathResolved{ID: id, Path: ktrace.DecodeNamei(payload)}, AnomalyNone

	case ktrace.TypeSysret:
		ret, err := ktrace.DecodeSysret(payload)
		if err != nil {
			return nil, AnomalyMalformed
		}
		if !policies.Has(ret.Code) {
			return nil, AnomalyUnknownSyscall
		}
		return SyscallReturn{ID: id, Code: ret.Code, Error: ret.Error, Retval: ret.Retval}, AnomalyNone
	}

	return nil, AnomalyUnknownType
}
