package filemon

// OutputKind selects how a completed syscall is rendered.
type OutputKind int

const (
	KindChdir OutputKind = iota + 1
	KindExec
	KindFork
	KindLink
	KindUnlink
	KindRename
	KindOpenRead
	KindOpenWrite
	KindOpenReadWrite
	KindExit
)

// Decision is what a policy concludes from a syscall entry: how many
// pathnames to collect and how to render the result.
type Decision struct {
	Paths int
	Kind  OutputKind

	// Relative is set for *at() calls made against a directory descriptor.
	// The first collected path is then the directory and the second the
	// path operated on.
	Relative bool
}

// Policy inspects the raw arguments of a syscall entry. It returns false
// when the call should not be tracked.
type Policy func(args []int64) (Decision, bool)

// Policies maps syscall codes to their decode policy. It is built once and
// never mutated afterwards.
type Policies map[int32]Policy

// Has reports whether code is in range and has a registered policy.
func (p Policies) Has(code int32) bool {
	if code < 0 || code >= MaxSyscall {
		return false
	}
	_, ok := p[code]
	return ok
}

// Decide applies the policy registered for code.
func (p Policies) Decide(code int32, args []int64) (Decision, bool) {
	if !p.Has(code) {
		return Decision{}, false
	}
	return p[code](args)
}

// DefaultPolicies returns the policy table for the syscalls filemon reports.
func DefaultPolicies() Policies {
	return Policies{
		SysExit:        fixed(0, KindExit),
		SysFork:        fixed(0, KindFork),
		SysVfork:       fixed(0, KindFork),
		SysVfork14:     fixed(0, KindFork),
		SysChdir:       fixed(1, KindChdir),
		SysExecve:      fixed(1, KindExec),
		SysLink:        fixed(2, KindLink),
		SysSymlink:     fixed(2, KindLink),
		SysUnlink:      fixed(1, KindUnlink),
		SysRename:      fixed(2, KindRename),
		SysPosixRename: fixed(2, KindRename),
		SysOpen:        decideOpen,
		SysOpenat:      decideOpenat,
	}
}

func fixed(paths int, kind OutputKind) Policy {
	return func([]int64) (Decision, bool) {
		return Decision{Paths: paths, Kind: kind}, true
	}
}

// open(path, flags, mode)
func decideOpen(args []int64) (Decision, bool) {
	if len(args) < 2 {
		return Decision{}, false
	}
	return Decision{Paths: 1, Kind: openKind(args[1])}, true
}

// openat(fd, path, flags, mode)
func decideOpenat(args []int64) (Decision, bool) {
	if len(args) < 3 {
		return Decision{}, false
	}
	d := Decision{Paths: 1, Kind: openKind(args[2])}
	if int32(args[0]) != ATFdcwd {
		d.Paths = 2
		d.Relative = true
	}
	return d, true
}

func openKind(flags int64) OutputKind {
	switch {
	case flags&ORdwr == ORdwr:
		return KindOpenReadWrite
	case flags&OWronly == OWronly:
		return KindOpenWrite
	}
	return KindOpenRead
}
