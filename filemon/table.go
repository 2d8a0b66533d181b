package filemon

// Pending is a syscall whose entry has been seen but not its return.
type Pending struct {
	Code     int32
	Decision Decision
	Paths    []string
}

// Complete reports whether every expected path has been collected.
func (p *Pending) Complete() bool {
	return len(p.Paths) == p.Decision.Paths
}

// Table holds at most one pending syscall per identity. It is owned by a
// single session and is not safe for concurrent use.
type Table struct {
	policies Policies
	pending  map[Identity]*Pending
}

// NewTable creates a table that decodes entries with policies.
func NewTable(policies Policies) *Table {
	return &Table{
		policies: policies,
		pending:  make(map[Identity]*Pending),
	}
}

// Enter records a syscall entry. Exit calls are never stored; their
// decision is returned for the caller to act on immediately. When id
// already has a pending syscall the new entry is discarded.
func (t *Table) Enter(e SyscallEntry) (Decision, Anomaly) {
	if !t.policies.Has(e.Code) {
		return Decision{}, AnomalyUnknownSyscall
	}
	d, ok := t.policies.Decide(e.Code, e.Args)
	if !ok {
		return Decision{}, AnomalyUntracked
	}
	if d.Kind == KindExit {
		return d, AnomalyNone
	}
	if _, exists := t.pending[e.ID]; exists {
		return Decision{}, AnomalyCollision
	}
	t.pending[e.ID] = &Pending{
		Code:     e.Code,
		Decision: d,
		Paths:    make([]string, 0, d.Paths),
	}
	return d, AnomalyNone
}

// Path fills the next path slot of the syscall pending for e.ID.
func (t *Table) Path(e PathResolved) Anomaly {
	p, ok := t.pending[e.ID]
	if !ok {
		return AnomalyOrphanPath
	}
	if p.Complete() {
		return AnomalyExcessPath
	}
	p.Paths = append(p.Paths, e.Path)
	return AnomalyNone
}

// Return removes the syscall pending for e.ID. The entry is handed back only
// when it is complete and was opened for the same syscall code.
func (t *Table) Return(e SyscallReturn) (*Pending, Anomaly) {
	p, ok := t.pending[e.ID]
	if !ok {
		return nil, AnomalyOrphanReturn
	}
	delete(t.pending, e.ID)

	if p.Code != e.Code {
		return nil, AnomalyCodeMismatch
	}
	if !p.Complete() {
		return nil, AnomalyIncompletePaths
	}
	return p, AnomalyNone
}

// Get returns the syscall pending for id.
func (t *Table) Get(id Identity) (*Pending, bool) {
	p, ok := t.pending[id]
	return p, ok
}

// Len returns the number of pending syscalls.
func (t *Table) Len() int {
	return len(t.pending)
}

// Reset drops every pending syscall and returns how many were dropped.
func (t *Table) Reset() int {
	n := len(t.pending)
	t.pending = make(map[Identity]*Pending)
	return n
}
