package filemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicies(t *testing.T) {
	p := DefaultPolicies()

	tests := []struct {
		name string
		code int32
		args []int64
		want Decision
		ok   bool
	}{
		{"open read", SysOpen, []int64{0, 0}, Decision{Paths: 1, Kind: KindOpenRead}, true},
		{"open write", SysOpen, []int64{0, OWronly}, Decision{Paths: 1, Kind: KindOpenWrite}, true},
		{"open rdwr", SysOpen, []int64{0, ORdwr}, Decision{Paths: 1, Kind: KindOpenReadWrite}, true},
		{"open both bits", SysOpen, []int64{0, OWronly | ORdwr}, Decision{Paths: 1, Kind: KindOpenReadWrite}, true},
		{"open short args", SysOpen, []int64{0}, Decision{}, false},
		{"openat cwd", SysOpenat, []int64{ATFdcwd, 0, 0}, Decision{Paths: 1, Kind: KindOpenRead}, true},
		{"openat dirfd", SysOpenat, []int64{5, 0, OWronly}, Decision{Paths: 2, Kind: KindOpenWrite, Relative: true}, true},
		{"openat short args", SysOpenat, []int64{5, 0}, Decision{}, false},
		{"vfork", SysVfork14, nil, Decision{Kind: KindFork}, true},
		{"posix rename", SysPosixRename, nil, Decision{Paths: 2, Kind: KindRename}, true},
		{"exit", SysExit, []int64{0}, Decision{Kind: KindExit}, true},
		{"unregistered", 3, nil, Decision{}, false},
		{"negative", -1, nil, Decision{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.Decide(tt.code, tt.args)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTableLifecycle(t *testing.T) {
	tbl := NewTable(DefaultPolicies())
	id := Identity{PID: 10, LID: 1}

	d, a := tbl.Enter(SyscallEntry{ID: id, Code: SysRename})
	require.Equal(t, AnomalyNone, a)
	assert.Equal(t, 2, d.Paths)

	_, a = tbl.Enter(SyscallEntry{ID: id, Code: SysUnlink})
	assert.Equal(t, AnomalyCollision, a)

	p, ok := tbl.Get(id)
	require.True(t, ok)
	assert.Equal(t, SysRename, p.Code)

	assert.Equal(t, AnomalyNone, tbl.Path(PathResolved{ID: id, Path: "/a"}))
	assert.False(t, p.Complete())
	assert.Equal(t, AnomalyNone, tbl.Path(PathResolved{ID: id, Path: "/b"}))
	assert.True(t, p.Complete())
	assert.Equal(t, AnomalyExcessPath, tbl.Path(PathResolved{ID: id, Path: "/c"}))

	got, a := tbl.Return(SyscallReturn{ID: id, Code: SysRename})
	require.Equal(t, AnomalyNone, a)
	assert.Equal(t, []string{"/a", "/b"}, got.Paths)
	assert.Zero(t, tbl.Len())

	_, a = tbl.Return(SyscallReturn{ID: id, Code: SysRename})
	assert.Equal(t, AnomalyOrphanReturn, a)
}

func TestTableExitIsNotStored(t *testing.T) {
	tbl := NewTable(DefaultPolicies())
	d, a := tbl.Enter(SyscallEntry{ID: Identity{PID: 1, LID: 1}, Code: SysExit, Args: []int64{0}})
	require.Equal(t, AnomalyNone, a)
	assert.Equal(t, KindExit, d.Kind)
	assert.Zero(t, tbl.Len())
}

func TestTableReturnAlwaysRemoves(t *testing.T) {
	tbl := NewTable(DefaultPolicies())
	id := Identity{PID: 1, LID: 1}

	tbl.Enter(SyscallEntry{ID: id, Code: SysOpen, Args: []int64{0, 0}})
	_, a := tbl.Return(SyscallReturn{ID: id, Code: SysOpen})
	assert.Equal(t, AnomalyIncompletePaths, a)
	assert.Zero(t, tbl.Len())

	tbl.Enter(SyscallEntry{ID: id, Code: SysChdir})
	tbl.Path(PathResolved{ID: id, Path: "/"})
	_, a = tbl.Return(SyscallReturn{ID: id, Code: SysUnlink})
	assert.Equal(t, AnomalyCodeMismatch, a)
	assert.Zero(t, tbl.Len())

	tbl.Enter(SyscallEntry{ID: id, Code: SysChdir})
	tbl.Enter(SyscallEntry{ID: Identity{PID: 1, LID: 2}, Code: SysChdir})
	assert.Equal(t, 2, tbl.Reset())
	assert.Zero(t, tbl.Len())
}

func TestTableUntrackedEntry(t *testing.T) {
	tbl := NewTable(DefaultPolicies())
	id := Identity{PID: 1, LID: 1}

	_, a := tbl.Enter(SyscallEntry{ID: id, Code: SysOpen, Args: []int64{0}})
	assert.Equal(t, AnomalyUntracked, a)
	_, a = tbl.Enter(SyscallEntry{ID: id, Code: 3, Args: []int64{0, 0}})
	assert.Equal(t, AnomalyUnknownSyscall, a)
	assert.Zero(t, tbl.Len())
}
