package process

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jnesss/filemon/filemon"
)

// Tree follows the processes of a filemon log. Live processes are kept until
// they exit; exited ones are retained in an LRU so late lookups (from the web
// UI or rule matching) still resolve.
type Tree struct {
	mu     sync.RWMutex
	live   map[int32]*Info
	exited *lru.Cache
	now    func() time.Time
}

// NewTree creates a tree remembering up to retain exited processes.
func NewTree(retain int) (*Tree, error) {
	exited, err := lru.New(retain)
	if err != nil {
		return nil, err
	}
	return &Tree{
		live:   make(map[int32]*Info),
		exited: exited,
		now:    time.Now,
	}, nil
}

// Add registers a process, typically the traced root.
func (t *Tree) Add(info Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info.Started.IsZero() {
		info.Started = t.now()
	}
	t.live[info.PID] = &info
}

// ObserveLine updates the tree from one log line.
func (t *Tree) ObserveLine(l filemon.Line) {
	switch l.Op {
	case filemon.OpFork, filemon.OpExec, filemon.OpChdir, filemon.OpExit:
	default:
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.ensure(l.PID)
	switch l.Op {
	case filemon.OpFork:
		child := &Info{
			PID:        int32(l.Value),
			PPID:       p.PID,
			Image:      p.Image,
			ImageMD5:   p.ImageMD5,
			CmdLine:    p.CmdLine,
			Username:   p.Username,
			WorkingDir: p.WorkingDir,
			Started:    t.now(),
		}
		t.exited.Remove(child.PID)
		t.live[child.PID] = child

	case filemon.OpExec:
		if len(l.Paths) > 0 {
			p.Image = resolve(p.WorkingDir, l.Paths[0])
			p.ImageMD5 = ""
			p.CmdLine = ""
		}

	case filemon.OpChdir:
		if len(l.Paths) > 0 {
			if p.WorkingDir != "" {
				p.WorkingDirHistory = append(p.WorkingDirHistory, p.WorkingDir)
			}
			p.WorkingDir = resolve(p.WorkingDir, l.Paths[0])
		}

	case filemon.OpExit:
		p.Exited = true
		p.ExitStatus = l.Value
		p.ExitTime = t.now()
		delete(t.live, p.PID)
		t.exited.Add(p.PID, *p)
	}
}

func (t *Tree) ensure(pid int32) *Info {
	if p, ok := t.live[pid]; ok {
		return p
	}
	p := &Info{PID: pid, Started: t.now()}
	t.live[pid] = p
	return p
}

// SetImageHash records the hash of image for pid, unless the process has
// since exec'd something else.
func (t *Tree) SetImageHash(pid int32, image, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.live[pid]; ok && p.Image == image {
		p.ImageMD5 = hash
	}
}

// Get returns a copy of the process record for pid.
func (t *Tree) Get(pid int32) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.get(pid)
}

func (t *Tree) get(pid int32) (Info, bool) {
	if p, ok := t.live[pid]; ok {
		return *p, true
	}
	if v, ok := t.exited.Peek(pid); ok {
		return v.(Info), true
	}
	return Info{}, false
}

// Parent returns the parent of pid when it is known.
func (t *Tree) Parent(pid int32) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.get(pid)
	if !ok || p.PPID == 0 {
		return Info{}, false
	}
	return t.get(p.PPID)
}

// List returns every known process ordered by pid.
func (t *Tree) List() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Info, 0, len(t.live)+t.exited.Len())
	for _, p := range t.live {
		out = append(out, *p)
	}
	for _, k := range t.exited.Keys() {
		if v, ok := t.exited.Peek(k); ok {
			out = append(out, v.(Info))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Resolve makes path absolute against the working directory of pid, when
// that is known.
func (t *Tree) Resolve(pid int32, path string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.get(pid)
	if !ok {
		return path
	}
	return resolve(p.WorkingDir, path)
}

func resolve(cwd, path string) string {
	if path == "" || filepath.IsAbs(path) || cwd == "" {
		return path
	}
	return filepath.Join(cwd, path)
}
