package process

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"
)

// ProcRoot is where procfs is mounted.
var ProcRoot = "/proc"

// Simple cache for username lookups
var (
	usernameCacheMutex sync.RWMutex
	usernameCache      = make(map[string]string)
)

func usernameFromUID(uid string) string {
	usernameCacheMutex.RLock()
	if name, ok := usernameCache[uid]; ok {
		usernameCacheMutex.RUnlock()
		return name
	}
	usernameCacheMutex.RUnlock()

	u, err := user.LookupId(uid)
	if err != nil {
		return ""
	}
	usernameCacheMutex.Lock()
	usernameCache[uid] = u.Username
	usernameCacheMutex.Unlock()
	return u.Username
}

// CollectProcMetadata reads what procfs knows about pid. It returns false when
// the process is gone or procfs is unavailable.
func CollectProcMetadata(pid int32) (Info, bool) {
	dir := fmt.Sprintf("%s/%d", ProcRoot, pid)
	if _, err := os.Stat(dir); err != nil {
		return Info{}, false
	}

	info := Info{PID: pid}
	if exe, err := os.Readlink(dir + "/exe"); err == nil {
		info.Image = exe
	}

	if raw, err := os.ReadFile(dir + "/cmdline"); err == nil && len(raw) > 0 {
		var args []string
		for _, arg := range bytes.Split(raw, []byte{0}) {
			if len(arg) > 0 {
				args = append(args, string(arg))
			}
		}
		info.CmdLine = strings.Join(args, " ")
	}

	if cwd, err := os.Readlink(dir + "/cwd"); err == nil {
		info.WorkingDir = cwd
	}

	if status, err := os.ReadFile(dir + "/status"); err == nil {
		for _, line := range strings.Split(string(status), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			switch fields[0] {
			case "PPid:":
				fmt.Sscanf(fields[1], "%d", &info.PPID)
			case "Uid:":
				info.Username = usernameFromUID(fields[1])
			}
		}
	}
	return info, true
}
