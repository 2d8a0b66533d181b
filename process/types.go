package process

import (
	"time"
)

// Info is what the filemon log tells us about one process.
type Info struct {
	PID      int32     `json:"pid"`
	PPID     int32     `json:"ppid"`
	Image    string    `json:"image,omitempty"`
	ImageMD5 string    `json:"image_md5,omitempty"`
	CmdLine  string    `json:"cmdline,omitempty"`
	Username string    `json:"username,omitempty"`
	Started  time.Time `json:"started"`

	// Directory tracking
	WorkingDir        string   `json:"cwd,omitempty"`
	WorkingDirHistory []string `json:"cwd_history,omitempty"`

	Exited     bool      `json:"exited"`
	ExitStatus int64     `json:"exit_status"`
	ExitTime   time.Time `json:"exit_time,omitempty"`
}

// Tracker is the read side of a process tree.
type Tracker interface {
	Get(pid int32) (Info, bool)
	List() []Info
}
