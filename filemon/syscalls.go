package filemon

// Syscall codes, NetBSD numbering.
const (
	SysExit        int32 = 1
	SysFork        int32 = 2
	SysOpen        int32 = 5
	SysLink        int32 = 9
	SysUnlink      int32 = 10
	SysChdir       int32 = 12
	SysSymlink     int32 = 57
	SysExecve      int32 = 59
	SysVfork       int32 = 66
	SysRename      int32 = 128
	SysPosixRename int32 = 270
	SysVfork14     int32 = 282
	SysOpenat      int32 = 468
	MaxSyscall     int32 = 512
)

// open(2) flags and *at(2) constants.
const (
	OWronly = 0x1
	ORdwr   = 0x2

	ATFdcwd = -100
)

// EJustReturn is the errno of a return the kernel short-circuited. It is not
// a failure for logging purposes.
const EJustReturn int32 = -2

// succeeded reports whether a syscall return counts as success for output.
func succeeded(errno int32) bool {
	return errno == 0 || errno == EJustReturn
}
