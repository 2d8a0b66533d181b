//go:build unix

package main

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// invoker is the user who ran filemon through sudo.
type invoker struct {
	Name string
	UID  int
	GID  int
}

// sudoInvoker returns the original user when running as root under sudo,
// and nil otherwise.
func sudoInvoker() (*invoker, error) {
	name := os.Getenv("SUDO_USER")
	if name == "" || unix.Geteuid() != 0 {
		return nil, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("look up sudo user: %w", err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("invalid uid: %v", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("invalid gid: %v", err)
	}
	return &invoker{Name: name, UID: uid, GID: gid}, nil
}

// credential runs a child as the invoker instead of root.
func (u *invoker) credential() *syscall.Credential {
	return &syscall.Credential{Uid: uint32(u.UID), Gid: uint32(u.GID)}
}

// chownAll hands root and everything under it to the invoker, so that data
// written while tracing stays readable without sudo.
func (u *invoker) chownAll(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return unix.Lchown(path, u.UID, u.GID)
	})
}
