//go:build linux

// Package nsenv decides which kernel namespaces a cell unshares and builds
// the pre-exec environment the supervisor applies at fork time.
package nsenv

import (
	"golang.org/x/sys/unix"
)

// ExecEnvironment is the pre-exec configuration for one cell. It is a pure
// function of the cell's isolation flags and carries no state.
type ExecEnvironment struct {
	CloneFlags     uintptr
	IsolateProcess bool
	IsolateNetwork bool
}

// BuildEnvironment maps isolation flags onto namespace unshare flags.
// The cgroup namespace is always unshared, independent of flags, so a cell
// never observes groups outside its own subtree.
func BuildEnvironment(isolateProcess, isolateNetwork bool) ExecEnvironment {
	flags := uintptr(unix.CLONE_NEWCGROUP)
	if isolateProcess {
		flags |= unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS
	}
	if isolateNetwork {
		flags |= unix.CLONE_NEWNET
	}
	return ExecEnvironment{
		CloneFlags:     flags,
		IsolateProcess: isolateProcess,
		IsolateNetwork: isolateNetwork,
	}
}
