// Package proc holds the shared process-supervision types exchanged between
// the cell registry and the executable supervisor.
package proc

import "celld/internal/cells/cgroups"

// SpawnRequest describes one process to fork/exec inside a cell's kernel state.
type SpawnRequest struct {
	CellName       string
	ExecutableName string
	Argv           []string
	WorkDir        string
	Description    string
	IsolateProcess bool
	IsolateNetwork bool
	// Cgroup is the resource group the child joins before exec. Nil means
	// the child stays in the daemon's own group.
	Cgroup *cgroups.Handle
	// UID/GID are the requested credentials. Nil means inherit the daemon's.
	UID *uint32
	GID *uint32
}

// ExitStatus is the reaped result of one supervised process.
type ExitStatus struct {
	Code     int
	Signaled bool
}

// ExitEvent is emitted by the supervisor whenever a process terminates,
// whether through an explicit stop or on its own.
type ExitEvent struct {
	CellName       string
	ExecutableName string
	Pid            int
	Status         ExitStatus
}

// Handle carries the live process state owned by the supervisor.
type Handle interface {
	Pid() int
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// ExitStatus is valid only after Done is closed.
	ExitStatus() ExitStatus
}
