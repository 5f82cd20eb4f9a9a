package service

import (
	"celld/internal/cells/cgroups"
	"celld/internal/cells/registry"
)

// CellSpec describes the cell a caller wants allocated. An empty Name asks
// the daemon to generate one.
type CellSpec struct {
	Name           string                    `json:"name"`
	Cpu            *cgroups.CpuController    `json:"cpu,omitempty"`
	Cpuset         *cgroups.CpusetController `json:"cpuset,omitempty"`
	Memory         *cgroups.MemoryController `json:"memory,omitempty"`
	IsolateProcess bool                      `json:"isolate_process"`
	IsolateNetwork bool                      `json:"isolate_network"`
}

// ExecutableSpec describes a process to start. Command is a full shell-style
// command line; it is tokenized server-side, not passed to a shell.
type ExecutableSpec struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	WorkDir     string `json:"work_dir,omitempty"`
	Description string `json:"description,omitempty"`
}

// AllocateRequest asks for a new cell.
type AllocateRequest struct {
	Cell CellSpec `json:"cell"`
}

// AllocateResponse reports the final (possibly generated) cell name and
// whether the v2 unified hierarchy backs it.
type AllocateResponse struct {
	CellName string `json:"cell_name"`
	CgroupV2 bool   `json:"cgroup_v2"`
}

// FreeRequest destroys an empty cell.
type FreeRequest struct {
	CellName string `json:"cell_name"`
}

// FreeResponse is empty on success.
type FreeResponse struct{}

// StartRequest starts an executable. An empty CellName targets the daemon
// scope: the process runs outside any cell. Nil Uid/Gid inherit the daemon's
// credentials.
type StartRequest struct {
	CellName   string         `json:"cell_name,omitempty"`
	Executable ExecutableSpec `json:"executable"`
	Uid        *uint32        `json:"uid,omitempty"`
	Gid        *uint32        `json:"gid,omitempty"`
}

// StartResponse reports the spawned process identity.
type StartResponse struct {
	Pid int32  `json:"pid"`
	Uid uint32 `json:"uid"`
	Gid uint32 `json:"gid"`
}

// StopRequest stops one executable. CellName semantics mirror StartRequest.
type StopRequest struct {
	CellName       string `json:"cell_name,omitempty"`
	ExecutableName string `json:"executable_name"`
}

// StopResponse is empty on success.
type StopResponse struct{}

// ListResponse is a point-in-time snapshot of the cell tree plus the
// daemon-scope executables.
type ListResponse struct {
	Cells            []*registry.CellView      `json:"cells"`
	LocalExecutables []registry.ExecutableView `json:"local_executables,omitempty"`
}
