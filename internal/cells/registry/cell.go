// Package registry is the in-memory, concurrency-safe hierarchical store of
// live cells and their executables.
package registry

import (
	"strings"

	"celld/internal/cells/cgroups"
	"celld/internal/cells/proc"
)

// State tracks where a cell is in its lifecycle. A name can be reserved
// before the kernel group behind it exists; such cells report Provisioning
// instead of silently disappearing from reads.
type State string

const (
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateFreeing      State = "freeing"
)

// ExecutableSpec describes one process to register and start inside a cell.
type ExecutableSpec struct {
	Name        string
	Command     string
	Argv        []string
	WorkDir     string
	Description string
}

// executable is a single supervised process owned by exactly one cell.
type executable struct {
	name        string
	command     string
	description string
	pid         int
	uid         uint32
	gid         uint32
	handle      proc.Handle
	// pending is true between name reservation and spawn commit.
	pending bool
	// stopping marks an explicit stop in flight so it cannot race a second
	// stop or the exit reconciler.
	stopping bool
}

// cell is a named isolation boundary. Children are exclusively owned: a
// child's lifetime never exceeds its parent's.
type cell struct {
	name           string
	spec           cgroups.Spec
	isolateProcess bool
	isolateNetwork bool
	handle         *cgroups.Handle
	state          State

	parent      *cell
	children    map[string]*cell
	childOrder  []string
	executables map[string]*executable
	execOrder   []string
}

func newCell(name string, spec cgroups.Spec, isolateProcess, isolateNetwork bool, parent *cell) *cell {
	return &cell{
		name:           name,
		spec:           spec,
		isolateProcess: isolateProcess,
		isolateNetwork: isolateNetwork,
		state:          StateProvisioning,
		parent:         parent,
		children:       make(map[string]*cell),
		executables:    make(map[string]*executable),
	}
}

func (c *cell) addChild(child *cell) {
	c.children[child.name] = child
	c.childOrder = append(c.childOrder, child.name)
}

func (c *cell) removeChild(name string) {
	delete(c.children, name)
	c.childOrder = removeString(c.childOrder, name)
}

func (c *cell) addExecutable(e *executable) {
	c.executables[e.name] = e
	c.execOrder = append(c.execOrder, e.name)
}

func (c *cell) removeExecutable(name string) {
	delete(c.executables, name)
	c.execOrder = removeString(c.execOrder, name)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// parentName returns the path of the parent cell, or "" for a root name.
func parentName(name string) string {
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

// leafName returns the last path segment of a cell name.
func leafName(name string) string {
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

// ExecutableView is the read model of one running executable.
type ExecutableView struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Pid         int    `json:"pid"`
	Uid         uint32 `json:"uid"`
	Gid         uint32 `json:"gid"`
}

// CellView is the recursive read model produced for List. It is derived by a
// tree walk under the read lock and shares no storage with the registry.
type CellView struct {
	Name           string                    `json:"name"`
	Cpu            *cgroups.CpuController    `json:"cpu,omitempty"`
	Cpuset         *cgroups.CpusetController `json:"cpuset,omitempty"`
	Memory         *cgroups.MemoryController `json:"memory,omitempty"`
	IsolateProcess bool                      `json:"isolate_process"`
	IsolateNetwork bool                      `json:"isolate_network"`
	State          State                     `json:"state"`
	Executables    []ExecutableView          `json:"executables,omitempty"`
	Children       []*CellView               `json:"children,omitempty"`
}

func (c *cell) view() *CellView {
	v := &CellView{
		Name:           c.name,
		Cpu:            cloneCpu(c.spec.Cpu),
		Cpuset:         cloneCpuset(c.spec.Cpuset),
		Memory:         cloneMemory(c.spec.Memory),
		IsolateProcess: c.isolateProcess,
		IsolateNetwork: c.isolateNetwork,
		State:          c.state,
	}
	for _, name := range c.execOrder {
		e := c.executables[name]
		if e == nil || e.pending {
			continue
		}
		v.Executables = append(v.Executables, ExecutableView{
			Name:        e.name,
			Command:     e.command,
			Description: e.description,
			Pid:         e.pid,
			Uid:         e.uid,
			Gid:         e.gid,
		})
	}
	for _, name := range c.childOrder {
		if child := c.children[name]; child != nil {
			v.Children = append(v.Children, child.view())
		}
	}
	return v
}

func cloneCpu(in *cgroups.CpuController) *cgroups.CpuController {
	if in == nil {
		return nil
	}
	out := &cgroups.CpuController{}
	if in.Weight != nil {
		w := *in.Weight
		out.Weight = &w
	}
	if in.Max != nil {
		m := *in.Max
		out.Max = &m
	}
	if in.Period != nil {
		p := *in.Period
		out.Period = &p
	}
	return out
}

func cloneCpuset(in *cgroups.CpusetController) *cgroups.CpusetController {
	if in == nil {
		return nil
	}
	out := &cgroups.CpusetController{}
	if in.Cpus != nil {
		c := *in.Cpus
		out.Cpus = &c
	}
	if in.Mems != nil {
		m := *in.Mems
		out.Mems = &m
	}
	return out
}

func cloneMemory(in *cgroups.MemoryController) *cgroups.MemoryController {
	if in == nil {
		return nil
	}
	out := &cgroups.MemoryController{}
	out.Min = cloneInt64(in.Min)
	out.Low = cloneInt64(in.Low)
	out.High = cloneInt64(in.High)
	out.Max = cloneInt64(in.Max)
	return out
}

func cloneInt64(in *int64) *int64 {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}
