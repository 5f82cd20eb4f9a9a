package registry

import (
	"context"
	"os"
	"sync"

	"celld/internal/cells/cgroups"
	"celld/internal/cells/proc"
	appErr "celld/pkg/errors"
	"celld/pkg/utils/logger"

	"go.uber.org/zap"
)

// Spawner is the supervisor seam the registry drives. It owns process
// lifecycles; the registry only tracks which processes belong to which cell.
type Spawner interface {
	Spawn(ctx context.Context, req proc.SpawnRequest) (proc.Handle, error)
	// Stop runs the two-phase termination protocol and tolerates processes
	// that already exited out-of-band.
	Stop(ctx context.Context, h proc.Handle) error
	// Events delivers one event per terminated process, however it died.
	Events() <-chan proc.ExitEvent
	ReleaseLogs(pid int)
}

// AllocateRequest is a validated cell allocation.
type AllocateRequest struct {
	Name           string
	Spec           cgroups.Spec
	IsolateProcess bool
	IsolateNetwork bool
}

// StartResult reports the spawned process identity.
type StartResult struct {
	Pid int
	Uid uint32
	Gid uint32
}

// Registry is the single piece of contended shared state in the daemon: the
// tree of live cells plus the daemon-scope executables. The tree structure is
// guarded by one RWMutex; blocking kernel calls happen outside the lock with
// the affected entry held in a provisioning/freeing state so concurrent
// requests observe it instead of a gap.
type Registry struct {
	mu         sync.RWMutex
	roots      map[string]*cell
	rootOrder  []string
	index      map[string]*cell
	local      map[string]*executable
	localOrder []string

	ctrl    cgroups.Controller
	spawner Spawner
}

// New creates an empty registry over the given kernel controller and spawner.
func New(ctrl cgroups.Controller, spawner Spawner) *Registry {
	return &Registry{
		roots:   make(map[string]*cell),
		index:   make(map[string]*cell),
		local:   make(map[string]*executable),
		ctrl:    ctrl,
		spawner: spawner,
	}
}

// Run consumes supervisor exit events until ctx is done, reconciling
// executables that exited without an explicit stop out of the live set.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.spawner.Events():
			r.reconcileExit(ctx, ev)
		}
	}
}

// Allocate reserves the name, creates the kernel group scoped under the
// parent's group, and applies the resource specification. Exactly one of two
// concurrent allocations for the same name wins.
func (r *Registry) Allocate(ctx context.Context, req AllocateRequest) error {
	if err := req.Spec.Validate(); err != nil {
		return err
	}

	// Phase 1: reserve the name and parent edge under the write lock.
	r.mu.Lock()
	if _, exists := r.index[req.Name]; exists {
		r.mu.Unlock()
		return appErr.Newf(appErr.CellExists, "cell %q already exists", req.Name)
	}
	var parent *cell
	if pname := parentName(req.Name); pname != "" {
		parent = r.index[pname]
		if parent == nil {
			r.mu.Unlock()
			return appErr.Newf(appErr.ParentNotFound, "parent cell %q not found", pname)
		}
		if parent.state != StateReady {
			r.mu.Unlock()
			return appErr.Newf(appErr.CellProvisioning, "parent cell %q is %s", pname, parent.state)
		}
	}
	c := newCell(req.Name, req.Spec, req.IsolateProcess, req.IsolateNetwork, parent)
	r.insert(c)
	var parentHandle *cgroups.Handle
	if parent != nil {
		parentHandle = parent.handle
	}
	r.mu.Unlock()

	// Phase 2: kernel I/O outside the lock. The reserved entry reads as
	// Provisioning until commit.
	handle, err := r.ctrl.Create(parentHandle, leafName(req.Name))
	if err != nil {
		r.removeReservation(c)
		return err
	}
	if err := r.ctrl.Apply(handle, req.Spec); err != nil {
		// Never leave a half-configured group behind the error.
		if derr := r.ctrl.Destroy(handle); derr != nil {
			r.removeReservation(c)
			return appErr.Wrapf(err, appErr.CgroupRollbackFailed,
				"apply failed (%v) and rollback failed (%v)", err, derr)
		}
		r.removeReservation(c)
		return err
	}

	r.mu.Lock()
	c.handle = handle
	c.state = StateReady
	r.mu.Unlock()

	logger.Info(ctx, "cell allocated", zap.String("cell", req.Name))
	return nil
}

// Free destroys the cell's kernel group and removes the entry. It is not
// recursive: callers must free children and stop executables first.
func (r *Registry) Free(ctx context.Context, name string) error {
	r.mu.Lock()
	c, ok := r.index[name]
	if !ok {
		r.mu.Unlock()
		return appErr.Newf(appErr.CellNotFound, "cell %q not found", name)
	}
	if c.state != StateReady {
		r.mu.Unlock()
		return appErr.Newf(appErr.CellProvisioning, "cell %q is %s", name, c.state)
	}
	if len(c.children) > 0 || len(c.executables) > 0 {
		r.mu.Unlock()
		return appErr.Newf(appErr.CellNotEmpty,
			"cell %q still owns %d child cells and %d executables",
			name, len(c.children), len(c.executables))
	}
	c.state = StateFreeing
	handle := c.handle
	r.mu.Unlock()

	if err := r.ctrl.Destroy(handle); err != nil {
		// Leave the entry intact so the caller can retry the free.
		r.mu.Lock()
		c.state = StateReady
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	c.handle = nil
	r.remove(c)
	r.mu.Unlock()

	logger.Info(ctx, "cell freed", zap.String("cell", name))
	return nil
}

// Start registers an executable in the cell (or in the daemon scope when
// cellName is empty) and spawns it inside the cell's kernel state. The name
// reservation guarantees exactly one of two racing starts wins.
func (r *Registry) Start(ctx context.Context, cellName string, spec ExecutableSpec, uid, gid *uint32) (StartResult, error) {
	e := &executable{
		name:        spec.Name,
		command:     spec.Command,
		description: spec.Description,
		pending:     true,
	}

	// Phase 1: reserve the executable name.
	r.mu.Lock()
	var target *cell
	if cellName != "" {
		target = r.index[cellName]
		if target == nil {
			r.mu.Unlock()
			return StartResult{}, appErr.Newf(appErr.CellNotFound, "cell %q not found", cellName)
		}
		if target.state != StateReady {
			r.mu.Unlock()
			return StartResult{}, appErr.Newf(appErr.CellProvisioning, "cell %q is %s", cellName, target.state)
		}
		if _, exists := target.executables[spec.Name]; exists {
			r.mu.Unlock()
			return StartResult{}, appErr.Newf(appErr.ExecutableExists,
				"executable %q already exists in cell %q", spec.Name, cellName)
		}
		target.addExecutable(e)
	} else {
		if _, exists := r.local[spec.Name]; exists {
			r.mu.Unlock()
			return StartResult{}, appErr.Newf(appErr.ExecutableExists,
				"executable %q already exists", spec.Name)
		}
		r.local[spec.Name] = e
		r.localOrder = append(r.localOrder, spec.Name)
	}
	var cgroup *cgroups.Handle
	var isolateProcess, isolateNetwork bool
	if target != nil {
		cgroup = target.handle
		isolateProcess = target.isolateProcess
		isolateNetwork = target.isolateNetwork
	}
	r.mu.Unlock()

	// Phase 2: fork/exec outside the lock.
	handle, err := r.spawner.Spawn(ctx, proc.SpawnRequest{
		CellName:       cellName,
		ExecutableName: spec.Name,
		Argv:           spec.Argv,
		WorkDir:        spec.WorkDir,
		Description:    spec.Description,
		IsolateProcess: isolateProcess,
		IsolateNetwork: isolateNetwork,
		Cgroup:         cgroup,
		UID:            uid,
		GID:            gid,
	})
	if err != nil {
		r.mu.Lock()
		r.dropExecutable(cellName, spec.Name)
		r.mu.Unlock()
		return StartResult{}, err
	}

	result := StartResult{
		Pid: handle.Pid(),
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}
	if uid != nil {
		result.Uid = *uid
	}
	if gid != nil {
		result.Gid = *gid
	}

	r.mu.Lock()
	e.handle = handle
	e.pid = handle.Pid()
	e.uid = result.Uid
	e.gid = result.Gid
	e.pending = false
	r.mu.Unlock()

	logger.Info(ctx, "executable started",
		zap.String("cell", cellName),
		zap.String("executable", spec.Name),
		zap.Int("pid", result.Pid))
	return result, nil
}

// Stop terminates the executable and removes its entry. A process that
// already exited out-of-band is reconciled, not an error.
func (r *Registry) Stop(ctx context.Context, cellName, exeName string) error {
	r.mu.Lock()
	e, err := r.lookupExecutable(cellName, exeName)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if e.pending {
		r.mu.Unlock()
		return appErr.Newf(appErr.CellProvisioning, "executable %q is still starting", exeName)
	}
	if e.stopping {
		r.mu.Unlock()
		return appErr.Newf(appErr.ExecutableNotFound, "executable %q is already stopping", exeName)
	}
	e.stopping = true
	handle := e.handle
	pid := e.pid
	r.mu.Unlock()

	if err := r.spawner.Stop(ctx, handle); err != nil {
		r.mu.Lock()
		e.stopping = false
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.dropExecutable(cellName, exeName)
	r.mu.Unlock()
	r.spawner.ReleaseLogs(pid)

	logger.Info(ctx, "executable stopped",
		zap.String("cell", cellName),
		zap.String("executable", exeName),
		zap.Int("pid", pid))
	return nil
}

// List returns an isolated snapshot of the tree. Readers proceed concurrently
// with each other but never observe a partially-mutated tree.
func (r *Registry) List() []*CellView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CellView, 0, len(r.rootOrder))
	for _, name := range r.rootOrder {
		if c := r.roots[name]; c != nil {
			out = append(out, c.view())
		}
	}
	return out
}

// LocalExecutables returns the daemon-scope executables (those started
// without a cell).
func (r *Registry) LocalExecutables() []ExecutableView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExecutableView, 0, len(r.localOrder))
	for _, name := range r.localOrder {
		e := r.local[name]
		if e == nil || e.pending {
			continue
		}
		out = append(out, ExecutableView{
			Name:        e.name,
			Command:     e.command,
			Description: e.description,
			Pid:         e.pid,
			Uid:         e.uid,
			Gid:         e.gid,
		})
	}
	return out
}

// StopAll stops every executable in the daemon. Used on graceful shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	type entry struct {
		cellName string
		exeName  string
	}
	r.mu.RLock()
	var entries []entry
	for name := range r.local {
		entries = append(entries, entry{"", name})
	}
	var walk func(c *cell)
	walk = func(c *cell) {
		for name := range c.executables {
			entries = append(entries, entry{c.name, name})
		}
		for _, child := range c.children {
			walk(child)
		}
	}
	for _, root := range r.roots {
		walk(root)
	}
	r.mu.RUnlock()

	for _, en := range entries {
		if err := r.Stop(ctx, en.cellName, en.exeName); err != nil {
			logger.Warn(ctx, "stop on shutdown failed",
				zap.String("cell", en.cellName),
				zap.String("executable", en.exeName),
				zap.Error(err))
		}
	}
}

// FreeAll frees every cell leaf-first. Cells whose groups stay busy are
// force-killed and retried once. Used on graceful shutdown only; regular
// Free stays non-recursive.
func (r *Registry) FreeAll(ctx context.Context) {
	r.mu.RLock()
	var order []string
	var walk func(c *cell)
	walk = func(c *cell) {
		for _, name := range c.childOrder {
			if child := c.children[name]; child != nil {
				walk(child)
			}
		}
		order = append(order, c.name)
	}
	for _, name := range r.rootOrder {
		if c := r.roots[name]; c != nil {
			walk(c)
		}
	}
	r.mu.RUnlock()

	for _, name := range order {
		if err := r.Free(ctx, name); err == nil {
			continue
		} else if !appErr.Is(err, appErr.CgroupBusy) {
			logger.Warn(ctx, "free on shutdown failed", zap.String("cell", name), zap.Error(err))
			continue
		}
		// Busy group: escalate to cgroup.kill, then retry once.
		r.mu.RLock()
		c := r.index[name]
		var handle *cgroups.Handle
		if c != nil {
			handle = c.handle
		}
		r.mu.RUnlock()
		if handle != nil {
			if err := r.ctrl.Kill(handle); err != nil {
				logger.Warn(ctx, "kill on shutdown failed", zap.String("cell", name), zap.Error(err))
			}
		}
		if err := r.Free(ctx, name); err != nil {
			logger.Warn(ctx, "free after kill failed", zap.String("cell", name), zap.Error(err))
		}
	}
}

// reconcileExit removes an executable whose process terminated. Explicit
// stops are handled on the stop path; everything else lands here.
func (r *Registry) reconcileExit(ctx context.Context, ev proc.ExitEvent) {
	r.mu.Lock()
	e, err := r.lookupExecutable(ev.CellName, ev.ExecutableName)
	if err != nil || e.stopping {
		// Already removed or being stopped explicitly.
		r.mu.Unlock()
		return
	}
	// A pending entry with this name belongs to the spawn that produced the
	// event: names are reserved exclusively until commit or rollback.
	if !e.pending && e.pid != ev.Pid {
		r.mu.Unlock()
		return
	}
	r.dropExecutable(ev.CellName, ev.ExecutableName)
	r.mu.Unlock()
	r.spawner.ReleaseLogs(ev.Pid)

	logger.Info(ctx, "executable exited out-of-band",
		zap.String("cell", ev.CellName),
		zap.String("executable", ev.ExecutableName),
		zap.Int("pid", ev.Pid),
		zap.Int("code", ev.Status.Code))
}

func (r *Registry) lookupExecutable(cellName, exeName string) (*executable, error) {
	if cellName == "" {
		e, ok := r.local[exeName]
		if !ok {
			return nil, appErr.Newf(appErr.ExecutableNotFound, "executable %q not found", exeName)
		}
		return e, nil
	}
	c, ok := r.index[cellName]
	if !ok {
		return nil, appErr.Newf(appErr.CellNotFound, "cell %q not found", cellName)
	}
	e, ok := c.executables[exeName]
	if !ok {
		return nil, appErr.Newf(appErr.ExecutableNotFound,
			"executable %q not found in cell %q", exeName, cellName)
	}
	return e, nil
}

func (r *Registry) dropExecutable(cellName, exeName string) {
	if cellName == "" {
		delete(r.local, exeName)
		r.localOrder = removeString(r.localOrder, exeName)
		return
	}
	if c, ok := r.index[cellName]; ok {
		c.removeExecutable(exeName)
	}
}

func (r *Registry) insert(c *cell) {
	r.index[c.name] = c
	if c.parent != nil {
		c.parent.addChild(c)
		return
	}
	r.roots[c.name] = c
	r.rootOrder = append(r.rootOrder, c.name)
}

func (r *Registry) remove(c *cell) {
	delete(r.index, c.name)
	if c.parent != nil {
		c.parent.removeChild(c.name)
		return
	}
	delete(r.roots, c.name)
	r.rootOrder = removeString(r.rootOrder, c.name)
}

func (r *Registry) removeReservation(c *cell) {
	r.mu.Lock()
	r.remove(c)
	r.mu.Unlock()
}
