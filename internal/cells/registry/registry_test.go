package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"celld/internal/cells/cgroups"
	"celld/internal/cells/proc"
	appErr "celld/pkg/errors"
)

type fakeController struct {
	mu         sync.Mutex
	created    []string
	destroyed  []string
	killed     []string
	createErr  map[string]error
	applyErr   map[string]error
	destroyErr map[string]error
}

func newFakeController() *fakeController {
	return &fakeController{
		createErr:  make(map[string]error),
		applyErr:   make(map[string]error),
		destroyErr: make(map[string]error),
	}
}

func (f *fakeController) Create(parent *cgroups.Handle, name string) (*cgroups.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := "/fake/" + name
	if parent != nil {
		path = parent.Path + "/" + name
	}
	if err, ok := f.createErr[name]; ok {
		return nil, err
	}
	f.created = append(f.created, path)
	return &cgroups.Handle{Path: path}, nil
}

func (f *fakeController) Apply(h *cgroups.Handle, spec cgroups.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.applyErr[h.Path]; ok {
		return err
	}
	return nil
}

func (f *fakeController) Destroy(h *cgroups.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.destroyErr[h.Path]; ok {
		delete(f.destroyErr, h.Path)
		return err
	}
	f.destroyed = append(f.destroyed, h.Path)
	return nil
}

func (f *fakeController) Kill(h *cgroups.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, h.Path)
	return nil
}

func (f *fakeController) V2() bool { return true }

type fakeHandle struct {
	pid    int
	done   chan struct{}
	status proc.ExitStatus
}

func (h *fakeHandle) Pid() int                    { return h.pid }
func (h *fakeHandle) Done() <-chan struct{}       { return h.done }
func (h *fakeHandle) ExitStatus() proc.ExitStatus { return h.status }

type fakeSpawner struct {
	mu       sync.Mutex
	nextPid  int
	spawnErr error
	stopped  []int
	released []int
	events   chan proc.ExitEvent
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPid: 1000, events: make(chan proc.ExitEvent, 16)}
}

func (f *fakeSpawner) Spawn(ctx context.Context, req proc.SpawnRequest) (proc.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.nextPid++
	return &fakeHandle{pid: f.nextPid, done: make(chan struct{})}, nil
}

func (f *fakeSpawner) Stop(ctx context.Context, h proc.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, h.Pid())
	return nil
}

func (f *fakeSpawner) Events() <-chan proc.ExitEvent { return f.events }

func (f *fakeSpawner) ReleaseLogs(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, pid)
}

func (f *fakeSpawner) exitOutOfBand(cellName, exeName string, pid int) {
	f.events <- proc.ExitEvent{
		CellName:       cellName,
		ExecutableName: exeName,
		Pid:            pid,
		Status:         proc.ExitStatus{Code: 0},
	}
}

func newTestRegistry() (*Registry, *fakeController, *fakeSpawner) {
	ctrl := newFakeController()
	sp := newFakeSpawner()
	return New(ctrl, sp), ctrl, sp
}

func mustAllocate(t *testing.T, r *Registry, name string) {
	t.Helper()
	if err := r.Allocate(context.Background(), AllocateRequest{Name: name}); err != nil {
		t.Fatalf("allocate %s failed: %v", name, err)
	}
}

func mustStart(t *testing.T, r *Registry, cellName, exeName string) StartResult {
	t.Helper()
	result, err := r.Start(context.Background(), cellName, ExecutableSpec{
		Name:    exeName,
		Command: "sleep 60",
		Argv:    []string{"sleep", "60"},
	}, nil, nil)
	if err != nil {
		t.Fatalf("start %s in %s failed: %v", exeName, cellName, err)
	}
	return result
}

func TestAllocateNested(t *testing.T) {
	r, ctrl, _ := newTestRegistry()
	mustAllocate(t, r, "parent")
	mustAllocate(t, r, "parent/child")

	cells := r.List()
	if len(cells) != 1 {
		t.Fatalf("expected 1 root cell, got %d", len(cells))
	}
	if cells[0].Name != "parent" || cells[0].State != StateReady {
		t.Fatalf("unexpected root cell %+v", cells[0])
	}
	if len(cells[0].Children) != 1 || cells[0].Children[0].Name != "parent/child" {
		t.Fatalf("unexpected children %+v", cells[0].Children)
	}
	if got := ctrl.created[1]; got != "/fake/parent/child" {
		t.Fatalf("child cgroup not nested under parent: %s", got)
	}
}

func TestAllocateDuplicate(t *testing.T) {
	r, _, _ := newTestRegistry()
	mustAllocate(t, r, "a")
	err := r.Allocate(context.Background(), AllocateRequest{Name: "a"})
	if !appErr.Is(err, appErr.CellExists) {
		t.Fatalf("expected CellExists, got %v", err)
	}
}

func TestAllocateConcurrentSameName(t *testing.T) {
	r, _, _ := newTestRegistry()
	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Allocate(context.Background(), AllocateRequest{Name: "contested"})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else if !appErr.Is(err, appErr.CellExists) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 success, got %d", successes)
	}
}

func TestAllocateParentMissing(t *testing.T) {
	r, _, _ := newTestRegistry()
	err := r.Allocate(context.Background(), AllocateRequest{Name: "missing/child"})
	if !appErr.Is(err, appErr.ParentNotFound) {
		t.Fatalf("expected ParentNotFound, got %v", err)
	}
}

func TestAllocateGlobalNameUniqueness(t *testing.T) {
	r, _, _ := newTestRegistry()
	mustAllocate(t, r, "a")
	mustAllocate(t, r, "a/a")
	// "a/a" and a hypothetical root "a" share the leaf string but not the
	// full path; the full path is what must stay unique.
	err := r.Allocate(context.Background(), AllocateRequest{Name: "a/a"})
	if !appErr.Is(err, appErr.CellExists) {
		t.Fatalf("expected CellExists, got %v", err)
	}
}

func TestAllocateApplyRollback(t *testing.T) {
	r, ctrl, _ := newTestRegistry()
	applyErr := appErr.Newf(appErr.UnsupportedController, "controller %q unavailable", "memory")
	ctrl.applyErr["/fake/bad"] = applyErr

	err := r.Allocate(context.Background(), AllocateRequest{Name: "bad"})
	if !appErr.Is(err, appErr.UnsupportedController) {
		t.Fatalf("expected apply error surfaced verbatim, got %v", err)
	}
	if len(ctrl.destroyed) != 1 || ctrl.destroyed[0] != "/fake/bad" {
		t.Fatalf("expected rollback destroy, got %v", ctrl.destroyed)
	}
	if len(r.List()) != 0 {
		t.Fatalf("failed allocation left a cell behind")
	}
	// The name is reusable after the rollback.
	delete(ctrl.applyErr, "/fake/bad")
	mustAllocate(t, r, "bad")
}

func TestAllocateRollbackFailure(t *testing.T) {
	r, ctrl, _ := newTestRegistry()
	ctrl.applyErr["/fake/bad"] = appErr.Newf(appErr.InvalidRange, "cpu weight out of range")
	ctrl.destroyErr["/fake/bad"] = appErr.Newf(appErr.ControllerError, "remove failed")

	err := r.Allocate(context.Background(), AllocateRequest{Name: "bad"})
	if !appErr.Is(err, appErr.CgroupRollbackFailed) {
		t.Fatalf("expected CgroupRollbackFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "cpu weight out of range") {
		t.Fatalf("compound error lost the apply failure: %v", err)
	}
}

func TestFreeNotFound(t *testing.T) {
	r, _, _ := newTestRegistry()
	if err := r.Free(context.Background(), "ghost"); !appErr.Is(err, appErr.CellNotFound) {
		t.Fatalf("expected CellNotFound, got %v", err)
	}
}

func TestFreeNotEmpty(t *testing.T) {
	r, _, _ := newTestRegistry()
	mustAllocate(t, r, "parent")
	mustAllocate(t, r, "parent/child")

	err := r.Free(context.Background(), "parent")
	if !appErr.Is(err, appErr.CellNotEmpty) {
		t.Fatalf("expected CellNotEmpty, got %v", err)
	}
	// The cell and its child survive the rejected free.
	cells := r.List()
	if len(cells) != 1 || len(cells[0].Children) != 1 {
		t.Fatalf("rejected free mutated the tree: %+v", cells)
	}

	if err := r.Free(context.Background(), "parent/child"); err != nil {
		t.Fatalf("free child failed: %v", err)
	}
	if err := r.Free(context.Background(), "parent"); err != nil {
		t.Fatalf("free parent after child failed: %v", err)
	}
	if len(r.List()) != 0 {
		t.Fatalf("cells remain after freeing all")
	}
}

func TestFreeWithRunningExecutable(t *testing.T) {
	r, _, _ := newTestRegistry()
	mustAllocate(t, r, "work")
	mustStart(t, r, "work", "job")

	if err := r.Free(context.Background(), "work"); !appErr.Is(err, appErr.CellNotEmpty) {
		t.Fatalf("expected CellNotEmpty, got %v", err)
	}
	if err := r.Stop(context.Background(), "work", "job"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := r.Free(context.Background(), "work"); err != nil {
		t.Fatalf("free after stop failed: %v", err)
	}
}

func TestFreeBusyRetry(t *testing.T) {
	r, ctrl, _ := newTestRegistry()
	mustAllocate(t, r, "busy")
	ctrl.destroyErr["/fake/busy"] = appErr.Newf(appErr.CgroupBusy, "attached processes remain")

	err := r.Free(context.Background(), "busy")
	if !appErr.Is(err, appErr.CgroupBusy) {
		t.Fatalf("expected CgroupBusy, got %v", err)
	}
	cells := r.List()
	if len(cells) != 1 || cells[0].State != StateReady {
		t.Fatalf("failed free must leave the cell retryable: %+v", cells)
	}
	// Retry succeeds once the kernel lets go.
	if err := r.Free(context.Background(), "busy"); err != nil {
		t.Fatalf("retried free failed: %v", err)
	}
}

func TestStartAndStop(t *testing.T) {
	r, _, sp := newTestRegistry()
	mustAllocate(t, r, "work")
	result := mustStart(t, r, "work", "job")
	if result.Pid <= 0 {
		t.Fatalf("expected positive pid, got %d", result.Pid)
	}

	cells := r.List()
	if len(cells[0].Executables) != 1 || cells[0].Executables[0].Pid != result.Pid {
		t.Fatalf("executable missing from snapshot: %+v", cells[0].Executables)
	}

	if err := r.Stop(context.Background(), "work", "job"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if len(r.List()[0].Executables) != 0 {
		t.Fatalf("stopped executable still listed")
	}
	if len(sp.stopped) != 1 || sp.stopped[0] != result.Pid {
		t.Fatalf("supervisor stop not called: %v", sp.stopped)
	}
	if len(sp.released) != 1 || sp.released[0] != result.Pid {
		t.Fatalf("log channels not released: %v", sp.released)
	}
}

func TestStartDuplicateExecutable(t *testing.T) {
	r, _, _ := newTestRegistry()
	mustAllocate(t, r, "work")
	mustStart(t, r, "work", "job")

	_, err := r.Start(context.Background(), "work", ExecutableSpec{
		Name: "job", Command: "sleep 1", Argv: []string{"sleep", "1"},
	}, nil, nil)
	if !appErr.Is(err, appErr.ExecutableExists) {
		t.Fatalf("expected ExecutableExists, got %v", err)
	}
}

func TestStartConcurrentSameName(t *testing.T) {
	r, _, _ := newTestRegistry()
	mustAllocate(t, r, "work")

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Start(context.Background(), "work", ExecutableSpec{
				Name: "contested", Command: "sleep 1", Argv: []string{"sleep", "1"},
			}, nil, nil)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else if !appErr.Is(err, appErr.ExecutableExists) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 success, got %d", successes)
	}
}

func TestStartSpawnFailure(t *testing.T) {
	r, _, sp := newTestRegistry()
	mustAllocate(t, r, "work")
	sp.spawnErr = appErr.Newf(appErr.SpawnFailed, "exec format error")

	_, err := r.Start(context.Background(), "work", ExecutableSpec{
		Name: "job", Command: "true", Argv: []string{"true"},
	}, nil, nil)
	if !appErr.Is(err, appErr.SpawnFailed) {
		t.Fatalf("expected SpawnFailed, got %v", err)
	}

	// The reservation is rolled back so the name can be reused.
	sp.spawnErr = nil
	mustStart(t, r, "work", "job")
}

func TestStartInMissingCell(t *testing.T) {
	r, _, _ := newTestRegistry()
	_, err := r.Start(context.Background(), "ghost", ExecutableSpec{
		Name: "job", Command: "true", Argv: []string{"true"},
	}, nil, nil)
	if !appErr.Is(err, appErr.CellNotFound) {
		t.Fatalf("expected CellNotFound, got %v", err)
	}
}

func TestLocalExecutables(t *testing.T) {
	r, _, _ := newTestRegistry()
	result := mustStart(t, r, "", "daemon-job")
	locals := r.LocalExecutables()
	if len(locals) != 1 || locals[0].Pid != result.Pid {
		t.Fatalf("unexpected local executables: %+v", locals)
	}
	if err := r.Stop(context.Background(), "", "daemon-job"); err != nil {
		t.Fatalf("stop local failed: %v", err)
	}
	if len(r.LocalExecutables()) != 0 {
		t.Fatalf("stopped local executable still listed")
	}
}

func TestReconcileOutOfBandExit(t *testing.T) {
	r, _, sp := newTestRegistry()
	mustAllocate(t, r, "work")
	result := mustStart(t, r, "work", "job")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	sp.exitOutOfBand("work", "job", result.Pid)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.List()[0].Executables) == 0 {
			// Stopping the reconciled executable is NotFound, not a crash.
			err := r.Stop(context.Background(), "work", "job")
			if !appErr.Is(err, appErr.ExecutableNotFound) {
				t.Fatalf("expected ExecutableNotFound after reconcile, got %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("exited executable never reconciled out of the registry")
}

func TestReconcileIgnoresStaleEvent(t *testing.T) {
	r, _, sp := newTestRegistry()
	mustAllocate(t, r, "work")
	first := mustStart(t, r, "work", "job")
	if err := r.Stop(context.Background(), "work", "job"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	second := mustStart(t, r, "work", "job")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// A late event for the first incarnation must not evict the second.
	sp.exitOutOfBand("work", "job", first.Pid)

	time.Sleep(100 * time.Millisecond)
	execs := r.List()[0].Executables
	if len(execs) != 1 || execs[0].Pid != second.Pid {
		t.Fatalf("stale exit event evicted the live executable: %+v", execs)
	}
}

func TestListSnapshotIsolation(t *testing.T) {
	r, _, _ := newTestRegistry()
	weight := uint64(500)
	max := int64(1 << 30)
	if err := r.Allocate(context.Background(), AllocateRequest{
		Name: "pinned",
		Spec: cgroups.Spec{
			Cpu:    &cgroups.CpuController{Weight: &weight},
			Memory: &cgroups.MemoryController{Max: &max},
		},
	}); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	snap := r.List()
	if snap[0].Cpu == nil || *snap[0].Cpu.Weight != 500 {
		t.Fatalf("cpu weight missing from snapshot: %+v", snap[0].Cpu)
	}
	if snap[0].Cpu.Max != nil || snap[0].Cpu.Period != nil {
		t.Fatalf("unset cpu fields must stay unset: %+v", snap[0].Cpu)
	}
	if snap[0].Memory == nil || *snap[0].Memory.Max != 1<<30 {
		t.Fatalf("memory max missing from snapshot: %+v", snap[0].Memory)
	}
	if snap[0].Memory.Min != nil || snap[0].Memory.Low != nil || snap[0].Memory.High != nil {
		t.Fatalf("unset memory fields must stay unset: %+v", snap[0].Memory)
	}

	// Mutating the snapshot must not touch registry state.
	*snap[0].Cpu.Weight = 1
	if got := *r.List()[0].Cpu.Weight; got != 500 {
		t.Fatalf("snapshot shares storage with the registry: weight=%d", got)
	}
}

func TestStopAllAndFreeAll(t *testing.T) {
	r, ctrl, sp := newTestRegistry()
	mustAllocate(t, r, "a")
	mustAllocate(t, r, "a/b")
	mustAllocate(t, r, "c")
	mustStart(t, r, "a", "one")
	mustStart(t, r, "a/b", "two")
	mustStart(t, r, "", "local")

	ctx := context.Background()
	r.StopAll(ctx)
	if len(sp.stopped) != 3 {
		t.Fatalf("expected 3 stops, got %d", len(sp.stopped))
	}

	r.FreeAll(ctx)
	if len(r.List()) != 0 {
		t.Fatalf("cells remain after FreeAll: %+v", r.List())
	}
	// Leaf-first: a/b is destroyed before a.
	idx := func(path string) int {
		for i, p := range ctrl.destroyed {
			if p == path {
				return i
			}
		}
		return -1
	}
	if idx("/fake/a/b") == -1 || idx("/fake/a") == -1 || idx("/fake/a/b") > idx("/fake/a") {
		t.Fatalf("children must be destroyed before parents: %v", ctrl.destroyed)
	}
}

func TestFreeAllEscalatesBusyCells(t *testing.T) {
	r, ctrl, _ := newTestRegistry()
	mustAllocate(t, r, "stubborn")
	ctrl.destroyErr["/fake/stubborn"] = appErr.Newf(appErr.CgroupBusy, "attached processes remain")

	r.FreeAll(context.Background())
	if len(ctrl.killed) != 1 || ctrl.killed[0] != "/fake/stubborn" {
		t.Fatalf("busy cell was not force-killed: %v", ctrl.killed)
	}
	if len(r.List()) != 0 {
		t.Fatalf("busy cell survived FreeAll")
	}
}
