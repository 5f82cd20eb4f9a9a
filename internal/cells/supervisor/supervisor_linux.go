//go:build linux

// Package supervisor spawns and supervises the executables running inside
// cells: fork/exec into the target cgroup and namespaces, two-phase stop
// with escalation, and asynchronous exit detection.
package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"celld/internal/cells/nsenv"
	"celld/internal/cells/proc"
	"celld/internal/observe"
	appErr "celld/pkg/errors"
	"celld/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const defaultGracePeriod = 10 * time.Second

// Config controls supervisor behavior.
type Config struct {
	// GracePeriod bounds phase one of a stop: how long a process gets to
	// react to SIGTERM before SIGKILL.
	GracePeriod time.Duration
	// LogBufferBytes caps each executable's retained stdout/stderr.
	LogBufferBytes int
}

// Supervisor owns the lifecycle of every process it spawns. Exit events are
// published on a channel so the registry can reconcile processes that died
// without an explicit stop.
type Supervisor struct {
	cfg    Config
	logs   *observe.Registry
	events chan proc.ExitEvent
}

// Process is the live handle for one spawned executable.
type Process struct {
	cellName string
	exeName  string
	pid      int
	cmd      *exec.Cmd
	done     chan struct{}
	status   proc.ExitStatus
}

// Pid returns the OS process identifier.
func (p *Process) Pid() int { return p.pid }

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitStatus is valid only after Done is closed.
func (p *Process) ExitStatus() proc.ExitStatus { return p.status }

// New creates a supervisor publishing exit events into a buffered channel.
func New(cfg Config, logs *observe.Registry) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &Supervisor{
		cfg:    cfg,
		logs:   logs,
		events: make(chan proc.ExitEvent, 128),
	}
}

// Events returns the exit-event channel consumed by the registry.
func (s *Supervisor) Events() <-chan proc.ExitEvent {
	return s.events
}

// Spawn forks and execs req.Argv, joining the target cgroup and the unshared
// namespaces before exec and applying the requested credentials. On success
// the returned handle owns the process lifecycle; the caller must eventually
// stop or reap it.
func (s *Supervisor) Spawn(ctx context.Context, req proc.SpawnRequest) (proc.Handle, error) {
	if len(req.Argv) == 0 {
		return nil, appErr.ValidationError("argv", "required")
	}

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.WorkDir

	stdout := observe.NewLogBuffer(s.cfg.LogBufferBytes)
	stderr := observe.NewLogBuffer(s.cfg.LogBufferBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	env := nsenv.BuildEnvironment(req.IsolateProcess, req.IsolateNetwork)
	attr := &syscall.SysProcAttr{
		Setpgid:    true,
		Pdeathsig:  syscall.SIGKILL,
		Cloneflags: env.CloneFlags,
	}
	if req.UID != nil || req.GID != nil {
		cred := &syscall.Credential{
			Uid: uint32(unix.Getuid()),
			Gid: uint32(unix.Getgid()),
		}
		if req.UID != nil {
			cred.Uid = *req.UID
		}
		if req.GID != nil {
			cred.Gid = *req.GID
		}
		attr.Credential = cred
	}

	cgroupFD := -1
	if req.Cgroup != nil {
		fd, err := unix.Open(req.Cgroup.Path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.SpawnFailed, "open cgroup %s failed", req.Cgroup.Path)
		}
		cgroupFD = fd
		attr.UseCgroupFD = true
		attr.CgroupFD = fd
	}
	cmd.SysProcAttr = attr

	err := cmd.Start()
	if cgroupFD >= 0 {
		_ = unix.Close(cgroupFD)
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SpawnFailed, "spawn %s failed", req.Argv[0])
	}

	p := &Process{
		cellName: req.CellName,
		exeName:  req.ExecutableName,
		pid:      cmd.Process.Pid,
		cmd:      cmd,
		done:     make(chan struct{}),
	}

	if s.logs != nil {
		if err := s.logs.Register(p.pid, observe.ChannelStdout, stdout); err != nil {
			logger.Warn(ctx, "register stdout channel failed", zap.Int("pid", p.pid), zap.Error(err))
		}
		if err := s.logs.Register(p.pid, observe.ChannelStderr, stderr); err != nil {
			logger.Warn(ctx, "register stderr channel failed", zap.Int("pid", p.pid), zap.Error(err))
		}
	}

	go s.watch(p)

	return p, nil
}

// watch reaps the process exactly once and publishes the exit event.
func (s *Supervisor) watch(p *Process) {
	_ = p.cmd.Wait()
	p.status = exitStatus(p.cmd)
	close(p.done)

	s.events <- proc.ExitEvent{
		CellName:       p.cellName,
		ExecutableName: p.exeName,
		Pid:            p.pid,
		Status:         p.status,
	}
}

// Stop delivers the two-phase termination protocol: SIGTERM to the process
// group, a bounded grace period, then SIGKILL only on timeout. A process
// that already exited out-of-band is not an error.
func (s *Supervisor) Stop(ctx context.Context, h proc.Handle) error {
	p, ok := h.(*Process)
	if !ok {
		return appErr.New(appErr.InvalidParams).WithMessage("foreign process handle")
	}

	if err := unix.Kill(-p.pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			// Already gone; the watcher reaps it.
			<-p.done
			return nil
		}
		return appErr.Wrapf(err, appErr.SignalFailed, "signal pid %d failed", p.pid)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(s.cfg.GracePeriod):
	}

	logger.Warn(ctx, "grace period expired, escalating to SIGKILL",
		zap.Int("pid", p.pid), zap.String("executable", p.exeName))
	if err := unix.Kill(-p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return appErr.Wrapf(err, appErr.SignalFailed, "kill pid %d failed", p.pid)
	}
	<-p.done
	return nil
}

// Reap blocks until the process has terminated and returns its exit status.
func (s *Supervisor) Reap(h proc.Handle) (proc.ExitStatus, error) {
	p, ok := h.(*Process)
	if !ok {
		return proc.ExitStatus{}, appErr.New(appErr.InvalidParams).WithMessage("foreign process handle")
	}
	<-p.done
	return p.status, nil
}

// ReleaseLogs drops the log channels for pid once the registry entry is gone.
func (s *Supervisor) ReleaseLogs(pid int) {
	if s.logs == nil {
		return
	}
	s.logs.Unregister(pid, observe.ChannelStdout)
	s.logs.Unregister(pid, observe.ChannelStderr)
}

func exitStatus(cmd *exec.Cmd) proc.ExitStatus {
	state := cmd.ProcessState
	if state == nil {
		return proc.ExitStatus{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return proc.ExitStatus{Code: 128 + int(ws.Signal()), Signaled: true}
	}
	return proc.ExitStatus{Code: state.ExitCode()}
}
