package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	appErr "celld/pkg/errors"
)

const (
	controllersFile    = "cgroup.controllers"
	subtreeControlFile = "cgroup.subtree_control"
	procsFile          = "cgroup.procs"
	killFile           = "cgroup.kill"
)

// FSController is the cgroup v2 filesystem implementation of Controller.
// All groups it creates live under a single base directory so the daemon
// never touches groups it does not own.
type FSController struct {
	root string
	v2   bool
}

// NewFSController probes root for a v2 unified hierarchy and creates the
// daemon's base group under it.
func NewFSController(root string) (*FSController, error) {
	if root == "" {
		return nil, appErr.ValidationError("cgroup_root", "required")
	}
	v2 := false
	if _, err := os.Stat(filepath.Join(root, controllersFile)); err == nil {
		v2 = true
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.ControllerError, "create cgroup root failed")
	}
	return &FSController{root: root, v2: v2}, nil
}

// V2 reports whether the unified hierarchy backs this controller.
func (c *FSController) V2() bool {
	return c.v2
}

// Root returns the handle of the controller's base group.
func (c *FSController) Root() *Handle {
	return &Handle{Path: c.root}
}

func (c *FSController) Create(parent *Handle, name string) (*Handle, error) {
	if name == "" {
		return nil, appErr.ValidationError("name", "required")
	}
	base := c.root
	if parent != nil {
		base = parent.Path
	}
	path := filepath.Join(base, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.ControllerError, "create cgroup %s failed", name)
	}
	// Delegation is best-effort: hosts without a writable subtree_control
	// (or without the controller at all) surface on Apply instead.
	c.enableSubtree(base)
	return &Handle{Path: path}, nil
}

func (c *FSController) Apply(h *Handle, spec Spec) error {
	if h == nil {
		return appErr.ValidationError("handle", "required")
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	if spec.Cpu != nil {
		if err := c.requireController(h, "cpu"); err != nil {
			return err
		}
		if spec.Cpu.Weight != nil {
			if err := writeValue(h.Path, "cpu.weight", strconv.FormatUint(*spec.Cpu.Weight, 10)); err != nil {
				return err
			}
		}
		if spec.Cpu.Max != nil {
			period := DefaultPeriodUsec
			if spec.Cpu.Period != nil {
				period = *spec.Cpu.Period
			}
			value := fmt.Sprintf("%d %d", *spec.Cpu.Max, period)
			if err := writeValue(h.Path, "cpu.max", value); err != nil {
				return err
			}
		}
	}

	if spec.Cpuset != nil {
		if err := c.requireController(h, "cpuset"); err != nil {
			return err
		}
		if spec.Cpuset.Cpus != nil {
			if err := writeValue(h.Path, "cpuset.cpus", *spec.Cpuset.Cpus); err != nil {
				return err
			}
		}
		if spec.Cpuset.Mems != nil {
			if err := writeValue(h.Path, "cpuset.mems", *spec.Cpuset.Mems); err != nil {
				return err
			}
		}
	}

	if spec.Memory != nil {
		if err := c.requireController(h, "memory"); err != nil {
			return err
		}
		for name, v := range map[string]*int64{
			"memory.min":  spec.Memory.Min,
			"memory.low":  spec.Memory.Low,
			"memory.high": spec.Memory.High,
			"memory.max":  spec.Memory.Max,
		} {
			if v == nil {
				continue
			}
			if err := writeValue(h.Path, name, strconv.FormatInt(*v, 10)); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *FSController) Destroy(h *Handle) error {
	if h == nil {
		return appErr.ValidationError("handle", "required")
	}
	attached, err := c.attachedPids(h)
	if err != nil {
		return err
	}
	if attached {
		return appErr.Newf(appErr.CgroupBusy, "cgroup %s still has attached processes", h.Path)
	}
	if err := os.RemoveAll(h.Path); err != nil {
		return appErr.Wrapf(err, appErr.ControllerError, "remove cgroup %s failed", h.Path)
	}
	return nil
}

func (c *FSController) Kill(h *Handle) error {
	if h == nil {
		return appErr.ValidationError("handle", "required")
	}
	path := filepath.Join(h.Path, killFile)
	if _, err := os.Stat(path); err != nil {
		return appErr.Wrapf(err, appErr.ControllerError, "cgroup.kill unavailable")
	}
	if err := os.WriteFile(path, []byte("1"), 0o600); err != nil {
		return appErr.Wrapf(err, appErr.ControllerError, "write cgroup.kill failed")
	}
	return nil
}

// Attach places pid into the group. Used as fallback when the spawn path
// cannot enter the group before exec.
func (c *FSController) Attach(h *Handle, pid int) error {
	if h == nil {
		return appErr.ValidationError("handle", "required")
	}
	if pid <= 0 {
		return appErr.ValidationError("pid", "invalid")
	}
	return writeValue(h.Path, procsFile, strconv.Itoa(pid))
}

func (c *FSController) requireController(h *Handle, name string) error {
	// Fall back to the root controllers file when the group's own copy is
	// missing (pre-delegation kernels expose it only at the root).
	for _, dir := range []string{h.Path, c.root} {
		data, err := os.ReadFile(filepath.Join(dir, controllersFile))
		if err != nil {
			continue
		}
		for _, ctl := range strings.Fields(string(data)) {
			if ctl == name {
				return nil
			}
		}
		return appErr.Newf(appErr.UnsupportedController, "controller %q unavailable on this host", name)
	}
	return appErr.Newf(appErr.UnsupportedController, "controller %q unavailable: no %s found", name, controllersFile)
}

func (c *FSController) attachedPids(h *Handle) (bool, error) {
	data, err := os.ReadFile(filepath.Join(h.Path, procsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, appErr.Wrapf(err, appErr.ControllerError, "read cgroup.procs failed")
	}
	return strings.TrimSpace(string(data)) != "", nil
}

func (c *FSController) enableSubtree(dir string) {
	data, err := os.ReadFile(filepath.Join(dir, controllersFile))
	if err != nil {
		return
	}
	var enable []string
	for _, ctl := range strings.Fields(string(data)) {
		switch ctl {
		case "cpu", "cpuset", "memory":
			enable = append(enable, "+"+ctl)
		}
	}
	if len(enable) == 0 {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, subtreeControlFile), []byte(strings.Join(enable, " ")), 0o644)
}

func writeValue(dir, name, value string) error {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0o644); err != nil {
		return appErr.Wrapf(err, appErr.ControllerError, "write %s failed", name)
	}
	return nil
}
