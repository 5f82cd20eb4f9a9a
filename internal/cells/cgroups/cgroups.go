package cgroups

// Handle identifies a live cgroup owned by a cell. It is created exactly once
// per allocation and released exactly once on free.
type Handle struct {
	Path string
}

// Controller manages the existence and configuration of cgroups.
type Controller interface {
	// Create makes a group scoped under parent, or under the controller root
	// when parent is nil.
	Create(parent *Handle, name string) (*Handle, error)
	// Apply writes all set spec fields into the group. Unset fields are left
	// at the kernel default.
	Apply(h *Handle, spec Spec) error
	// Destroy removes the group. Fails with CgroupBusy while kernel processes
	// remain attached.
	Destroy(h *Handle) error
	// Kill forcefully terminates every process attached to the group.
	Kill(h *Handle) error
	// V2 reports whether the unified (v2) hierarchy backs this controller.
	V2() bool
}
