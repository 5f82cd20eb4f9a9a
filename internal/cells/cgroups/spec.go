// Package cgroups translates declarative resource specifications into the
// host's cgroup v2 filesystem interface.
package cgroups

import (
	"strings"

	appErr "celld/pkg/errors"
)

const (
	// WeightMin and WeightMax bound cpu.weight per cgroup v2 documentation.
	WeightMin uint64 = 1
	WeightMax uint64 = 10000

	// DefaultPeriodUsec is used for cpu.max when a quota is set without a period.
	DefaultPeriodUsec uint64 = 100000
)

// CpuController holds cpu controller settings. Nil fields are left at the
// kernel default and never written.
type CpuController struct {
	Weight *uint64
	Max    *int64
	Period *uint64
}

// CpusetController holds cpuset controller settings using the kernel's
// comma/range list syntax (e.g. "0-3,7").
type CpusetController struct {
	Cpus *string
	Mems *string
}

// MemoryController holds memory controller thresholds in bytes.
type MemoryController struct {
	Min  *int64
	Low  *int64
	High *int64
	Max  *int64
}

// Spec is the declarative resource specification attached to a cell.
// A nil controller means the controller is not configured at all.
type Spec struct {
	Cpu    *CpuController
	Cpuset *CpusetController
	Memory *MemoryController
}

// Validate checks all set fields against their documented bounds.
func (s Spec) Validate() error {
	if s.Cpu != nil {
		if s.Cpu.Weight != nil && (*s.Cpu.Weight < WeightMin || *s.Cpu.Weight > WeightMax) {
			return appErr.Newf(appErr.InvalidRange, "cpu.weight %d outside [%d, %d]", *s.Cpu.Weight, WeightMin, WeightMax)
		}
		if s.Cpu.Max != nil && *s.Cpu.Max <= 0 {
			return appErr.Newf(appErr.InvalidRange, "cpu.max quota %d must be positive", *s.Cpu.Max)
		}
		if s.Cpu.Period != nil && *s.Cpu.Period == 0 {
			return appErr.New(appErr.InvalidRange).WithMessage("cpu period must be positive")
		}
	}
	if s.Cpuset != nil {
		if s.Cpuset.Cpus != nil {
			if err := validateListSyntax("cpuset.cpus", *s.Cpuset.Cpus); err != nil {
				return err
			}
		}
		if s.Cpuset.Mems != nil {
			if err := validateListSyntax("cpuset.mems", *s.Cpuset.Mems); err != nil {
				return err
			}
		}
	}
	if s.Memory != nil {
		for name, v := range map[string]*int64{
			"memory.min":  s.Memory.Min,
			"memory.low":  s.Memory.Low,
			"memory.high": s.Memory.High,
			"memory.max":  s.Memory.Max,
		} {
			if v != nil && *v < 0 {
				return appErr.Newf(appErr.InvalidRange, "%s must not be negative", name)
			}
		}
	}
	return nil
}

// validateListSyntax checks the kernel comma/range list format: "0", "0-3", "0-3,7".
func validateListSyntax(field, list string) error {
	if list == "" {
		return appErr.ValidationError(field, "empty")
	}
	for _, part := range strings.Split(list, ",") {
		bounds := strings.Split(part, "-")
		if len(bounds) > 2 {
			return appErr.Newf(appErr.InvalidFormat, "%s: malformed range %q", field, part)
		}
		for _, b := range bounds {
			if b == "" {
				return appErr.Newf(appErr.InvalidFormat, "%s: malformed range %q", field, part)
			}
			for _, r := range b {
				if r < '0' || r > '9' {
					return appErr.Newf(appErr.InvalidFormat, "%s: non-numeric entry %q", field, part)
				}
			}
		}
	}
	return nil
}
