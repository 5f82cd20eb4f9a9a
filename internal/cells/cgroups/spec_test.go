package cgroups

import (
	"testing"

	appErr "celld/pkg/errors"
)

func u64(v uint64) *uint64 { return &v }
func i64(v int64) *int64   { return &v }
func str(v string) *string { return &v }

func TestValidateEmptySpec(t *testing.T) {
	if err := (Spec{}).Validate(); err != nil {
		t.Fatalf("empty spec must validate: %v", err)
	}
}

func TestValidateCpuWeightBounds(t *testing.T) {
	cases := []struct {
		name   string
		weight uint64
		ok     bool
	}{
		{"min", 1, true},
		{"max", 10000, true},
		{"zero", 0, false},
		{"above max", 10001, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := Spec{Cpu: &CpuController{Weight: u64(tc.weight)}}
			err := spec.Validate()
			if tc.ok && err != nil {
				t.Fatalf("weight %d rejected: %v", tc.weight, err)
			}
			if !tc.ok && !appErr.Is(err, appErr.InvalidRange) {
				t.Fatalf("weight %d: expected InvalidRange, got %v", tc.weight, err)
			}
		})
	}
}

func TestValidateCpuQuota(t *testing.T) {
	if err := (Spec{Cpu: &CpuController{Max: i64(0)}}).Validate(); !appErr.Is(err, appErr.InvalidRange) {
		t.Fatalf("zero quota: expected InvalidRange, got %v", err)
	}
	if err := (Spec{Cpu: &CpuController{Max: i64(50000), Period: u64(100000)}}).Validate(); err != nil {
		t.Fatalf("valid quota rejected: %v", err)
	}
}

func TestValidateCpusetListSyntax(t *testing.T) {
	valid := []string{"0", "0-3", "0-3,7", "1,3,5-8"}
	for _, list := range valid {
		spec := Spec{Cpuset: &CpusetController{Cpus: str(list)}}
		if err := spec.Validate(); err != nil {
			t.Fatalf("list %q rejected: %v", list, err)
		}
	}
	invalid := []string{"", "0-", "-3", "0-3-5", "a", "0,,3"}
	for _, list := range invalid {
		spec := Spec{Cpuset: &CpusetController{Cpus: str(list)}}
		if err := spec.Validate(); err == nil {
			t.Fatalf("list %q accepted", list)
		}
	}
}

func TestValidateMemoryThresholds(t *testing.T) {
	spec := Spec{Memory: &MemoryController{High: i64(-1)}}
	if err := spec.Validate(); !appErr.Is(err, appErr.InvalidRange) {
		t.Fatalf("negative threshold: expected InvalidRange, got %v", err)
	}
	spec = Spec{Memory: &MemoryController{Min: i64(0), Max: i64(1 << 30)}}
	if err := spec.Validate(); err != nil {
		t.Fatalf("valid thresholds rejected: %v", err)
	}
}
