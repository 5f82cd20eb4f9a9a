// Package service is the already-authenticated request boundary of the
// daemon: it validates and normalizes requests, orchestrates the registry,
// and shapes domain errors for the transport.
package service

import (
	"context"
	"fmt"
	"strings"

	"celld/internal/cells/cgroups"
	"celld/internal/cells/registry"
	appErr "celld/pkg/errors"
	"celld/pkg/utils/logger"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxCellNameLen       = 256
	maxExecutableNameLen = 128
)

// Config holds cell service dependencies.
type Config struct {
	Registry *registry.Registry
	// CgroupV2 reports whether the unified hierarchy backs new cells.
	CgroupV2 bool
}

// CellService orchestrates cell and executable lifecycles. It keeps no state
// of its own; every operation maps 1:1 onto a registry operation.
type CellService struct {
	registry *registry.Registry
	cgroupV2 bool
}

// NewCellService creates the façade over a registry.
func NewCellService(cfg Config) (*CellService, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	return &CellService{
		registry: cfg.Registry,
		cgroupV2: cfg.CgroupV2,
	}, nil
}

// Allocate validates the cell spec, generates a name when the caller omitted
// one, and materializes the cell.
func (s *CellService) Allocate(ctx context.Context, req *AllocateRequest) (*AllocateResponse, error) {
	name := req.Cell.Name
	if name == "" {
		name = "cell-" + uuid.NewString()
	}
	if err := validateCellName(name); err != nil {
		return nil, err
	}

	spec := cgroups.Spec{
		Cpu:    req.Cell.Cpu,
		Cpuset: req.Cell.Cpuset,
		Memory: req.Cell.Memory,
	}
	err := s.registry.Allocate(ctx, registry.AllocateRequest{
		Name:           name,
		Spec:           spec,
		IsolateProcess: req.Cell.IsolateProcess,
		IsolateNetwork: req.Cell.IsolateNetwork,
	})
	if err != nil {
		logger.Warn(ctx, "allocate failed", zap.String("cell", name), zap.Error(err))
		return nil, err
	}
	return &AllocateResponse{CellName: name, CgroupV2: s.cgroupV2}, nil
}

// Free destroys an empty cell.
func (s *CellService) Free(ctx context.Context, req *FreeRequest) (*FreeResponse, error) {
	if err := validateCellName(req.CellName); err != nil {
		return nil, err
	}
	if err := s.registry.Free(ctx, req.CellName); err != nil {
		logger.Warn(ctx, "free failed", zap.String("cell", req.CellName), zap.Error(err))
		return nil, err
	}
	return &FreeResponse{}, nil
}

// Start tokenizes the command line and starts the executable inside the
// addressed cell, or in the daemon scope when no cell is named.
func (s *CellService) Start(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	if req.CellName != "" {
		if err := validateCellName(req.CellName); err != nil {
			return nil, err
		}
	}
	if err := validateExecutableName(req.Executable.Name); err != nil {
		return nil, err
	}
	argv, err := parseCommand(req.Executable.Command)
	if err != nil {
		return nil, err
	}

	result, err := s.registry.Start(ctx, req.CellName, registry.ExecutableSpec{
		Name:        req.Executable.Name,
		Command:     req.Executable.Command,
		Argv:        argv,
		WorkDir:     req.Executable.WorkDir,
		Description: req.Executable.Description,
	}, req.Uid, req.Gid)
	if err != nil {
		logger.Warn(ctx, "start failed",
			zap.String("cell", req.CellName),
			zap.String("executable", req.Executable.Name),
			zap.Error(err))
		return nil, err
	}
	return &StartResponse{
		Pid: int32(result.Pid),
		Uid: result.Uid,
		Gid: result.Gid,
	}, nil
}

// Stop terminates one executable and removes it.
func (s *CellService) Stop(ctx context.Context, req *StopRequest) (*StopResponse, error) {
	if req.CellName != "" {
		if err := validateCellName(req.CellName); err != nil {
			return nil, err
		}
	}
	if err := validateExecutableName(req.ExecutableName); err != nil {
		return nil, err
	}
	if err := s.registry.Stop(ctx, req.CellName, req.ExecutableName); err != nil {
		logger.Warn(ctx, "stop failed",
			zap.String("cell", req.CellName),
			zap.String("executable", req.ExecutableName),
			zap.Error(err))
		return nil, err
	}
	return &StopResponse{}, nil
}

// List snapshots the cell tree.
func (s *CellService) List(ctx context.Context) (*ListResponse, error) {
	return &ListResponse{
		Cells:            s.registry.List(),
		LocalExecutables: s.registry.LocalExecutables(),
	}, nil
}

// validateCellName enforces the path-like naming scheme: slash-separated
// segments of [A-Za-z0-9._-], no empty segments, bounded total length.
func validateCellName(name string) error {
	if name == "" {
		return appErr.Newf(appErr.InvalidCellName, "cell name must not be empty")
	}
	if len(name) > maxCellNameLen {
		return appErr.Newf(appErr.InvalidCellName, "cell name exceeds %d characters", maxCellNameLen)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" {
			return appErr.Newf(appErr.InvalidCellName,
				"cell name %q has an empty path segment", name)
		}
		if seg == "." || seg == ".." {
			return appErr.Newf(appErr.InvalidCellName,
				"cell name %q contains a relative path segment", name)
		}
		for _, r := range seg {
			if !isNameRune(r) {
				return appErr.Newf(appErr.InvalidCellName,
					"cell name %q contains invalid character %q", name, r)
			}
		}
	}
	return nil
}

func validateExecutableName(name string) error {
	if name == "" {
		return appErr.New(appErr.RequiredFieldEmpty).WithMessage("executable name must not be empty")
	}
	if len(name) > maxExecutableNameLen {
		return appErr.Newf(appErr.InvalidParams,
			"executable name exceeds %d characters", maxExecutableNameLen)
	}
	for _, r := range name {
		if !isNameRune(r) {
			return appErr.Newf(appErr.InvalidParams,
				"executable name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

func isNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.':
		return true
	}
	return false
}

// parseCommand tokenizes a shell-style command line without invoking a shell.
func parseCommand(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, appErr.New(appErr.InvalidCommand).WithMessage("command must not be empty")
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidCommand, "command %q is not parseable", command)
	}
	if len(argv) == 0 {
		return nil, appErr.New(appErr.InvalidCommand).WithMessage("command must not be empty")
	}
	return argv, nil
}
