package observe

import (
	"sync"

	appErr "celld/pkg/errors"
)

// ChannelType distinguishes the output streams of one process.
type ChannelType int

const (
	ChannelStdout ChannelType = iota + 1
	ChannelStderr
)

// Registry tracks the log channels of live executables by pid.
type Registry struct {
	mu       sync.Mutex
	channels map[int]map[ChannelType]*LogBuffer
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[int]map[ChannelType]*LogBuffer)}
}

// Register attaches a channel for pid. Registering the same channel type
// twice for one pid is an error.
func (r *Registry) Register(pid int, typ ChannelType, buf *LogBuffer) error {
	if pid <= 0 {
		return appErr.ValidationError("pid", "invalid")
	}
	if buf == nil {
		return appErr.ValidationError("buffer", "required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.channels[pid]
	if !ok {
		byType = make(map[ChannelType]*LogBuffer)
		r.channels[pid] = byType
	}
	if _, exists := byType[typ]; exists {
		return appErr.Newf(appErr.InvalidParams, "log channel already registered for pid %d", pid)
	}
	byType[typ] = buf
	return nil
}

// Unregister drops a channel for pid. Missing entries are not an error so
// stop paths stay idempotent.
func (r *Registry) Unregister(pid int, typ ChannelType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.channels[pid]
	if !ok {
		return
	}
	delete(byType, typ)
	if len(byType) == 0 {
		delete(r.channels, pid)
	}
}

// Get returns the channel registered for pid, if any.
func (r *Registry) Get(pid int, typ ChannelType) (*LogBuffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.channels[pid]
	if !ok {
		return nil, false
	}
	buf, ok := byType[typ]
	return buf, ok
}

// Has reports whether a channel is registered for pid.
func (r *Registry) Has(pid int, typ ChannelType) bool {
	_, ok := r.Get(pid, typ)
	return ok
}
