package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kalifun/fleetlink/pkg/types"
)

// DeviceEntry is one row of the registry. Mode is informational only.
type DeviceEntry struct {
	ID           string
	Sink         Sink
	DeviceType   types.DeviceType
	Mode         types.Mode
	RegisteredAt time.Time
	LastSeen     time.Time
}

// Registry maps device IDs to their outbound sinks. It is the single owner of
// sinks; callers borrow them by lookup for the duration of one send.
//
// Registration is last-writer-wins: a reconnect and a spoofed duplicate ID are
// indistinguishable, and both replace the previous entry.
type Registry struct {
	devices map[string]*DeviceEntry
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*DeviceEntry)}
}

// Register binds id to sink, replacing any previous entry for id.
func (r *Registry) Register(id string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.devices[id] = &DeviceEntry{
		ID:           id,
		Sink:         sink,
		RegisteredAt: now,
		LastSeen:     now,
	}
}

func (r *Registry) Lookup(id string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.devices[id]
	if !exists {
		return nil, false
	}
	return entry.Sink, true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.devices, id)
}

// UpdateStatus records the last reported device type and mode. It returns false
// when id is not registered.
func (r *Registry) UpdateStatus(id string, deviceType types.DeviceType, mode types.Mode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.devices[id]
	if !exists {
		return false
	}
	if deviceType != "" {
		entry.DeviceType = deviceType
	}
	if mode != "" {
		entry.Mode = mode
	}
	entry.LastSeen = time.Now()
	return true
}

// Touch refreshes the last-seen time of id.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.devices[id]; exists {
		entry.LastSeen = time.Now()
	}
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (DeviceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.devices[id]
	if !exists {
		return DeviceEntry{}, false
	}
	return *entry, true
}

// List returns copies of all entries ordered by ID.
func (r *Registry) List() []DeviceEntry {
	r.mu.RLock()
	entries := make([]DeviceEntry, 0, len(r.devices))
	for _, entry := range r.devices {
		entries = append(entries, *entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.devices)
}

type deviceKey struct{}

// WithDevice returns a copy of ctx carrying the device ID bound to the
// connection a packet arrived on.
func WithDevice(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceKey{}, deviceID)
}

// DeviceFrom returns the device ID stored by WithDevice.
func DeviceFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceKey{}).(string)
	return id, ok && id != ""
}
