package core

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalifun/fleetlink/pkg/types"
)

type namedSink struct {
	name string
}

func (s *namedSink) Send(ctx context.Context, raw []byte) error {
	return nil
}

func TestRegistryRegisterLookupRemove(t *testing.T) {
	r := NewRegistry()
	sink := &namedSink{name: "first"}

	_, ok := r.Lookup("AGV_01")
	assert.False(t, ok)

	r.Register("AGV_01", sink)
	got, ok := r.Lookup("AGV_01")
	require.True(t, ok)
	assert.Same(t, sink, got)
	assert.Equal(t, 1, r.Len())

	r.Remove("AGV_01")
	_, ok = r.Lookup("AGV_01")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())

	// removing an unknown ID is a no-op
	r.Remove("AGV_01")
}

func TestRegistryLastWriterWins(t *testing.T) {
	r := NewRegistry()
	first := &namedSink{name: "first"}
	second := &namedSink{name: "second"}

	r.Register("AGV_01", first)
	r.UpdateStatus("AGV_01", types.DeviceTypeAGV, types.ModeActive)
	r.Register("AGV_01", second)

	assert.Equal(t, 1, r.Len())
	got, ok := r.Lookup("AGV_01")
	require.True(t, ok)
	assert.Same(t, second, got)

	entry, ok := r.Get("AGV_01")
	require.True(t, ok)
	assert.Empty(t, entry.Mode)
}

func TestRegistryUpdateStatus(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.UpdateStatus("AMR_01", types.DeviceTypeAMR, types.ModeActive))

	r.Register("AMR_01", &namedSink{})
	assert.True(t, r.UpdateStatus("AMR_01", types.DeviceTypeAMR, types.ModeActive))
	assert.True(t, r.UpdateStatus("AMR_01", "", types.ModeInactive))

	entry, ok := r.Get("AMR_01")
	require.True(t, ok)
	assert.Equal(t, types.DeviceTypeAMR, entry.DeviceType)
	assert.Equal(t, types.ModeInactive, entry.Mode)
	assert.False(t, entry.LastSeen.Before(entry.RegisteredAt))
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"CELL_02", "AGV_01", "AMR_01"} {
		r.Register(id, &namedSink{name: id})
	}

	entries := r.List()
	require.Len(t, entries, 3)
	assert.Equal(t, "AGV_01", entries[0].ID)
	assert.Equal(t, "AMR_01", entries[1].ID)
	assert.Equal(t, "CELL_02", entries[2].ID)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("AGV_%02d", i%10)
			r.Register(id, &namedSink{name: id})
			r.Lookup(id)
			r.UpdateStatus(id, types.DeviceTypeAGV, types.ModeActive)
			r.Touch(id)
			r.List()
			if i%3 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Len(), 10)
}
