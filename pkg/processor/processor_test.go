package processor

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalifun/fleetlink/pkg/core"
	"github.com/kalifun/fleetlink/pkg/types"
)

func TestDefaultsCoverRelayTypes(t *testing.T) {
	seen := map[types.PacketType]bool{}
	for _, p := range Defaults(core.NewRegistry()) {
		seen[p.Type()] = true
	}
	assert.True(t, seen[types.PacketTypeStatus])
	assert.True(t, seen[types.PacketTypeAck])
	assert.True(t, seen[types.PacketTypeLog])
	assert.True(t, seen[types.PacketTypeLocation])
	assert.False(t, seen[types.PacketTypeCommand])
}

func TestStatusProcessorUpdatesRegistry(t *testing.T) {
	registry := core.NewRegistry()
	registry.Register("AGV_01", core.SinkFunc(func(ctx context.Context, raw []byte) error { return nil }))
	p := NewStatusProcessor(registry)

	pkt, err := types.NewStatus("AGV_01", "ACS_SERVER", types.DeviceTypeAGV, types.ModeInactive, true, "")
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), pkt))

	entry, ok := registry.Get("AGV_01")
	require.True(t, ok)
	assert.Equal(t, types.DeviceTypeAGV, entry.DeviceType)
	assert.Equal(t, types.ModeInactive, entry.Mode)
}

func TestStatusProcessorUnregisteredDevice(t *testing.T) {
	registry := core.NewRegistry()
	p := NewStatusProcessor(registry)

	pkt, err := types.NewStatus("CELL_01", "ACS_SERVER", types.DeviceTypeCell, types.ModeActive, false, "")
	require.NoError(t, err)
	assert.NoError(t, p.Process(context.Background(), pkt))
	assert.Equal(t, 0, registry.Len())
}

func TestStatusProcessorWarnsOnMissingOccupancy(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	p := NewStatusProcessor(core.NewRegistry())
	pkt := &types.Packet{
		Header: types.Header{Type: types.PacketTypeStatus, SenderID: "AGV_07", ReceiverID: "ACS_SERVER"},
		Body:   []byte(`{"device_type":"AGV","mode":"ACTIVE"}`),
	}
	require.NoError(t, p.Process(context.Background(), pkt))

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "AGV status without occupancy" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestProcessorsRejectMalformedBody(t *testing.T) {
	tests := []struct {
		name string
		proc core.Processor
	}{
		{name: "ack", proc: NewAckProcessor()},
		{name: "status", proc: NewStatusProcessor(core.NewRegistry())},
		{name: "location", proc: NewLocationProcessor()},
		{name: "log", proc: NewLogProcessor()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := &types.Packet{
				Header: types.Header{Type: tt.proc.Type(), SenderID: "AMR_01", ReceiverID: "DCC_SERVER"},
				Body:   []byte(`["not", "an", "object"]`),
			}
			assert.Error(t, tt.proc.Process(context.Background(), pkt))
		})
	}
}

func TestAckAndLogProcessors(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	ack, err := types.NewAck("AMR_01", "DCC_SERVER", "T9", "ARRIVED_AT_CELL_02", "")
	require.NoError(t, err)
	require.NoError(t, NewAckProcessor().Process(context.Background(), ack))

	log, err := types.NewLog("CELL_01", "ACS_SERVER", "conveyor jammed")
	require.NoError(t, err)
	require.NoError(t, NewLogProcessor().Process(context.Background(), log))

	var sawAck, sawLog bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Task acknowledged" {
			sawAck = entry.Data["task_id"] == "T9" && entry.Data["detail"] == "ARRIVED_AT_CELL_02"
		}
		if entry.Message == "conveyor jammed" {
			sawLog = true
		}
	}
	assert.True(t, sawAck)
	assert.True(t, sawLog)
}

func TestStatusProcessorIgnoresOtherDevice(t *testing.T) {
	registry := core.NewRegistry()
	noop := core.SinkFunc(func(ctx context.Context, raw []byte) error { return nil })
	registry.Register("AGV_01", noop)
	registry.Register("AGV_02", noop)
	require.True(t, registry.UpdateStatus("AGV_02", types.DeviceTypeAGV, types.ModeActive))
	p := NewStatusProcessor(registry)

	// arrives on the connection bound to AGV_01 but claims AGV_02
	pkt, err := types.NewStatus("AGV_02", "ACS_SERVER", types.DeviceTypeAGV, types.ModeInactive, false, "")
	require.NoError(t, err)
	require.NoError(t, p.Process(core.WithDevice(context.Background(), "AGV_01"), pkt))

	entry, ok := registry.Get("AGV_02")
	require.True(t, ok)
	assert.Equal(t, types.ModeActive, entry.Mode)

	// the bound device itself is updated
	pkt, err = types.NewStatus("AGV_01", "ACS_SERVER", types.DeviceTypeAGV, types.ModeInactive, false, "")
	require.NoError(t, err)
	require.NoError(t, p.Process(core.WithDevice(context.Background(), "AGV_01"), pkt))
	entry, ok = registry.Get("AGV_01")
	require.True(t, ok)
	assert.Equal(t, types.ModeInactive, entry.Mode)
}
