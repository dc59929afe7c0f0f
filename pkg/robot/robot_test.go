package robot

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalifun/fleetlink/pkg/codec"
	"github.com/kalifun/fleetlink/pkg/types"
)

type outbox struct {
	mu      sync.Mutex
	packets []*types.Packet
}

func (o *outbox) Send(ctx context.Context, raw []byte) error {
	pkt, err := codec.Decode(raw)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.packets = append(o.packets, pkt)
	return nil
}

func (o *outbox) all() []*types.Packet {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*types.Packet(nil), o.packets...)
}

func fastConfig(id string, deviceType types.DeviceType) Config {
	return Config{
		ID:             id,
		DeviceType:     deviceType,
		ServerID:       "ACS_SERVER",
		TravelInterval: 5 * time.Millisecond,
		ArrivalDelay:   5 * time.Millisecond,
		WorkInterval:   5 * time.Millisecond,
	}
}

func commandLine(t *testing.T, receiver, taskID, command string, payload map[string]interface{}) []byte {
	t.Helper()
	pkt, err := types.NewCommand("ACS_SERVER", receiver, taskID, command, payload, "Mission Assigned")
	require.NoError(t, err)
	raw, err := codec.Encode(pkt)
	require.NoError(t, err)
	return raw
}

func TestThreeWaypointMovement(t *testing.T) {
	out := &outbox{}
	r := New(fastConfig("AGV_01", types.DeviceTypeAGV), out)
	ctx := context.Background()

	line := commandLine(t, "AGV_01", "T1", "MOVE_PATH", map[string]interface{}{
		"final_dest": "CELL_01",
		"waypoints":  []interface{}{"QR_1", "QR_2", "QR_3"},
	})
	require.NoError(t, r.Handle(ctx, line))
	r.Wait()

	got := out.all()
	require.Len(t, got, 5)

	for i := 0; i < 3; i++ {
		assert.Equal(t, types.PacketTypeLocation, got[i].Header.Type)
		var loc types.LocationBody
		require.NoError(t, got[i].DecodeBody(&loc))
		assert.Equal(t, i+1, loc.Navigation.CurrentSegmentIndex)
		assert.Equal(t, "CELL_01", loc.Navigation.FinalDest)
		assert.Equal(t, types.LocationStatusMoving, loc.LocationStatus)
		assert.Equal(t, []string{"QR_1", "QR_2", "QR_3"}[i], loc.Coordinates.LastQRScanned)
	}

	assert.Equal(t, types.PacketTypeAck, got[3].Header.Type)
	var ack types.AckBody
	require.NoError(t, got[3].DecodeBody(&ack))
	assert.Equal(t, "T1", ack.TaskID)
	assert.Equal(t, types.AckStatusCompleted, ack.Status)
	assert.Equal(t, "CELL_01 arrival complete", ack.Message)

	assert.Equal(t, types.PacketTypeStatus, got[4].Header.Type)
	var status types.StatusBody
	require.NoError(t, got[4].DecodeBody(&status))
	assert.Equal(t, types.ModeInactive, status.Mode)
	require.NotNil(t, status.IsOccupied)

	for _, pkt := range got {
		assert.Equal(t, "AGV_01", pkt.Header.SenderID)
		assert.Equal(t, "ACS_SERVER", pkt.Header.ReceiverID)
	}
	assert.Equal(t, StateInactive, r.State())
}

func TestAMRArrivalAndOccupancy(t *testing.T) {
	out := &outbox{}
	r := New(fastConfig("AMR_01", types.DeviceTypeAMR), out)
	ctx := context.Background()

	require.NoError(t, r.Announce(ctx))
	require.NoError(t, r.Handle(ctx, commandLine(t, "AMR_01", "T7", "DELIVER_PART",
		map[string]interface{}{"target_cell": "cell_02"})))
	r.Wait()

	got := out.all()
	require.Len(t, got, 3)

	var status types.StatusBody
	require.NoError(t, got[0].DecodeBody(&status))
	assert.Equal(t, types.ModeActive, status.Mode)
	assert.Nil(t, status.IsOccupied)
	assert.NotContains(t, string(got[0].Body), "is_occupied")

	var ack types.AckBody
	require.NoError(t, got[1].DecodeBody(&ack))
	assert.Equal(t, "ARRIVED_AT_CELL_02", ack.Command)
	assert.Empty(t, ack.Message)

	assert.Equal(t, types.PacketTypeStatus, got[2].Header.Type)
	assert.NotContains(t, string(got[2].Body), "is_occupied")
}

func TestDefaultDestination(t *testing.T) {
	out := &outbox{}
	r := New(fastConfig("AGV_02", types.DeviceTypeAGV), out)

	require.NoError(t, r.Handle(context.Background(), commandLine(t, "AGV_02", "T3", "MOVE_CMD", nil)))
	r.Wait()

	got := out.all()
	require.Len(t, got, 2)
	var ack types.AckBody
	require.NoError(t, got[0].DecodeBody(&ack))
	assert.Equal(t, "BASE_STATION arrival complete", ack.Message)
}

func TestAddressing(t *testing.T) {
	out := &outbox{}
	r := New(fastConfig("AGV_01", types.DeviceTypeAGV), out)
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, commandLine(t, "AGV_99", "T1", "MOVE_PATH", nil)))
	r.Wait()
	assert.Empty(t, out.all())

	require.NoError(t, r.Handle(ctx, commandLine(t, types.Wildcard, "T2", "MOVE_PATH", nil)))
	r.Wait()
	assert.Len(t, out.all(), 2)

	// not a movement directive
	require.NoError(t, r.Handle(ctx, commandLine(t, "AGV_01", "T3", "SELF_TEST", nil)))
	r.Wait()
	assert.Len(t, out.all(), 2)

	assert.Error(t, r.Handle(ctx, []byte("garbage")))
}

func TestConcurrentMovements(t *testing.T) {
	out := &outbox{}
	r := New(fastConfig("AGV_01", types.DeviceTypeAGV), out)
	ctx := context.Background()

	payload := map[string]interface{}{"waypoints": []interface{}{"QR_1", "QR_2"}}
	require.NoError(t, r.Handle(ctx, commandLine(t, "AGV_01", "T1", "MOVE_PATH", payload)))
	require.NoError(t, r.Handle(ctx, commandLine(t, "AGV_01", "T2", "MOVE_PATH", payload)))
	assert.Equal(t, StateMoving, r.State())
	r.Wait()

	var acks, statuses int
	for _, pkt := range out.all() {
		switch pkt.Header.Type {
		case types.PacketTypeAck:
			acks++
		case types.PacketTypeStatus:
			statuses++
		}
	}
	assert.Equal(t, 2, acks)
	// every sequence reports INACTIVE after its ACK
	assert.Equal(t, 2, statuses)
	assert.Equal(t, StateInactive, r.State())
}

func TestOverlappingDeliveriesReportEach(t *testing.T) {
	out := &outbox{}
	r := New(fastConfig("AMR_01", types.DeviceTypeAMR), out)
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, commandLine(t, "AMR_01", "T1", "DELIVER_PART",
		map[string]interface{}{"target_cell": "CELL_01"})))
	require.NoError(t, r.Handle(ctx, commandLine(t, "AMR_01", "T2", "DELIVER_PART",
		map[string]interface{}{"target_cell": "CELL_02"})))
	r.Wait()

	got := out.all()
	require.Len(t, got, 4)
	var acks, statuses int
	for _, pkt := range got {
		switch pkt.Header.Type {
		case types.PacketTypeAck:
			acks++
		case types.PacketTypeStatus:
			var status types.StatusBody
			require.NoError(t, pkt.DecodeBody(&status))
			assert.Equal(t, types.ModeInactive, status.Mode)
			statuses++
			assert.LessOrEqual(t, statuses, acks)
		}
	}
	assert.Equal(t, 2, acks)
	assert.Equal(t, 2, statuses)
}

func TestRunSkipsOversizedRecord(t *testing.T) {
	out := &outbox{}
	r := New(fastConfig("AGV_01", types.DeviceTypeAGV), out)

	input := strings.Repeat("x", codec.MaxLineSize+1) + "\n" + string(commandLine(t, "AGV_01", "T1", "MOVE_PATH", nil))
	require.NoError(t, r.Run(context.Background(), strings.NewReader(input)))
	assert.Len(t, out.all(), 2)
}

func TestCellWorkCycle(t *testing.T) {
	out := &outbox{}
	r := New(fastConfig("CELL_01", types.DeviceTypeCell), out)
	ctx := context.Background()
	assert.Equal(t, StateInactive, r.State())

	require.NoError(t, r.Announce(ctx))

	event, err := types.NewEvent("DCC_SERVER", "CELL_01", "T5", "START_ASSEMBLY", nil, "")
	require.NoError(t, err)
	raw, err := codec.Encode(event)
	require.NoError(t, err)
	require.NoError(t, r.Handle(ctx, raw))

	// cells do not move
	require.NoError(t, r.Handle(ctx, commandLine(t, "CELL_01", "T6", "MOVE_PATH", nil)))
	r.Wait()

	got := out.all()
	require.Len(t, got, 3)
	modes := make([]types.Mode, 0, len(got))
	for _, pkt := range got {
		var status types.StatusBody
		require.NoError(t, pkt.DecodeBody(&status))
		assert.Equal(t, types.DeviceTypeCell, status.DeviceType)
		modes = append(modes, status.Mode)
	}
	assert.Equal(t, []types.Mode{types.ModeInactive, types.ModeActive, types.ModeInactive}, modes)
	assert.Contains(t, got[1].Header.LogText, "assembly started")
}

func TestRunStopsAtEndOfStream(t *testing.T) {
	out := &outbox{}
	r := New(fastConfig("AGV_01", types.DeviceTypeAGV), out)

	input := string(commandLine(t, "AGV_01", "T1", "MOVE_PATH", nil)) + "not json\n"
	require.NoError(t, r.Run(context.Background(), strings.NewReader(input)))
	// Run waits for the movement it started
	assert.Len(t, out.all(), 2)
}

func TestCancelAbortsMovement(t *testing.T) {
	out := &outbox{}
	cfg := fastConfig("AGV_01", types.DeviceTypeAGV)
	cfg.TravelInterval = time.Hour
	r := New(cfg, out)

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, pr) }()

	_, err := pw.Write(commandLine(t, "AGV_01", "T1", "MOVE_PATH", map[string]interface{}{"waypoints": []interface{}{"QR_1"}}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.State() == StateMoving }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, pw.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, out.all())
}
