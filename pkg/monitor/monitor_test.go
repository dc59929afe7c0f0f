package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalifun/fleetlink/pkg/bus/memory"
	"github.com/kalifun/fleetlink/pkg/core"
	"github.com/kalifun/fleetlink/pkg/types"
)

func newBus(t *testing.T) *memory.MemoryEventBus {
	t.Helper()
	bus := memory.NewMemoryEventBus("monitor-test-bus", 16)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	return conn
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/monitor" + query
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(payload)
}

func frame(packetType types.PacketType, sender, raw string) *types.Frame {
	return &types.Frame{Type: packetType, SenderID: sender, ReceiverID: "ACS_SERVER", Raw: []byte(raw)}
}

func TestHubStreamsFrames(t *testing.T) {
	bus := newBus(t)
	hub := NewHub("monitor-test", Config{}, bus)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn := dial(t, wsURL(srv, ""))

	var welcome systemMessage
	require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &welcome))
	assert.Equal(t, "SYSTEM", welcome.Type)
	assert.Equal(t, "Connected to fleet monitor", welcome.Message)

	require.Eventually(t, func() bool { return hub.Observers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), frame(types.PacketTypeStatus, "AGV_01", `{"s":1}`)))
	require.NoError(t, bus.Publish(context.Background(), frame(types.PacketTypeLocation, "AGV_01", `{"l":1}`)))

	assert.Equal(t, `{"s":1}`, readText(t, conn))
	assert.Equal(t, `{"l":1}`, readText(t, conn))
}

func TestHubFiltersByType(t *testing.T) {
	bus := newBus(t)
	hub := NewHub("monitor-test", Config{}, bus)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn := dial(t, wsURL(srv, "?type=ack"))
	readText(t, conn) // welcome
	require.Eventually(t, func() bool { return hub.Observers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), frame(types.PacketTypeStatus, "AMR_01", `{"s":1}`)))
	require.NoError(t, bus.Publish(context.Background(), frame(types.PacketTypeAck, "AMR_01", `{"a":1}`)))

	assert.Equal(t, `{"a":1}`, readText(t, conn))
}

func TestHubRejectsUnknownType(t *testing.T) {
	bus := newBus(t)
	hub := NewHub("monitor-test", Config{}, bus)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?type=TELEPORT"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHubChecksOrigin(t *testing.T) {
	bus := newBus(t)
	hub := NewHub("monitor-test", Config{AllowedOrigins: []string{"http://control.local"}}, bus)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	header = http.Header{"Origin": []string{"http://control.local"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.NoError(t, err)
	resp.Body.Close()
	conn.Close()
}

func TestHubObserverLeaves(t *testing.T) {
	bus := newBus(t)
	hub := NewHub("monitor-test", Config{}, bus)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Eventually(t, func() bool { return hub.Observers() == 1 }, time.Second, 5*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	require.Eventually(t, func() bool { return hub.Observers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubStartStop(t *testing.T) {
	bus := newBus(t)
	hub := NewHub("monitor-test", Config{Listen: "127.0.0.1:0"}, bus)
	require.NoError(t, hub.Start(context.Background()))
	assert.Error(t, hub.Start(context.Background()))

	url := "ws://" + hub.Addr().String() + "/monitor"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	readText(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Stop(ctx))
	assert.Equal(t, 0, hub.Observers())
	assert.Nil(t, hub.Addr())
}

type mirrorTransport struct {
	mu     sync.Mutex
	topics []string
	bodies []string
}

func (m *mirrorTransport) ID() string                      { return "mirror-mqtt" }
func (m *mirrorTransport) Start(ctx context.Context) error { return nil }
func (m *mirrorTransport) Stop(ctx context.Context) error  { return nil }

func (m *mirrorTransport) Publish(ctx context.Context, topic string, payload []byte, opts core.PublishOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	m.bodies = append(m.bodies, string(payload))
	return nil
}

func (m *mirrorTransport) Subscribe(ctx context.Context, topic string, handler core.MessageHandler) (core.Subscription, error) {
	return nil, nil
}

func (m *mirrorTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

func TestMirrorRepublishesFrames(t *testing.T) {
	bus := newBus(t)
	transport := &mirrorTransport{}
	mirror := NewMirror("mqtt-mirror", bus, transport, "fleet/monitor/", core.PublishOptions{})

	ctx := context.Background()
	require.NoError(t, mirror.Start(ctx))
	assert.Error(t, mirror.Start(ctx))

	require.NoError(t, bus.Publish(ctx, frame(types.PacketTypeStatus, "AGV_01", `{"s":1}`)))
	require.NoError(t, bus.Publish(ctx, frame(types.PacketTypeAck, "AMR_02", `{"a":1}`)))

	require.Eventually(t, func() bool { return transport.count() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, mirror.Stop(ctx))

	assert.Equal(t, []string{"fleet/monitor/AGV_01/STATUS", "fleet/monitor/AMR_02/ACK"}, transport.topics)
	assert.Equal(t, []string{`{"s":1}`, `{"a":1}`}, transport.bodies)
	assert.NoError(t, mirror.Stop(ctx))
}
