// Package monitor carries the broadcast bus to observers outside the process:
// browsers over WebSocket and subscribers of an MQTT broker.
package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kalifun/fleetlink/errors"
	"github.com/kalifun/fleetlink/pkg/core"
	"github.com/kalifun/fleetlink/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultWriteTimeout = 5 * time.Second

// Config for the WebSocket monitor endpoint.
type Config struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
	// AllowedOrigins lists accepted Origin headers. Empty accepts any origin.
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type systemMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type observer struct {
	id     string
	conn   *websocket.Conn
	topic  types.PacketType
	frames <-chan *types.Frame
	closed chan struct{}
}

// Hub serves the broadcast bus to WebSocket observers. Each observer gets its
// own bus subscription, optionally narrowed to one packet type with ?type=.
type Hub struct {
	id        string
	config    Config
	bus       core.EventBus
	upgrader  websocket.Upgrader
	server    *http.Server
	listener  net.Listener
	observers map[string]*observer
	mu        sync.Mutex
	wg        sync.WaitGroup
	logger    *logrus.Entry
}

func NewHub(id string, config Config, bus core.EventBus) *Hub {
	if config.Path == "" {
		config.Path = "/monitor"
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}

	h := &Hub{
		id:        id,
		config:    config,
		bus:       bus,
		observers: make(map[string]*observer),
		logger:    logrus.WithField("component", id),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) ID() string {
	return h.id
}

// Start serves the monitor path on config.Listen.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.server != nil {
		return errors.ConfigurationError.Args("monitor " + h.id + " is already running")
	}
	if h.config.Listen == "" {
		return errors.ConfigurationError.Args("monitor listen address is required")
	}

	ln, err := net.Listen("tcp", h.config.Listen)
	if err != nil {
		return errors.ConnectionFailed.Wrap(err)
	}

	mux := http.NewServeMux()
	mux.Handle(h.config.Path, h)
	h.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	h.listener = ln

	server := h.server
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.WithError(err).Error("Monitor server failed")
		}
	}()

	h.logger.WithFields(logrus.Fields{
		"addr": ln.Addr().String(),
		"path": h.config.Path,
	}).Info("Monitor listening")
	return nil
}

// Addr returns the bound address, or nil when not started.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop shuts the HTTP server down and disconnects every observer.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	server := h.server
	h.server = nil
	h.listener = nil
	observers := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.Unlock()

	var g errgroup.Group
	if server != nil {
		g.Go(func() error {
			return server.Shutdown(ctx)
		})
	}
	g.Go(func() error {
		// Hijacked connections are not closed by Shutdown.
		for _, o := range observers {
			_ = o.conn.Close()
		}
		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return errors.TimeoutError.Wrap(ctx.Err())
		}
	})

	err := g.Wait()
	h.logger.Info("Monitor stopped")
	return err
}

// Observers returns the number of connected observers.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// ServeHTTP upgrades the request and streams frames until the observer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := types.PacketTypeWildcard
	if filter := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("type"))); filter != "" {
		topic = types.PacketType(filter)
		if !topic.Known() {
			http.Error(w, "unknown packet type "+filter, http.StatusBadRequest)
			return
		}
	}

	frames, err := h.bus.Subscribe(r.Context(), topic)
	if err != nil {
		h.logger.WithError(err).Warn("Monitor subscription failed")
		http.Error(w, "monitor unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Error upgrading websocket connection")
		_ = h.bus.Unsubscribe(context.Background(), topic, frames)
		return
	}

	o := &observer{
		id:     uuid.New().String(),
		conn:   conn,
		topic:  topic,
		frames: frames,
		closed: make(chan struct{}),
	}
	h.add(o)

	h.wg.Add(2)
	go h.readMessages(o)
	go h.writeMessages(o)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	h.logger.WithField("origin", origin).Warn("Rejected monitor origin")
	return false
}

// readMessages discards observer input and notices when the observer leaves.
func (h *Hub) readMessages(o *observer) {
	defer h.wg.Done()
	defer close(o.closed)

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithField("observer", o.id).Debug("Observer read failed")
			}
			return
		}
	}
}

func (h *Hub) writeMessages(o *observer) {
	defer h.wg.Done()
	defer h.remove(o)

	welcome, _ := json.Marshal(systemMessage{Type: "SYSTEM", Message: "Connected to fleet monitor"})
	if err := h.write(o, welcome); err != nil {
		return
	}

	for {
		select {
		case <-o.closed:
			return
		case frame, ok := <-o.frames:
			if !ok {
				_ = o.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopped"),
					time.Now().Add(h.config.WriteTimeout))
				return
			}
			if err := h.write(o, frame.Raw); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(o *observer, payload []byte) error {
	_ = o.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	if err := o.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.logger.WithError(err).WithField("observer", o.id).Debug("Error writing message")
		return err
	}
	return nil
}

func (h *Hub) add(o *observer) {
	h.mu.Lock()
	h.observers[o.id] = o
	count := len(h.observers)
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"observer":  o.id,
		"topic":     o.topic,
		"observers": count,
	}).Info("Observer connected")
}

func (h *Hub) remove(o *observer) {
	h.mu.Lock()
	delete(h.observers, o.id)
	count := len(h.observers)
	h.mu.Unlock()

	if err := h.bus.Unsubscribe(context.Background(), o.topic, o.frames); err != nil {
		h.logger.WithError(err).Debug("Observer unsubscribe failed")
	}
	_ = o.conn.Close()

	h.logger.WithFields(logrus.Fields{
		"observer":  o.id,
		"observers": count,
	}).Info("Observer disconnected")
}
