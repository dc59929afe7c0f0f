package scenario

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalifun/fleetlink/errors"
	"github.com/kalifun/fleetlink/pkg/codec"
	"github.com/kalifun/fleetlink/pkg/core"
	"github.com/kalifun/fleetlink/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	defaultDescription  = "Mission Assigned"
	defaultStartupDelay = 10 * time.Second
)

// Config for the player.
type Config struct {
	File string `yaml:"file"`
	// StartupDelay gives devices time to connect before the file is read.
	StartupDelay time.Duration `yaml:"startup_delay"`
}

// State of the player.
type State string

const (
	StateIdle     State = "IDLE"
	StateLoaded   State = "LOADED"
	StateWaiting  State = "WAITING"
	StateExecuted State = "EXECUTED"
	StateDone     State = "DONE"
)

// Stats counts what the player did.
type Stats struct {
	Executed      int
	Delivered     int
	Undeliverable int
	SendFailed    int
}

// Player replays a scenario once. Every step is mirrored to the broadcaster;
// steps sent by the coordinating server are also delivered to their receiver
// if it is connected. Nothing is queued or retried.
type Player struct {
	id          string
	config      Config
	serverID    string
	registry    *core.Registry
	broadcaster core.Broadcaster
	logger      *logrus.Entry

	mu      sync.Mutex
	state   State
	current int
	stats   Stats
	err     error
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPlayer(id string, config Config, serverID string, registry *core.Registry, broadcaster core.Broadcaster) *Player {
	if config.StartupDelay < 0 {
		config.StartupDelay = 0
	}
	return &Player{
		id:          id,
		config:      config,
		serverID:    serverID,
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logrus.WithField("component", id),
		state:       StateIdle,
		current:     -1,
	}
}

func (p *Player) ID() string {
	return p.id
}

// Start runs the player in the background.
func (p *Player) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("scenario player %s is already running", p.id)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	done := p.done
	go func() {
		defer close(done)
		if err := p.Run(runCtx); err != nil && runCtx.Err() == nil {
			p.logger.WithError(err).Error("Scenario halted")
		}
	}()
	return nil
}

// Stop cancels a running scenario and waits for it to return.
func (p *Player) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.TimeoutError.Wrap(ctx.Err())
	}
}

// Run waits the startup delay, loads the configured file and plays it.
func (p *Player) Run(ctx context.Context) error {
	if p.config.StartupDelay > 0 {
		p.logger.WithField("delay", p.config.StartupDelay).Info("Waiting for devices before loading scenario")
		if err := sleep(ctx, p.config.StartupDelay); err != nil {
			return err
		}
	}

	sc, err := Load(p.config.File)
	if err != nil {
		p.mu.Lock()
		p.state = StateLoaded
		p.err = err
		p.mu.Unlock()
		p.logger.WithError(err).Error("Scenario not loaded")
		return err
	}
	return p.Play(ctx, sc)
}

// Play executes the steps of sc in order, each no earlier than its offset
// from the moment Play was called.
func (p *Player) Play(ctx context.Context, sc *Scenario) error {
	p.setState(StateLoaded, -1)
	p.logger.WithFields(logrus.Fields{
		"file":  sc.Path(),
		"steps": sc.Len(),
	}).Info("Scenario loaded")

	start := time.Now()
	for i, step := range sc.steps {
		p.setState(StateWaiting, i)

		offset := time.Duration(step.TimeOffsetMS) * time.Millisecond
		if wait := offset - time.Since(start); wait > 0 {
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}

		p.execute(ctx, i, step)
		p.setState(StateExecuted, i)
	}

	p.setState(StateDone, len(sc.steps)-1)
	p.logger.WithField("stats", fmt.Sprintf("%+v", p.Stats())).Info("Scenario finished")
	return nil
}

// State returns the current state and the index of the step it refers to.
func (p *Player) State() (State, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.current
}

func (p *Player) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Err returns the load error that halted the player, if any.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// IsServer reports whether sender denotes the coordinating server.
func (p *Player) IsServer(sender string) bool {
	return sender == p.serverID || strings.Contains(strings.ToUpper(sender), "SERVER")
}

func (p *Player) execute(ctx context.Context, index int, step Step) {
	msgType := step.MessageType
	if msgType == "" {
		msgType = types.PacketTypeCommand
	}
	sender := step.SenderID
	if sender == "" {
		sender = p.serverID
	}
	description := step.Description
	if description == "" {
		description = defaultDescription
	}
	taskID := step.TaskID
	if taskID == "" {
		taskID = "AUTO_" + uuid.New().String()[:8]
	}
	receiver := step.Receiver()

	logger := p.logger.WithFields(logrus.Fields{
		"step":        index,
		"type":        msgType,
		"sender_id":   sender,
		"receiver_id": receiver,
		"task_id":     taskID,
	})

	body := types.CommandBody{TaskID: taskID, Command: step.Command, Payload: step.Payload}
	pkt, err := types.NewPacket(msgType, sender, receiver, description, body)
	if err != nil {
		logger.WithError(err).Error("Cannot build scenario packet")
		return
	}
	raw, err := codec.Encode(pkt)
	if err != nil {
		logger.WithError(err).Error("Cannot encode scenario packet")
		return
	}

	p.mu.Lock()
	p.stats.Executed++
	p.mu.Unlock()
	logger.Info(description)

	if p.broadcaster != nil {
		frame := types.NewFrame(pkt, bytes.TrimRight(raw, "\n"))
		if err := p.broadcaster.Publish(ctx, frame); err != nil {
			logger.WithError(err).Debug("Broadcast failed")
		}
	}

	if !p.IsServer(sender) {
		return
	}

	if receiver == types.Wildcard {
		entries := p.registry.List()
		if len(entries) == 0 {
			p.count(func(s *Stats) { s.Undeliverable++ })
			logger.Warn("No devices connected for broadcast step")
			return
		}
		for _, entry := range entries {
			p.send(ctx, logger.WithField("device_id", entry.ID), entry.Sink, raw)
		}
		return
	}

	sink, ok := p.registry.Lookup(receiver)
	if !ok {
		p.count(func(s *Stats) { s.Undeliverable++ })
		logger.WithError(errors.Undeliverable.Args(receiver)).Warn("Step not delivered")
		return
	}
	p.send(ctx, logger, sink, raw)
}

func (p *Player) send(ctx context.Context, logger *logrus.Entry, sink core.Sink, raw []byte) {
	if err := sink.Send(ctx, raw); err != nil {
		p.count(func(s *Stats) { s.SendFailed++ })
		logger.WithError(err).Warn("Send failed")
		return
	}
	p.count(func(s *Stats) { s.Delivered++ })
}

func (p *Player) count(update func(*Stats)) {
	p.mu.Lock()
	update(&p.stats)
	p.mu.Unlock()
}

func (p *Player) setState(state State, current int) {
	p.mu.Lock()
	p.state = state
	p.current = current
	p.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultConfig returns the player settings used when the config file has none.
func DefaultConfig() Config {
	return Config{StartupDelay: defaultStartupDelay}
}
