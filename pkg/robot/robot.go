// Package robot simulates a fleet device on the client side of a relay
// connection: guided vehicles and mobile robots that drive waypoint routes,
// and work cells that run an assembly cycle.
package robot

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kalifun/fleetlink/errors"
	"github.com/kalifun/fleetlink/pkg/codec"
	"github.com/kalifun/fleetlink/pkg/core"
	"github.com/kalifun/fleetlink/pkg/types"
	"github.com/sirupsen/logrus"
)

// DefaultDestination is used when a command names none.
const DefaultDestination = "BASE_STATION"

// State of a device.
type State string

const (
	StateActive   State = "ACTIVE"
	StateMoving   State = "MOVING"
	StateInactive State = "INACTIVE"
)

// Config for one simulated device.
type Config struct {
	ID         string
	DeviceType types.DeviceType
	ServerID   string
	// TravelInterval is the time between two waypoints.
	TravelInterval time.Duration
	// ArrivalDelay follows the last waypoint, before the ACK.
	ArrivalDelay time.Duration
	// WorkInterval is the length of a cell's assembly cycle.
	WorkInterval     time.Duration
	MovementCommands []string
}

func (c Config) withDefaults() Config {
	if c.TravelInterval <= 0 {
		c.TravelInterval = 2 * time.Second
	}
	if c.ArrivalDelay <= 0 {
		c.ArrivalDelay = time.Second
	}
	if c.WorkInterval <= 0 {
		c.WorkInterval = 3 * time.Second
	}
	if len(c.MovementCommands) == 0 {
		c.MovementCommands = []string{"MOVE_PATH", "DELIVER_PART", "MOVE_CMD"}
	}
	if c.ServerID == "" {
		c.ServerID = "ACS_SERVER"
	}
	return c
}

// Robot reacts to packets addressed to it and reports back through out.
// Movement and work cycles run in their own goroutines so the read loop keeps
// going; several may overlap.
type Robot struct {
	config Config
	out    core.Sink
	logger *logrus.Entry

	mu     sync.Mutex
	state  State
	moving int
	wg     sync.WaitGroup
}

func New(config Config, out core.Sink) *Robot {
	config = config.withDefaults()
	state := StateActive
	if config.DeviceType == types.DeviceTypeCell {
		state = StateInactive
	}
	return &Robot{
		config: config,
		out:    out,
		state:  state,
		logger: logrus.WithFields(logrus.Fields{
			"component":   "robot",
			"device_id":   config.ID,
			"device_type": config.DeviceType,
		}),
	}
}

func (r *Robot) ID() string {
	return r.config.ID
}

func (r *Robot) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Announce reports the initial status. It must be the first packet on a new
// connection because it binds the device ID on the relay.
func (r *Robot) Announce(ctx context.Context) error {
	return r.sendStatus(ctx, r.State(), "")
}

// Run reads packets from in until it ends or ctx is cancelled, then waits for
// running cycles to finish.
func (r *Robot) Run(ctx context.Context, in io.Reader) error {
	defer r.wg.Wait()

	reader := codec.NewReader(in)
	for {
		line, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil && !errors.Is(err, errors.DecodeFailed) {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err == nil {
			err = r.Handle(ctx, line)
		}
		if err != nil {
			r.logger.WithError(err).Warn("Ignoring packet")
		}
	}
}

// Wait blocks until every started cycle has finished.
func (r *Robot) Wait() {
	r.wg.Wait()
}

// Handle processes one wire record.
func (r *Robot) Handle(ctx context.Context, line []byte) error {
	pkt, err := codec.Decode(line)
	if err != nil {
		return err
	}
	if !pkt.AddressedTo(r.config.ID) {
		return nil
	}

	r.logger.WithFields(logrus.Fields{
		"type":      pkt.Header.Type,
		"sender_id": pkt.Header.SenderID,
	}).Info(pkt.Header.LogText)

	switch pkt.Header.Type {
	case types.PacketTypeCommand:
		var cmd types.CommandBody
		if err := pkt.DecodeBody(&cmd); err != nil {
			return err
		}
		if r.config.DeviceType == types.DeviceTypeCell || !r.isMovement(cmd.Command) {
			r.logger.WithField("command", cmd.Command).Debug("Command not handled by this device")
			return nil
		}
		r.mu.Lock()
		r.moving++
		r.state = StateMoving
		r.mu.Unlock()
		r.start(func() { r.move(ctx, cmd) })

	case types.PacketTypeEvent:
		if r.config.DeviceType != types.DeviceTypeCell {
			return nil
		}
		var event types.CommandBody
		if err := pkt.DecodeBody(&event); err != nil {
			return err
		}
		r.start(func() { r.work(ctx, event) })
	}
	return nil
}

func (r *Robot) isMovement(command string) bool {
	for _, c := range r.config.MovementCommands {
		if c == command {
			return true
		}
	}
	return false
}

func (r *Robot) start(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// move runs one movement sequence. The caller has already counted it in
// r.moving.
func (r *Robot) move(ctx context.Context, cmd types.CommandBody) {
	dest := cmd.Destination()
	if dest == "" {
		dest = DefaultDestination
	}
	logger := r.logger.WithFields(logrus.Fields{
		"task_id":    cmd.TaskID,
		"final_dest": dest,
	})

	waypoints, err := cmd.Waypoints()
	if err != nil {
		logger.WithError(err).Warn("Ignoring malformed waypoints")
		waypoints = nil
	}
	logger.WithField("waypoints", len(waypoints)).Info("Movement started")

	if !r.drive(ctx, logger, waypoints, dest) {
		r.finishMove(ctx, false)
		return
	}

	var ack *types.Packet
	if r.config.DeviceType == types.DeviceTypeAGV {
		ack, err = types.NewAck(r.config.ID, r.config.ServerID, cmd.TaskID, "", dest+" arrival complete")
	} else {
		ack, err = types.NewAck(r.config.ID, r.config.ServerID, cmd.TaskID, "ARRIVED_AT_"+strings.ToUpper(dest), "")
	}
	if err == nil {
		err = r.send(ctx, ack)
	}
	if err != nil {
		logger.WithError(err).Warn("Cannot report arrival")
	}
	logger.Info("Movement complete")
	r.finishMove(ctx, true)
}

// drive walks the waypoints and waits out the arrival delay. It returns false
// if ctx ended first.
func (r *Robot) drive(ctx context.Context, logger *logrus.Entry, waypoints []string, dest string) bool {
	if len(waypoints) == 0 {
		if sleep(ctx, r.config.TravelInterval) != nil {
			return false
		}
	}
	for i, waypoint := range waypoints {
		if sleep(ctx, r.config.TravelInterval) != nil {
			return false
		}
		loc, err := types.NewLocation(r.config.ID, r.config.ServerID, waypoint, dest, i+1)
		if err == nil {
			err = r.send(ctx, loc)
		}
		if err != nil {
			logger.WithError(err).WithField("waypoint", waypoint).Warn("Cannot report location")
		}
	}
	return sleep(ctx, r.config.ArrivalDelay) == nil
}

func (r *Robot) finishMove(ctx context.Context, report bool) {
	r.mu.Lock()
	r.moving--
	if r.moving == 0 {
		r.state = StateInactive
	}
	r.mu.Unlock()

	if report {
		if err := r.sendStatus(ctx, StateInactive, ""); err != nil {
			r.logger.WithError(err).Warn("Cannot report status")
		}
	}
}

func (r *Robot) work(ctx context.Context, event types.CommandBody) {
	logger := r.logger.WithField("task_id", event.TaskID)

	r.setState(StateActive)
	if err := r.sendStatus(ctx, StateActive, fmt.Sprintf("[CELL] %s assembly started", r.config.ID)); err != nil {
		logger.WithError(err).Warn("Cannot report status")
	}

	if sleep(ctx, r.config.WorkInterval) != nil {
		return
	}

	r.setState(StateInactive)
	if err := r.sendStatus(ctx, StateInactive, fmt.Sprintf("[CELL] %s assembly complete", r.config.ID)); err != nil {
		logger.WithError(err).Warn("Cannot report status")
	}
}

func (r *Robot) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *Robot) sendStatus(ctx context.Context, state State, logText string) error {
	mode := types.ModeInactive
	if state != StateInactive {
		mode = types.ModeActive
	}
	pkt, err := types.NewStatus(r.config.ID, r.config.ServerID, r.config.DeviceType, mode, false, logText)
	if err != nil {
		return err
	}
	return r.send(ctx, pkt)
}

func (r *Robot) send(ctx context.Context, pkt *types.Packet) error {
	raw, err := codec.Encode(pkt)
	if err != nil {
		return err
	}
	return r.out.Send(ctx, raw)
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
