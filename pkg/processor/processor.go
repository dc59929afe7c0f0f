// Package processor holds the per-type packet handlers the router dispatches to.
package processor

import (
	"context"

	"github.com/kalifun/fleetlink/pkg/core"
	"github.com/kalifun/fleetlink/pkg/types"
	"github.com/sirupsen/logrus"
)

// Defaults returns the handlers for every packet type the relay acts on.
func Defaults(registry *core.Registry) []core.Processor {
	return []core.Processor{
		NewStatusProcessor(registry),
		NewLocationProcessor(),
		NewAckProcessor(),
		NewLogProcessor(),
	}
}

// StatusProcessor records the reported device type and mode in the registry.
type StatusProcessor struct {
	registry *core.Registry
	logger   *logrus.Entry
}

func NewStatusProcessor(registry *core.Registry) *StatusProcessor {
	return &StatusProcessor{
		registry: registry,
		logger:   logrus.WithField("component", "status-processor"),
	}
}

func (p *StatusProcessor) Type() types.PacketType {
	return types.PacketTypeStatus
}

func (p *StatusProcessor) Process(ctx context.Context, pkt *types.Packet) error {
	var body types.StatusBody
	if err := pkt.DecodeBody(&body); err != nil {
		return err
	}

	fields := logrus.Fields{
		"device_id":   pkt.Header.SenderID,
		"device_type": body.DeviceType,
		"mode":        body.Mode,
	}
	if body.IsOccupied != nil {
		fields["is_occupied"] = *body.IsOccupied
	}

	switch body.DeviceType {
	case types.DeviceTypeAGV:
		if body.IsOccupied == nil {
			p.logger.WithFields(fields).Warn("AGV status without occupancy")
		}
	case types.DeviceTypeAMR, types.DeviceTypeCell:
	default:
		p.logger.WithFields(fields).Warn("Status from unknown device type")
	}

	// A connection only reports for the device it is bound to.
	if bound, ok := core.DeviceFrom(ctx); ok && bound != pkt.Header.SenderID {
		fields["bound_id"] = bound
		p.logger.WithFields(fields).Warn("Ignoring status for another device")
		return nil
	}

	if !p.registry.UpdateStatus(pkt.Header.SenderID, body.DeviceType, body.Mode) {
		p.logger.WithFields(fields).Debug("Status for unregistered device")
	}
	p.logger.WithFields(fields).Info("Device status")
	return nil
}

// LocationProcessor logs waypoint progress.
type LocationProcessor struct {
	logger *logrus.Entry
}

func NewLocationProcessor() *LocationProcessor {
	return &LocationProcessor{logger: logrus.WithField("component", "location-processor")}
}

func (p *LocationProcessor) Type() types.PacketType {
	return types.PacketTypeLocation
}

func (p *LocationProcessor) Process(ctx context.Context, pkt *types.Packet) error {
	var body types.LocationBody
	if err := pkt.DecodeBody(&body); err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"device_id":  pkt.Header.SenderID,
		"waypoint":   body.Coordinates.LastQRScanned,
		"segment":    body.Navigation.CurrentSegmentIndex,
		"final_dest": body.Navigation.FinalDest,
	}).Info("Device location")
	return nil
}

// AckProcessor logs task completion. Tasks are not tracked, so nothing changes.
type AckProcessor struct {
	logger *logrus.Entry
}

func NewAckProcessor() *AckProcessor {
	return &AckProcessor{logger: logrus.WithField("component", "ack-processor")}
}

func (p *AckProcessor) Type() types.PacketType {
	return types.PacketTypeAck
}

func (p *AckProcessor) Process(ctx context.Context, pkt *types.Packet) error {
	var body types.AckBody
	if err := pkt.DecodeBody(&body); err != nil {
		return err
	}

	taskID := body.TaskID
	if taskID == "" {
		taskID = "N/A"
	}
	detail := body.Command
	if detail == "" {
		detail = body.Message
	}

	p.logger.WithFields(logrus.Fields{
		"device_id": pkt.Header.SenderID,
		"task_id":   taskID,
		"status":    body.Status,
		"detail":    detail,
	}).Info("Task acknowledged")
	return nil
}

// LogProcessor passes device log text through to the relay log.
type LogProcessor struct {
	logger *logrus.Entry
}

func NewLogProcessor() *LogProcessor {
	return &LogProcessor{logger: logrus.WithField("component", "log-processor")}
}

func (p *LogProcessor) Type() types.PacketType {
	return types.PacketTypeLog
}

func (p *LogProcessor) Process(ctx context.Context, pkt *types.Packet) error {
	var body types.LogBody
	if err := pkt.DecodeBody(&body); err != nil {
		return err
	}
	text := body.MessageText
	if text == "" {
		text = pkt.Header.LogText
	}
	p.logger.WithField("device_id", pkt.Header.SenderID).Info(text)
	return nil
}
