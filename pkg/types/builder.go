package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewPacket builds a packet with a fresh ID and timestamp. body may be nil.
func NewPacket(packetType PacketType, sender, receiver, logText string, body interface{}) (*Packet, error) {
	p := &Packet{
		Header: Header{
			PacketID:   uuid.New().String(),
			Type:       packetType,
			SenderID:   sender,
			ReceiverID: receiver,
			Timestamp:  Now(),
			LogText:    logText,
		},
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", packetType, err)
		}
		p.Body = raw
	}
	return p, nil
}

// Now formats the current instant with TimestampLayout.
func Now() string {
	return time.Now().UTC().Format(TimestampLayout)
}

// NewStatus builds a STATUS packet. occupied is only carried for AGVs.
func NewStatus(sender, receiver string, deviceType DeviceType, mode Mode, occupied bool, logText string) (*Packet, error) {
	body := StatusBody{DeviceType: deviceType, Mode: mode}
	if deviceType == DeviceTypeAGV {
		body.IsOccupied = &occupied
	}
	if logText == "" {
		logText = fmt.Sprintf("[STATUS] %s mode changed: %s", sender, mode)
	}
	return NewPacket(PacketTypeStatus, sender, receiver, logText, body)
}

// NewLocation builds a LOCATION packet for the 1-based segment index.
func NewLocation(sender, receiver, waypoint, dest string, segment int) (*Packet, error) {
	body := LocationBody{
		LocationStatus: LocationStatusMoving,
		Coordinates:    Coordinates{LastQRScanned: waypoint},
		Navigation:     Navigation{CurrentSegmentIndex: segment, FinalDest: dest},
	}
	logText := fmt.Sprintf("[MOVE] %s position: %s", sender, waypoint)
	return NewPacket(PacketTypeLocation, sender, receiver, logText, body)
}

// NewCommand builds a COMMAND packet.
func NewCommand(sender, receiver, taskID, command string, payload map[string]interface{}, logText string) (*Packet, error) {
	body := CommandBody{TaskID: taskID, Command: command, Payload: payload}
	return NewPacket(PacketTypeCommand, sender, receiver, logText, body)
}

// NewEvent builds an EVENT packet.
func NewEvent(sender, receiver, taskID, command string, payload map[string]interface{}, logText string) (*Packet, error) {
	body := CommandBody{TaskID: taskID, Command: command, Payload: payload}
	return NewPacket(PacketTypeEvent, sender, receiver, logText, body)
}

// NewAck builds a completed-task ACK. Exactly one of command and message is
// expected to be set.
func NewAck(sender, receiver, taskID, command, message string) (*Packet, error) {
	body := AckBody{TaskID: taskID, Status: AckStatusCompleted, Command: command, Message: message}
	summary := message
	if summary == "" {
		summary = command
	}
	return NewPacket(PacketTypeAck, sender, receiver, "[DONE] "+summary, body)
}

// NewLog builds a LOG packet.
func NewLog(sender, receiver, text string) (*Packet, error) {
	return NewPacket(PacketTypeLog, sender, receiver, text, LogBody{MessageText: text})
}
