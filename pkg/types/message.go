package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wildcard is the receiver ID every device accepts.
const Wildcard = "ALL"

// TimestampLayout is the fixed textual format of Header.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// PacketType classifies a packet.
type PacketType string

const (
	PacketTypeStatus   PacketType = "STATUS"
	PacketTypeLocation PacketType = "LOCATION"
	PacketTypeCommand  PacketType = "COMMAND"
	PacketTypeAck      PacketType = "ACK"
	PacketTypeLog      PacketType = "LOG"
	PacketTypeEvent    PacketType = "EVENT"
	PacketTypeWildcard PacketType = "*"
)

// Known reports whether t is one of the protocol's packet types.
func (t PacketType) Known() bool {
	switch t {
	case PacketTypeStatus, PacketTypeLocation, PacketTypeCommand,
		PacketTypeAck, PacketTypeLog, PacketTypeEvent:
		return true
	}
	return false
}

// DeviceType is the kind of device reporting a STATUS.
type DeviceType string

const (
	DeviceTypeAGV  DeviceType = "AGV"
	DeviceTypeAMR  DeviceType = "AMR"
	DeviceTypeCell DeviceType = "CELL"
)

// Mode is the last reported operating mode of a device.
type Mode string

const (
	ModeActive   Mode = "ACTIVE"
	ModeInactive Mode = "INACTIVE"
)

// Header carries routing information.
type Header struct {
	PacketID   string     `json:"packet_id,omitempty"`
	Type       PacketType `json:"type"`
	SenderID   string     `json:"sender_id"`
	ReceiverID string     `json:"receiver_id"`
	Timestamp  string     `json:"timestamp,omitempty"`
	LogText    string     `json:"log_text,omitempty"`
}

// Packet is the unit of communication between devices and the relay.
// Body is kept raw so fields this version does not know survive a relay hop.
type Packet struct {
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// AddressedTo reports whether a device with the given ID accepts the packet.
func (p *Packet) AddressedTo(deviceID string) bool {
	return p.Header.ReceiverID == deviceID || p.Header.ReceiverID == Wildcard
}

// DecodeBody unmarshals the body into v. An absent body leaves v untouched.
func (p *Packet) DecodeBody(v interface{}) error {
	if len(p.Body) == 0 || string(p.Body) == "null" {
		return nil
	}
	if err := json.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", p.Header.Type, err)
	}
	return nil
}

// Frame is what the broadcast bus carries to monitoring observers.
type Frame struct {
	Type       PacketType
	SenderID   string
	ReceiverID string
	Raw        []byte
	Time       time.Time
}

// NewFrame builds a frame for a packet whose encoded form is raw.
func NewFrame(p *Packet, raw []byte) *Frame {
	return &Frame{
		Type:       p.Header.Type,
		SenderID:   p.Header.SenderID,
		ReceiverID: p.Header.ReceiverID,
		Raw:        raw,
		Time:       time.Now(),
	}
}

// TransportMessage is the message format used by the transport layer.
type TransportMessage struct {
	Topic   string
	Payload []byte
	Meta    map[string]interface{}
}

// TransportPublish is a message ready to be published on a transport.
type TransportPublish struct {
	Topic   string
	Payload []byte
}
