package vda5050

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kalifun/fleetlink/errors"
	"github.com/kalifun/fleetlink/pkg/converter"
	"github.com/kalifun/fleetlink/pkg/types"
	"github.com/kalifun/vda5050-types-go"
	"github.com/kalifun/vda5050-types-go/connection"
	"github.com/kalifun/vda5050-types-go/factsheet"
	"github.com/kalifun/vda5050-types-go/instant_actions"
	"github.com/kalifun/vda5050-types-go/order"
	"github.com/kalifun/vda5050-types-go/state"
	"github.com/kalifun/vda5050-types-go/visualization"
)

// Topic kinds, the last segment of a VDA5050 topic.
const (
	TopicOrder          = "order"
	TopicInstantActions = "instantActions"
	TopicState          = "state"
	TopicVisualization  = "visualization"
	TopicConnection     = "connection"
	TopicFactsheet      = "factsheet"
)

// Connection states reported on the connection topic.
const (
	ConnectionOnline  = "ONLINE"
	ConnectionOffline = "OFFLINE"
	ConnectionBroken  = "CONNECTIONBROKEN"
)

var _ converter.Converter = (*VDA5050Converter)(nil)

// Config for the converter.
type Config struct {
	InterfaceName string           `yaml:"interface_name"`
	Version       string           `yaml:"version"`
	Manufacturer  string           `yaml:"manufacturer"`
	DeviceType    types.DeviceType `yaml:"device_type"`
	ServerID      string           `yaml:"-"`
}

// Topic is a parsed VDA5050 topic.
type Topic struct {
	Interface    string
	Version      string
	Manufacturer string
	SerialNumber string
	Kind         string
}

func (t Topic) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", t.Interface, t.Version, t.Manufacturer, t.SerialNumber, t.Kind)
}

// ParseTopic splits interface/version/manufacturer/serial/kind.
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 {
		return Topic{}, errors.ConversionFailed.Args(
			fmt.Sprintf("invalid VDA5050 topic format: %s, expected at least 5 parts", topic))
	}
	n := len(parts)
	return Topic{
		Interface:    strings.Join(parts[:n-4], "/"),
		Version:      parts[n-4],
		Manufacturer: parts[n-3],
		SerialNumber: parts[n-2],
		Kind:         parts[n-1],
	}, nil
}

// stateSummary is the part of a state message the relay reports on.
type stateSummary struct {
	OrderID       string            `json:"orderId"`
	LastNodeID    string            `json:"lastNodeId"`
	Driving       bool              `json:"driving"`
	OperatingMode string            `json:"operatingMode"`
	Loads         []json.RawMessage `json:"loads"`
}

type connectionSummary struct {
	ConnectionState string `json:"connectionState"`
}

type instantActionsMessage struct {
	HeaderID     uint32   `json:"headerId"`
	Timestamp    string   `json:"timestamp"`
	Version      string   `json:"version"`
	Manufacturer string   `json:"manufacturer"`
	SerialNumber string   `json:"serialNumber"`
	Actions      []action `json:"actions"`
}

type action struct {
	ActionType       string            `json:"actionType"`
	ActionID         string            `json:"actionId"`
	BlockingType     string            `json:"blockingType"`
	ActionParameters []actionParameter `json:"actionParameters,omitempty"`
}

type actionParameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// VDA5050Converter maps VDA5050 robot traffic onto relay packets. State and
// connection messages become STATUS packets; COMMAND packets become instant
// actions.
type VDA5050Converter struct {
	config   Config
	headerID atomic.Uint32
	mu       sync.RWMutex
	robots   map[string]Topic
}

func NewConverter(config Config) *VDA5050Converter {
	if config.InterfaceName == "" {
		config.InterfaceName = "uagv"
	}
	if config.Version == "" {
		config.Version = "v2"
	}
	if config.DeviceType == "" {
		config.DeviceType = types.DeviceTypeAGV
	}
	return &VDA5050Converter{config: config, robots: make(map[string]Topic)}
}

// ToPacket converts a transport message to a packet
func (c *VDA5050Converter) ToPacket(ctx context.Context, tmsg *types.TransportMessage) (*types.Packet, error) {
	topic, err := ParseTopic(tmsg.Topic)
	if err != nil {
		return nil, err
	}
	header, err := extractHeader(tmsg.Payload)
	if err != nil {
		return nil, errors.ConversionFailed.Args("failed to extract VDA5050 header").Wrap(err)
	}
	if err := validate(topic.Kind, tmsg.Payload); err != nil {
		return nil, err
	}

	c.remember(topic)
	logText := fmt.Sprintf("vda5050 %s header %v at %v", topic.Kind, header.HeaderId, header.Timestamp)

	switch topic.Kind {
	case TopicState:
		var summary stateSummary
		if err := json.Unmarshal(tmsg.Payload, &summary); err != nil {
			return nil, errors.ConversionFailed.Args("state summary").Wrap(err)
		}
		mode := types.ModeInactive
		if summary.Driving || summary.OrderID != "" {
			mode = types.ModeActive
		}
		return types.NewStatus(topic.SerialNumber, c.config.ServerID, c.config.DeviceType, mode, len(summary.Loads) > 0, logText)

	case TopicConnection:
		connState, err := ConnectionState(tmsg.Payload)
		if err != nil {
			return nil, err
		}
		mode := types.ModeInactive
		if connState == ConnectionOnline {
			mode = types.ModeActive
		}
		return types.NewStatus(topic.SerialNumber, c.config.ServerID, c.config.DeviceType, mode, false,
			logText+" "+connState)

	case TopicFactsheet:
		return types.NewLog(topic.SerialNumber, c.config.ServerID, logText)
	}

	return nil, errors.UnsupportedPacket.Args(topic.Kind)
}

// FromPacket converts a COMMAND packet to an instantActions publish.
func (c *VDA5050Converter) FromPacket(ctx context.Context, pkt *types.Packet) (*types.TransportPublish, error) {
	if pkt == nil {
		return nil, errors.ConversionFailed.Args("packet cannot be nil")
	}
	if pkt.Header.Type != types.PacketTypeCommand {
		return nil, errors.UnsupportedPacket.Args(pkt.Header.Type)
	}

	var cmd types.CommandBody
	if err := pkt.DecodeBody(&cmd); err != nil {
		return nil, errors.ConversionFailed.Args("command body").Wrap(err)
	}
	if cmd.Command == "" {
		return nil, errors.ConversionFailed.Args("command is required")
	}

	topic := c.topicFor(pkt.Header.ReceiverID)
	actionID := cmd.TaskID
	if actionID == "" {
		actionID = pkt.Header.PacketID
	}

	msg := instantActionsMessage{
		HeaderID:     c.headerID.Add(1),
		Timestamp:    types.Now(),
		Version:      topic.Version,
		Manufacturer: topic.Manufacturer,
		SerialNumber: topic.SerialNumber,
		Actions: []action{{
			ActionType:       cmd.Command,
			ActionID:         actionID,
			BlockingType:     "NONE",
			ActionParameters: parameters(cmd.Payload),
		}},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.ConversionFailed.Args("marshal instantActions").Wrap(err)
	}
	if err := validate(TopicInstantActions, payload); err != nil {
		return nil, err
	}

	return &types.TransportPublish{
		Topic:   topic.String(),
		Payload: payload,
	}, nil
}

// GetSupportedTypes returns the message types this converter supports
func (c *VDA5050Converter) GetSupportedTypes() []string {
	return []string{
		TopicState,
		TopicConnection,
		TopicFactsheet,
		TopicInstantActions,
	}
}

// ConnectionState reads connectionState from a connection message.
func ConnectionState(payload []byte) (string, error) {
	var summary connectionSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return "", errors.ConversionFailed.Args("connection message").Wrap(err)
	}
	if summary.ConnectionState == "" {
		return "", errors.ConversionFailed.Args("connectionState is required")
	}
	return summary.ConnectionState, nil
}

// StateTopic and ConnectionTopic are the subscription filters for robot
// traffic under the configured interface.
func (c *VDA5050Converter) StateTopic() string {
	return fmt.Sprintf("%s/+/+/+/%s", c.config.InterfaceName, TopicState)
}

func (c *VDA5050Converter) ConnectionTopic() string {
	return fmt.Sprintf("%s/+/+/+/%s", c.config.InterfaceName, TopicConnection)
}

func (c *VDA5050Converter) remember(topic Topic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.robots[topic.SerialNumber] = topic
}

// topicFor addresses a robot by serial number, falling back to the configured
// version and manufacturer for robots not yet heard from.
func (c *VDA5050Converter) topicFor(serial string) Topic {
	c.mu.RLock()
	known, ok := c.robots[serial]
	c.mu.RUnlock()

	topic := Topic{
		Interface:    c.config.InterfaceName,
		Version:      c.config.Version,
		Manufacturer: c.config.Manufacturer,
		SerialNumber: serial,
		Kind:         TopicInstantActions,
	}
	if ok {
		topic.Interface = known.Interface
		topic.Version = known.Version
		topic.Manufacturer = known.Manufacturer
	}
	return topic
}

func parameters(payload map[string]interface{}) []actionParameter {
	if len(payload) == 0 {
		return nil
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]actionParameter, 0, len(keys))
	for _, k := range keys {
		var value string
		switch v := payload[k].(type) {
		case string:
			value = v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				value = fmt.Sprint(v)
			} else {
				value = string(raw)
			}
		}
		params = append(params, actionParameter{Key: k, Value: value})
	}
	return params
}

// validate unmarshals payload into the library type for kind.
func validate(kind string, payload []byte) error {
	var err error
	switch kind {
	case TopicOrder:
		var msg order.Order
		err = json.Unmarshal(payload, &msg)
	case TopicInstantActions:
		var msg instant_actions.InstantActions
		err = json.Unmarshal(payload, &msg)
	case TopicState:
		var msg state.State
		err = json.Unmarshal(payload, &msg)
	case TopicVisualization:
		var msg visualization.Visualization
		err = json.Unmarshal(payload, &msg)
	case TopicConnection:
		var msg connection.Connection
		err = json.Unmarshal(payload, &msg)
	case TopicFactsheet:
		var msg factsheet.Factsheet
		err = json.Unmarshal(payload, &msg)
	default:
		return errors.UnsupportedPacket.Args(kind)
	}
	if err != nil {
		return errors.ConversionFailed.Args(fmt.Sprintf("invalid %s payload", kind)).Wrap(err)
	}
	return nil
}

func extractHeader(payload []byte) (*vda5050.ProtocolHeader, error) {
	var header vda5050.ProtocolHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, err
	}
	return &header, nil
}
