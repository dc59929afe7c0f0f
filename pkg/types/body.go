package types

import "fmt"

// StatusBody is the body of a STATUS packet. IsOccupied is only reported by AGVs.
type StatusBody struct {
	DeviceType DeviceType `json:"device_type"`
	Mode       Mode       `json:"mode"`
	IsOccupied *bool      `json:"is_occupied,omitempty"`
}

// LocationBody is the body of a LOCATION packet.
type LocationBody struct {
	LocationStatus string      `json:"location_status"`
	Coordinates    Coordinates `json:"coordinates"`
	Navigation     Navigation  `json:"navigation"`
}

type Coordinates struct {
	LastQRScanned string `json:"last_qr_scanned"`
}

type Navigation struct {
	CurrentSegmentIndex int    `json:"current_segment_index"`
	FinalDest           string `json:"final_dest"`
}

// LocationStatusMoving is the only location status robots report.
const LocationStatusMoving = "MOVING"

// CommandBody is the body of COMMAND and EVENT packets.
type CommandBody struct {
	TaskID  string                 `json:"task_id"`
	Command string                 `json:"command"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Destination returns the final_dest or target_cell key of the payload.
func (c *CommandBody) Destination() string {
	for _, key := range []string{"final_dest", "target_cell"} {
		if v, ok := c.Payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Waypoints returns the ordered waypoint tokens of the payload.
func (c *CommandBody) Waypoints() ([]string, error) {
	raw, ok := c.Payload["waypoints"]
	if !ok || raw == nil {
		return nil, nil
	}
	switch list := raw.(type) {
	case []string:
		return list, nil
	case []interface{}:
		waypoints := make([]string, 0, len(list))
		for i, item := range list {
			token, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("waypoint %d is %T, want string", i, item)
			}
			waypoints = append(waypoints, token)
		}
		return waypoints, nil
	default:
		return nil, fmt.Errorf("waypoints is %T, want list", raw)
	}
}

// AckStatusCompleted marks a finished task.
const AckStatusCompleted = "COMPLETED"

// AckBody is the body of an ACK packet. Robots fill either Command or Message.
type AckBody struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Command string `json:"command,omitempty"`
	Message string `json:"message,omitempty"`
}

// LogBody is the body of a LOG packet.
type LogBody struct {
	MessageText string `json:"message_text"`
}
