// Package scenario replays a timed list of operator commands against the
// connected fleet.
package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kalifun/fleetlink/errors"
	"github.com/kalifun/fleetlink/pkg/types"
	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"
)

// Step is one scheduled packet. TargetID is accepted as an alias of
// ReceiverID.
type Step struct {
	TimeOffsetMS int64                  `json:"time_offset_ms" yaml:"time_offset_ms" gluamapper:"time_offset_ms"`
	SenderID     string                 `json:"sender_id,omitempty" yaml:"sender_id" gluamapper:"sender_id"`
	ReceiverID   string                 `json:"receiver_id,omitempty" yaml:"receiver_id" gluamapper:"receiver_id"`
	TargetID     string                 `json:"target_id,omitempty" yaml:"target_id" gluamapper:"target_id"`
	MessageType  types.PacketType       `json:"message_type,omitempty" yaml:"message_type" gluamapper:"message_type" jsonschema:"enum=COMMAND,enum=EVENT,enum=STATUS,enum=LOCATION,enum=ACK,enum=LOG"`
	Command      string                 `json:"command" yaml:"command" gluamapper:"command"`
	Description  string                 `json:"description,omitempty" yaml:"description" gluamapper:"description"`
	TaskID       string                 `json:"task_id,omitempty" yaml:"task_id" gluamapper:"task_id"`
	Payload      map[string]interface{} `json:"payload,omitempty" yaml:"payload" gluamapper:"payload"`
}

// Receiver returns ReceiverID, or TargetID when ReceiverID is empty.
func (s *Step) Receiver() string {
	if s.ReceiverID != "" {
		return s.ReceiverID
	}
	return s.TargetID
}

func (s *Step) validate() error {
	// A step scheduled in the past runs at once.
	if s.TimeOffsetMS < 0 {
		s.TimeOffsetMS = 0
	}
	if s.Receiver() == "" {
		return fmt.Errorf("receiver_id is required")
	}
	if s.Command == "" {
		return fmt.Errorf("command is required")
	}
	if s.MessageType != "" && !s.MessageType.Known() {
		return fmt.Errorf("unknown message_type %s", s.MessageType)
	}
	return nil
}

// Scenario is a loaded, validated list of steps in file order.
type Scenario struct {
	path  string
	steps []Step
}

// Path returns the file the scenario was read from.
func (s *Scenario) Path() string {
	return s.path
}

func (s *Scenario) Len() int {
	return len(s.steps)
}

// Steps returns a copy of the steps.
func (s *Scenario) Steps() []Step {
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// New builds a scenario from steps held in memory.
func New(steps []Step) (*Scenario, error) {
	return build("memory", steps)
}

// Load reads a scenario file. The format follows the extension: .json holds
// an array of steps, .yaml/.yml a sequence of steps, and .lua a chunk that
// returns { steps = { ... } }.
func Load(path string) (*Scenario, error) {
	var (
		steps []Step
		err   error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		steps, err = readJSON(path)
	case ".yaml", ".yml":
		steps, err = readYAML(path)
	case ".lua":
		steps, err = readLua(path)
	default:
		err = fmt.Errorf("unsupported scenario format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, errors.ScenarioLoadFailed.Args(path).Wrap(err)
	}
	return build(path, steps)
}

func build(path string, steps []Step) (*Scenario, error) {
	for i := range steps {
		if err := steps[i].validate(); err != nil {
			return nil, errors.ScenarioLoadFailed.Args(path).Wrap(fmt.Errorf("step %d: %w", i, err))
		}
	}
	sc := &Scenario{path: path, steps: make([]Step, len(steps))}
	copy(sc.steps, steps)
	return sc, nil
}

func readJSON(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func readYAML(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var steps []Step
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

type luaDocument struct {
	Steps []Step `gluamapper:"steps"`
}

func readLua(path string) ([]Step, error) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoFile(path); err != nil {
		return nil, err
	}

	table, ok := L.Get(-1).(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("lua file did not return a table")
	}

	// Keys keep their snake_case spelling so the gluamapper tags match.
	mapper := gluamapper.NewMapper(gluamapper.Option{NameFunc: func(s string) string { return s }})
	var doc luaDocument
	if err := mapper.Map(table, &doc); err != nil {
		return nil, err
	}

	for i := range doc.Steps {
		if doc.Steps[i].Payload != nil {
			doc.Steps[i].Payload = normalize(doc.Steps[i].Payload).(map[string]interface{})
		}
	}
	return doc.Steps, nil
}

// normalize turns the interface-keyed maps Lua tables decode to into
// string-keyed ones, so payloads marshal to JSON.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// Schema returns the JSON schema of a scenario file.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{}
	schema := r.Reflect([]Step{})
	return json.MarshalIndent(schema, "", "  ")
}
