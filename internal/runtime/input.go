package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrMalformedInput marks a task input that failed structural
// validation. It is fatal for the task; nothing is generated or
// exported.
var ErrMalformedInput = errors.New("malformed task input")

// TaskInput describes one generation task. ParentTaskIDs[0], when
// present, is the base whose cache chain the task inherits; any further
// entries are reference predecessors consumed by output only.
type TaskInput struct {
	TaskID        string    `json:"task_id"`
	Mode          string    `json:"mode"`
	Prompt        string    `json:"prompt,omitempty"`
	ParentTaskIDs []string  `json:"parent_task_ids,omitempty"`
	Params        GenParams `json:"params,omitempty"`

	// Queue wiring for the fan-out modes.
	Topic      string   `json:"topic,omitempty"`
	ReplyTopic string   `json:"reply_topic,omitempty"`
	Tag        string   `json:"tag,omitempty"`
	Expect     []string `json:"expect,omitempty"`
}

// GenParams are per-task sampling knobs. Zero values fall back to the
// runner's configured defaults.
type GenParams struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	Seed        uint64  `json:"seed,omitempty"`
}

const taskInputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "mode"],
  "additionalProperties": false,
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "mode": {"type": "string", "minLength": 1},
    "prompt": {"type": "string"},
    "parent_task_ids": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "params": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_tokens": {"type": "integer", "minimum": 1},
        "temperature": {"type": "number", "minimum": 0},
        "top_p": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
        "seed": {"type": "integer", "minimum": 0}
      }
    },
    "topic": {"type": "string"},
    "reply_topic": {"type": "string"},
    "tag": {"type": "string"},
    "expect": {"type": "array", "items": {"type": "string", "minLength": 1}}
  }
}`

var inputSchema = compileInputSchema()

func compileInputSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskInputSchema))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("kvflow://task-input.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("kvflow://task-input.json")
}

// ParseInput validates raw JSON against the task input schema and
// decodes it. Validation failures are ErrMalformedInput.
func ParseInput(raw []byte) (TaskInput, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return TaskInput{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if err := inputSchema.Validate(doc); err != nil {
		return TaskInput{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	var in TaskInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return TaskInput{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return in, nil
}
