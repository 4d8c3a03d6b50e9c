// ABOUTME: Wire types relayed between producers and long-polling clients
// ABOUTME: Command is an opaque action payload; Reply tags it with a completion status

package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status reports how an attach cycle ended.
type Status string

const (
	// StatusOk means the reply carries a command.
	StatusOk Status = "Ok"
	// StatusConflict means a newer attach took over the slot.
	StatusConflict Status = "Conflict"
	// StatusTimeout means no command arrived within the hold window.
	StatusTimeout Status = "Timeout"
)

// ErrMissingAction is returned when a command has no action field.
var ErrMissingAction = errors.New("command action is required")

// Command is an opaque tagged action. The Mailbox never interprets it; the
// action and any extra fields are relayed verbatim.
type Command struct {
	Action string
	Fields map[string]json.RawMessage
}

// NewCommand returns a command carrying only an action.
func NewCommand(action string) Command {
	return Command{Action: action}
}

// Validate checks the command can be relayed.
func (c Command) Validate() error {
	if c.Action == "" {
		return ErrMissingAction
	}
	return nil
}

// MarshalJSON flattens the action and extra fields into one object.
func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.object())
}

// UnmarshalJSON splits "action" from the remaining fields. A "status" key is
// dropped since it would collide with the reply envelope.
func (c *Command) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Action = ""
	if a, ok := raw["action"]; ok {
		if err := json.Unmarshal(a, &c.Action); err != nil {
			return fmt.Errorf("action must be a string: %w", err)
		}
	}
	delete(raw, "action")
	delete(raw, "status")

	c.Fields = nil
	if len(raw) > 0 {
		c.Fields = raw
	}
	return nil
}

func (c Command) object() map[string]any {
	obj := make(map[string]any, len(c.Fields)+2)
	for k, v := range c.Fields {
		obj[k] = v
	}
	obj["action"] = c.Action
	return obj
}

// Reply is what a Responder receives when its attach cycle ends.
// Command is set only when Status is StatusOk.
type Reply struct {
	Status  Status
	Command *Command
}

// MarshalJSON renders {"status": ..., ...command-fields}.
func (r Reply) MarshalJSON() ([]byte, error) {
	obj := map[string]any{}
	if r.Command != nil {
		obj = r.Command.object()
	}
	obj["status"] = r.Status
	return json.Marshal(obj)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Reply) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	r.Status = envelope.Status
	r.Command = nil
	if r.Status != StatusOk {
		return nil
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	r.Command = &cmd
	return nil
}
