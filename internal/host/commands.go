package host

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command is a client instruction for a live session. The concrete types are
// [InputText], [InputAudio], [InputImage], [RawEvent] and [Control].
type Command interface {
	// Kind returns the wire discriminator, e.g. "input_text".
	Kind() string

	validate() error
}

// Command kinds.
const (
	KindInputText  = "input_text"
	KindInputAudio = "input_audio"
	KindInputImage = "input_image"
	KindEvent      = "event"
	KindControl    = "control"
)

// InputText adds a user text message.
type InputText struct {
	Text string `json:"text"`

	// TriggerResponse asks the agent to answer. Nil means true.
	TriggerResponse *bool `json:"triggerResponse,omitempty"`

	// Metadata is attached verbatim to the response request when present.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// InputAudio appends base64 pcm16 audio to the input buffer.
type InputAudio struct {
	Audio    string `json:"audio"`
	Commit   bool   `json:"commit,omitempty"`
	Response bool   `json:"response,omitempty"`
}

// InputImage adds a user message with an inline image and optional caption.
type InputImage struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`

	// Encoding is "base64" (default) or "url". A url is passed through as
	// the image reference; base64 data becomes a data URL.
	Encoding string `json:"encoding,omitempty"`

	Text string `json:"text,omitempty"`

	// TriggerResponse asks the agent to answer. Nil means true.
	TriggerResponse *bool `json:"triggerResponse,omitempty"`
}

// RawEvent forwards a client event to the agent unchanged.
type RawEvent struct {
	Event map[string]any `json:"event"`
}

// Control actions.
const (
	ActionInterrupt       = "interrupt"
	ActionMute            = "mute"
	ActionPushToTalkStart = "push_to_talk_start"
	ActionPushToTalkStop  = "push_to_talk_stop"
)

// Control drives the transport directly.
type Control struct {
	Action string `json:"action"`

	// Value is the mute state for ActionMute. Nil means true.
	Value *bool `json:"value,omitempty"`
}

func (InputText) Kind() string  { return KindInputText }
func (InputAudio) Kind() string { return KindInputAudio }
func (InputImage) Kind() string { return KindInputImage }
func (RawEvent) Kind() string   { return KindEvent }
func (Control) Kind() string    { return KindControl }

func (c InputText) validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return invalidPayload("input_text requires non-empty text")
	}
	return nil
}

func (c InputAudio) validate() error {
	if c.Audio == "" && !c.Commit {
		return invalidPayload("input_audio requires audio or commit")
	}
	return nil
}

func (c InputImage) validate() error {
	if c.Data == "" {
		return invalidPayload("input_image requires data")
	}
	switch c.Encoding {
	case "", "base64":
		if !strings.HasPrefix(c.MimeType, "image/") {
			return invalidPayload("input_image requires an image/* mimeType, got %q", c.MimeType)
		}
	case "url":
	default:
		return invalidPayload("input_image encoding %q is not supported", c.Encoding)
	}
	return nil
}

func (c RawEvent) validate() error {
	if t, _ := c.Event["type"].(string); t == "" {
		return invalidPayload("event requires an object with a string type")
	}
	return nil
}

func (c Control) validate() error {
	switch c.Action {
	case ActionInterrupt, ActionMute, ActionPushToTalkStart, ActionPushToTalkStop:
		return nil
	}
	return invalidPayload("unsupported control action %q", c.Action)
}

// DecodeCommand parses one JSON command of the form {"type": kind, ...}.
// Unknown kinds and malformed payloads return an invalid_event_payload
// [Error].
func DecodeCommand(data []byte) (Command, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, newError(ErrInvalidEventPayload, err, "command is not a JSON object")
	}

	var cmd Command
	var err error
	switch head.Type {
	case KindInputText:
		cmd, err = decodeAs[InputText](data)
	case KindInputAudio:
		cmd, err = decodeAs[InputAudio](data)
	case KindInputImage:
		cmd, err = decodeAs[InputImage](data)
	case KindEvent:
		cmd, err = decodeAs[RawEvent](data)
	case KindControl:
		cmd, err = decodeAs[Control](data)
	case "":
		return nil, invalidPayload("command type is required")
	default:
		return nil, invalidPayload("unsupported command type %q", head.Type)
	}
	if err != nil {
		return nil, newError(ErrInvalidEventPayload, err, "malformed %s command", head.Type)
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func decodeAs[T Command](data []byte) (Command, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return v, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
