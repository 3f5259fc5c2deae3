// Package transport defines the contract between the session host and a
// realtime agent connection.
//
// A [Connector] opens one [Handle] per session. The handle is an opaque
// bidirectional link: the host pushes protocol events through SendEvent and
// the connector reports lifecycle changes and raw server events through the
// [Hooks] supplied at connect time. Hooks replace the on/off listener pair of
// event-emitter style transports, so a handle can never leak a listener after
// Disconnect.
package transport

import (
	"context"
	"errors"
)

// Status is the lifecycle state of a transport handle.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// ErrMissingAPIKey is returned by connectors that require credentials when
// none were configured.
var ErrMissingAPIKey = errors.New("transport: missing api key")

// ErrClosed is returned by handle methods after Disconnect.
var ErrClosed = errors.New("transport: handle closed")

// Event is one protocol event as decoded JSON. Server events arrive through
// Hooks.OnEvent; client events are sent with Handle.SendEvent.
type Event map[string]any

// Type returns the "type" field of e.
func (e Event) Type() string { return e.String("type") }

// String returns e[key] when it is a string.
func (e Event) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// Map returns e[key] when it is a JSON object.
func (e Event) Map(key string) map[string]any {
	m, _ := e[key].(map[string]any)
	return m
}

// GuardrailTrip reports an output guardrail that blocked a response.
type GuardrailTrip struct {
	Guardrail  string `json:"guardrail"`
	Reason     string `json:"reason"`
	ResponseID string `json:"responseId,omitempty"`
	ItemID     string `json:"itemId,omitempty"`
}

// Hooks receive asynchronous notifications from a handle. Any field may be
// nil. Hooks are called from the handle's receive goroutine, one at a time.
type Hooks struct {
	OnStatus    func(Status)
	OnEvent     func(Event)
	OnGuardrail func(GuardrailTrip)
}

// ConnectOptions describe the agent a session wants to talk to.
type ConnectOptions struct {
	SessionID    string
	Instructions string
	Voice        string

	// Modalities lists the output modalities the session will accept,
	// a subset of "audio" and "text".
	Modalities []string

	Hooks Hooks
}

// Capabilities describe what a connector's agents can produce.
type Capabilities struct {
	Name        string
	AudioOutput bool
	TextOutput  bool
}

// Handle is a live agent connection owned by exactly one session.
type Handle interface {
	// SendEvent writes a raw client event.
	SendEvent(ctx context.Context, ev Event) error

	// Interrupt cancels the response currently being generated.
	Interrupt(ctx context.Context) error

	// Mute stops (true) or resumes (false) forwarding microphone audio.
	Mute(muted bool) error

	PushToTalkStart(ctx context.Context) error
	PushToTalkStop(ctx context.Context) error

	Status() Status

	// Disconnect closes the connection. It is idempotent.
	Disconnect() error
}

// Connector opens handles.
type Connector interface {
	Connect(ctx context.Context, opts ConnectOptions) (Handle, error)
	Capabilities() Capabilities
}
