// Package mock provides test doubles for the transport package interfaces.
//
// Connector hands out Handles that record every call and expose the hooks
// they were connected with, so a test can play the part of the remote agent:
//
//	c := &mock.Connector{Caps: transport.Capabilities{AudioOutput: true, TextOutput: true}}
//	// ... host.CreateSession(...)
//	h := c.LastHandle()
//	h.EmitEvent(transport.Event{"type": "response.done"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicebff/internal/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Connector = (*Connector)(nil)
	_ transport.Handle    = (*Handle)(nil)
)

// Connector is a mock implementation of transport.Connector.
type Connector struct {
	mu sync.Mutex

	// Caps is returned by Capabilities.
	Caps transport.Capabilities

	// ConnectErr, if non-nil, is returned from Connect (after Gate releases).
	ConnectErr error

	// Gate, if non-nil, blocks Connect until it is closed or receives.
	Gate chan struct{}

	// SendErr is copied into every new Handle.
	SendErr error

	// ConnectCalls records the options passed to Connect in order.
	ConnectCalls []transport.ConnectOptions

	handles []*Handle
}

// Connect records opts, waits on Gate and returns a new connected Handle.
func (c *Connector) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Handle, error) {
	c.mu.Lock()
	c.ConnectCalls = append(c.ConnectCalls, opts)
	gate := c.Gate
	c.mu.Unlock()

	if opts.Hooks.OnStatus != nil {
		opts.Hooks.OnStatus(transport.StatusConnecting)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	err := c.ConnectErr
	h := &Handle{hooks: opts.Hooks, status: transport.StatusConnected, SendErr: c.SendErr}
	if err == nil {
		c.handles = append(c.handles, h)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if opts.Hooks.OnStatus != nil {
		opts.Hooks.OnStatus(transport.StatusConnected)
	}
	return h, nil
}

// Capabilities returns Caps.
func (c *Connector) Capabilities() transport.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Caps
}

// Handles returns every handle created so far.
func (c *Connector) Handles() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Handle, len(c.handles))
	copy(out, c.handles)
	return out
}

// LastHandle returns the most recently created handle, or nil.
func (c *Connector) LastHandle() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

// ConnectCallCount returns the number of Connect calls.
func (c *Connector) ConnectCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ConnectCalls)
}

// Handle is a mock implementation of transport.Handle.
type Handle struct {
	mu     sync.Mutex
	hooks  transport.Hooks
	status transport.Status

	// SendErr, if non-nil, is returned by SendEvent.
	SendErr error

	// Sent records every event passed to SendEvent.
	Sent []transport.Event

	InterruptCount  int
	MuteCalls       []bool
	PTTStartCount   int
	PTTStopCount    int
	DisconnectCount int
}

// SendEvent records ev.
func (h *Handle) SendEvent(_ context.Context, ev transport.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SendErr != nil {
		return h.SendErr
	}
	h.Sent = append(h.Sent, ev)
	return nil
}

// Interrupt records the call.
func (h *Handle) Interrupt(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.InterruptCount++
	return nil
}

// Mute records the call.
func (h *Handle) Mute(muted bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.MuteCalls = append(h.MuteCalls, muted)
	return nil
}

// PushToTalkStart records the call.
func (h *Handle) PushToTalkStart(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.PTTStartCount++
	return nil
}

// PushToTalkStop records the call.
func (h *Handle) PushToTalkStop(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.PTTStopCount++
	return nil
}

// Status returns the current status.
func (h *Handle) Status() transport.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Disconnect records the call and reports StatusDisconnected the first time.
func (h *Handle) Disconnect() error {
	h.mu.Lock()
	h.DisconnectCount++
	first := h.status != transport.StatusDisconnected
	h.status = transport.StatusDisconnected
	onStatus := h.hooks.OnStatus
	h.mu.Unlock()

	if first && onStatus != nil {
		onStatus(transport.StatusDisconnected)
	}
	return nil
}

// EmitEvent delivers ev to the OnEvent hook as if the agent sent it.
func (h *Handle) EmitEvent(ev transport.Event) {
	h.mu.Lock()
	fn := h.hooks.OnEvent
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// EmitStatus sets the status and delivers it to the OnStatus hook.
func (h *Handle) EmitStatus(st transport.Status) {
	h.mu.Lock()
	h.status = st
	fn := h.hooks.OnStatus
	h.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// EmitGuardrail delivers trip to the OnGuardrail hook.
func (h *Handle) EmitGuardrail(trip transport.GuardrailTrip) {
	h.mu.Lock()
	fn := h.hooks.OnGuardrail
	h.mu.Unlock()
	if fn != nil {
		fn(trip)
	}
}

// SentEvents returns a copy of the recorded events.
func (h *Handle) SentEvents() []transport.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]transport.Event, len(h.Sent))
	copy(out, h.Sent)
	return out
}

// SentTypes returns the "type" of every recorded event.
func (h *Handle) SentTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.Sent))
	for i, ev := range h.Sent {
		out[i] = ev.Type()
	}
	return out
}

// Counts returns interrupt and disconnect counts under the lock.
func (h *Handle) Counts() (interrupts, disconnects int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.InterruptCount, h.DisconnectCount
}
