package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voicebff/internal/transport"
)

var _ transport.Connector = (*ConnectorFallback)(nil)

// ConnectorFallback implements [transport.Connector] with failover across
// several realtime backends. Each backend has its own circuit breaker. Only
// connection setup is covered; a handle that fails after connecting is the
// session's problem.
type ConnectorFallback struct {
	group *FallbackGroup[transport.Connector]
}

// NewConnectorFallback creates a [ConnectorFallback] with primary as the
// preferred backend. Missing credentials never fail over, because every
// backend built from the same provider config shares them.
func NewConnectorFallback(name string, primary transport.Connector, cfg FallbackConfig) *ConnectorFallback {
	if cfg.Failover == nil {
		cfg.Failover = func(err error) bool { return !errors.Is(err, transport.ErrMissingAPIKey) }
	}
	return &ConnectorFallback{group: NewFallbackGroup(name, primary, cfg)}
}

// AddFallback registers another connector, tried after all earlier ones.
func (f *ConnectorFallback) AddFallback(name string, c transport.Connector) {
	f.group.AddFallback(name, c)
}

// Connect opens a handle on the first healthy backend.
func (f *ConnectorFallback) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Handle, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, c transport.Connector) (transport.Handle, error) {
		return c.Connect(ctx, opts)
	})
}

// Capabilities reports the primary backend's capabilities. Fallbacks are
// expected to be configured with the same output modalities.
func (f *ConnectorFallback) Capabilities() transport.Capabilities {
	return f.group.Primary().Capabilities()
}

// Breaker returns the breaker guarding the named backend, or nil.
func (f *ConnectorFallback) Breaker(name string) *CircuitBreaker {
	return f.group.Breaker(name)
}
