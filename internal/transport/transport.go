// Package transport implements the multiplexed RPC link used to talk to
// storage nodes, the local block node, and notifier services (spec.md
// §4.F, §4.F.d, §4.F.e). Each logical call opens its own stream on a
// persistent connection, matching the request/command split described in
// spec.md's RPC surface: a request gets a multipart reply, a command does
// not. Grounded on quic-go, the only multiplexed-stream transport found
// in the example pack (munonun-Web4's internal/network/quic.go).
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by calls made on a closed Connection.
var ErrClosed = errors.New("transport: connection closed")

// ErrUnknownMethod is returned when a peer has no handler registered for
// an incoming method.
var ErrUnknownMethod = errors.New("transport: unknown method")

// Handler processes one incoming command or request. For a request, the
// returned parts are written back as the reply; for a command, any
// returned parts are ignored.
type Handler func(ctx context.Context, parts [][]byte) ([][]byte, error)

// Connection is a persistent multiplexed link to one peer (a storage
// node, the block node, or a notifier service).
type Connection interface {
	// Request opens a new stream, sends method with parts, and blocks for
	// the peer's reply.
	Request(ctx context.Context, method string, parts ...[]byte) ([][]byte, error)
	// Command sends method with parts without waiting for a reply.
	Command(ctx context.Context, method string, parts ...[]byte) error
	// RemoteAddr reports the address this connection was dialed to.
	RemoteAddr() string
	// Close tears down the connection.
	Close() error
	// Done is closed once Close has been called on this connection. The
	// QUIC implementation does not close it when the peer closes the link.
	Done() <-chan struct{}
}

// Dispatcher routes incoming method calls to registered handlers. One
// Dispatcher is shared across every accepted connection.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Handle registers h for method, replacing any existing handler.
func (d *Dispatcher) Handle(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// Dispatch invokes the handler registered for method, or ErrUnknownMethod.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, parts [][]byte) ([][]byte, error) {
	d.mu.RLock()
	h, ok := d.handlers[method]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownMethod
	}
	return h(ctx, parts)
}

type connCtxKey struct{}

// ContextWithConnection attaches conn as the peer connection that delivered
// the call a handler is being invoked for, so handlers can associate state
// with the connection itself (spec.md §4.F: admin.register_service binds a
// service name to the connection it arrived on, for later notifier.push
// delivery over that same link).
func ContextWithConnection(ctx context.Context, conn Connection) context.Context {
	return context.WithValue(ctx, connCtxKey{}, conn)
}

// ConnectionFromContext retrieves the peer connection attached by
// ContextWithConnection, if any.
func ConnectionFromContext(ctx context.Context) (Connection, bool) {
	conn, ok := ctx.Value(connCtxKey{}).(Connection)
	return conn, ok
}

// Dialer opens outbound connections to a peer address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Connection, error)
}

// Listener accepts inbound connections and dispatches their streams
// through a shared Dispatcher.
type Listener interface {
	Serve(ctx context.Context, dispatcher *Dispatcher) error
	Close() error
}
