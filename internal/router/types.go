package router

import (
	"context"
	"errors"
	"runtime"

	"github.com/rickgao/arena-gateway/internal/protocol"
)

// Errors
var (
	ErrBackpressure = errors.New("partition queue full")
	ErrStopped      = errors.New("router stopped")
)

// Options holds configuration for the partitioned router.
type Options struct {
	PartitionCount int // Default: runtime.NumCPU()
	QueueCapacity  int // Default: 512
}

// DefaultOptions returns default configuration.
func DefaultOptions() Options {
	return Options{
		PartitionCount: runtime.NumCPU(),
		QueueCapacity:  512,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PartitionCount <= 0 {
		o.PartitionCount = d.PartitionCount
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = d.QueueCapacity
	}
	return o
}

// MessageContext identifies where an inbound message came from.
type MessageContext struct {
	UserID       string
	ConnectionID string
	Header       protocol.Header
	ReceivedAt   int64 // unix ms
}

// PartitionKey is the user id, or the connection id for anonymous sessions.
func (mc MessageContext) PartitionKey() string {
	if mc.UserID != "" {
		return mc.UserID
	}
	return mc.ConnectionID
}

// Envelope is one unit of routed work.
type Envelope struct {
	Context MessageContext
	Message *protocol.Message
}

// HandlerFunc processes one message. Calls for the same user never overlap.
type HandlerFunc func(ctx context.Context, mc MessageContext, msg *protocol.Message) error

// FailureFunc is told about handler errors and panics after they are logged.
type FailureFunc func(mc MessageContext, msg *protocol.Message, err error)

// Handlers is the static dispatch table from message type to handler. Build it
// before Start; it is read without locking afterwards.
type Handlers struct {
	routes    map[protocol.MessageType]HandlerFunc
	fallback  HandlerFunc
	onFailure FailureFunc
}

// NewHandlers creates an empty table.
func NewHandlers() *Handlers {
	return &Handlers{routes: make(map[protocol.MessageType]HandlerFunc)}
}

// Handle registers fn for t, replacing any earlier registration.
func (h *Handlers) Handle(t protocol.MessageType, fn HandlerFunc) *Handlers {
	h.routes[t] = fn
	return h
}

// Default registers the handler for types without their own.
func (h *Handlers) Default(fn HandlerFunc) *Handlers {
	h.fallback = fn
	return h
}

// OnFailure registers a callback for failed handler invocations.
func (h *Handlers) OnFailure(fn FailureFunc) *Handlers {
	h.onFailure = fn
	return h
}

// HasDefault reports whether a fallback handler is set.
func (h *Handlers) HasDefault() bool { return h.fallback != nil }

// Lookup returns the handler for t.
func (h *Handlers) Lookup(t protocol.MessageType) (HandlerFunc, bool) {
	if fn, ok := h.routes[t]; ok {
		return fn, true
	}
	if h.fallback != nil {
		return h.fallback, true
	}
	return nil, false
}

// Types returns the explicitly registered types.
func (h *Handlers) Types() []protocol.MessageType {
	types := make([]protocol.MessageType, 0, len(h.routes))
	for t := range h.routes {
		types = append(types, t)
	}
	return types
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	Submitted     int64
	Rejected      int64
	Processed     int64
	Unhandled     int64
	HandlerErrors int64
	HandlerPanics int64
	Partitions    []QueueStats
}
