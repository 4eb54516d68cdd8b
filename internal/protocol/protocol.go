package protocol

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Transport is the framed message channel the dispatcher drains. Implemented
// by channel.Server and channel.Client.
type Transport interface {
	Send(Message) error
	Receive(timeout time.Duration) (Message, bool)
}

// Handler processes one inbound message of a registered type.
type Handler func(ctx context.Context, msg Message)

// Callback fires when a task_response arrives for an outstanding request.
type Callback func(ctx context.Context, response Message)

// seenWindow bounds per-sender duplicate tracking.
const seenWindow = 1024

// Dispatcher correlates responses to requests and routes other messages to
// their type handlers.
type Dispatcher struct {
	nodeID    string
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	handlers map[MessageType]Handler
	pending  map[string]Callback
	seen     map[string]*ring
}

// ring remembers the last seenWindow message IDs from one sender.
type ring struct {
	ids   map[string]struct{}
	order []string
	next  int
}

func newRing() *ring {
	return &ring{ids: make(map[string]struct{}, seenWindow), order: make([]string, seenWindow)}
}

// remember records id and reports whether it was already present.
func (r *ring) remember(id string) bool {
	if _, dup := r.ids[id]; dup {
		return true
	}
	if old := r.order[r.next]; old != "" {
		delete(r.ids, old)
	}
	r.order[r.next] = id
	r.next = (r.next + 1) % seenWindow
	r.ids[id] = struct{}{}
	return false
}

// NewDispatcher wraps a transport for the given local node ID.
func NewDispatcher(nodeID string, transport Transport, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		nodeID:    nodeID,
		transport: transport,
		logger:    logger.With("node_id", nodeID),
		handlers:  make(map[MessageType]Handler),
		pending:   make(map[string]Callback),
		seen:      make(map[string]*ring),
	}
}

// RegisterHandler installs fn for the given message type. The last
// registration per type wins.
func (d *Dispatcher) RegisterHandler(t MessageType, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = fn
}

// SendRequest mints a task_request addressed to receiver and records callback
// (if non-nil) against the new message_id. Returns the message_id.
func (d *Dispatcher) SendRequest(receiver string, payload map[string]any, callback Callback) (string, error) {
	msg := New(d.nodeID, receiver, TypeTaskRequest, payload)
	if callback != nil {
		d.mu.Lock()
		d.pending[msg.MessageID] = callback
		d.mu.Unlock()
	}
	if err := d.transport.Send(msg); err != nil {
		d.mu.Lock()
		delete(d.pending, msg.MessageID)
		d.mu.Unlock()
		return "", err
	}
	return msg.MessageID, nil
}

// SendResponse replies to request with a task_response carrying
// correlation_id = request.MessageID, addressed to the requester.
func (d *Dispatcher) SendResponse(request Message, payload map[string]any) error {
	msg := New(d.nodeID, request.SenderID, TypeTaskResponse, payload)
	msg.CorrelationID = request.MessageID
	return d.transport.Send(msg)
}

// Send forwards an arbitrary pre-built message through the transport.
func (d *Dispatcher) Send(msg Message) error {
	return d.transport.Send(msg)
}

// ProcessMessages drains the transport until ctx is canceled. Each message is
// processed as in ProcessOne.
func (d *Dispatcher) ProcessMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, ok := d.transport.Receive(200 * time.Millisecond)
		if !ok {
			continue
		}
		d.ProcessOne(ctx, msg)
	}
}

// ProcessOne routes a single inbound message: correlated task_responses fire
// their callback exactly once; other types go to the registered handler;
// unhandled messages are dropped with a warning. Duplicate message IDs from
// one sender are a protocol violation and are dropped.
func (d *Dispatcher) ProcessOne(ctx context.Context, msg Message) {
	d.mu.Lock()
	r, ok := d.seen[msg.SenderID]
	if !ok {
		r = newRing()
		d.seen[msg.SenderID] = r
	}
	if r.remember(msg.MessageID) {
		d.mu.Unlock()
		d.logger.Warn("dropping duplicate message",
			"sender_id", msg.SenderID,
			"message_id", msg.MessageID,
			"error", ErrDuplicateMessage,
		)
		return
	}

	if msg.Type == TypeTaskResponse && msg.CorrelationID != "" {
		if cb, pending := d.pending[msg.CorrelationID]; pending {
			delete(d.pending, msg.CorrelationID)
			d.mu.Unlock()
			cb(ctx, msg)
			return
		}
	}
	handler := d.handlers[msg.Type]
	d.mu.Unlock()

	if handler == nil {
		d.logger.Warn("no handler for message type",
			"message_type", string(msg.Type),
			"sender_id", msg.SenderID,
		)
		return
	}
	handler(ctx, msg)
}

// PendingCount reports outstanding requests awaiting a response.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
