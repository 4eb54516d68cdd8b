package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/conductor/internal/protocol"
)

// ErrConnect reports a failure to reach the broker socket.
var ErrConnect = errors.New("channel: connect error")

// DefaultConnectTimeout bounds OpenClient when the caller passes zero.
const DefaultConnectTimeout = 5 * time.Second

// Client is an agent-side connection to the broker.
type Client struct {
	conn    net.Conn
	logger  *slog.Logger
	inbound chan protocol.Message
	writeMu sync.Mutex
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// OpenClient connects to the broker socket at path, blocking up to
// connectTimeout.
func OpenClient(path string, connectTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	conn, err := net.DialTimeout("unix", path, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	c := &Client{
		conn:    conn,
		logger:  logger.With("component", "channel", "socket", path),
		inbound: make(chan protocol.Message, inboundBuffer),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		payload, err := ReadFrame(c.conn)
		if err != nil {
			if !c.closed.Load() {
				c.logger.Debug("broker connection closed", "error", err)
			}
			return
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		select {
		case c.inbound <- msg:
		default:
			c.logger.Warn("inbound queue full, dropping frame", "message_type", string(msg.Type))
		}
	}
}

// Send writes one message frame to the broker.
func (c *Client) Send(msg protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.conn, data); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Receive dequeues the next inbound message, waiting up to timeout.
func (c *Client) Receive(timeout time.Duration) (protocol.Message, bool) {
	select {
	case msg := <-c.inbound:
		return msg, true
	case <-time.After(timeout):
		return protocol.Message{}, false
	}
}

// Close tears down the connection and stops the reader loop.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close()
	c.wg.Wait()
	return err
}
