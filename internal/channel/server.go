package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/conductor/internal/protocol"
)

// ErrBind reports a failure to bind the broker socket.
var ErrBind = errors.New("channel: bind error")

// ErrWrite reports a send to a disconnected or unknown peer.
var ErrWrite = errors.New("channel: write error")

// ErrClosed reports use of a closed channel endpoint.
var ErrClosed = errors.New("channel: closed")

const inboundBuffer = 256

// peer is one accepted connection. The id is learned from the sender_id of
// the first decoded frame; writes are serialized per peer.
type peer struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu sync.Mutex
	id string
}

func (p *peer) setID(id string) {
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()
}

func (p *peer) peerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *peer) send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := WriteFrame(p.conn, data); err != nil {
		return fmt.Errorf("%w: peer %s: %v", ErrWrite, p.peerID(), err)
	}
	return nil
}

// Server is the coordinator-side broker endpoint. It accepts any number of
// peer connections, funnels every inbound frame into a single queue, and
// routes outbound messages by receiver_id.
type Server struct {
	path     string
	logger   *slog.Logger
	listener net.Listener
	inbound  chan protocol.Message

	mu    sync.Mutex
	peers []*peer

	closed atomic.Bool
	wg     sync.WaitGroup
}

// OpenServer binds a Unix-domain stream socket at path, unlinking any stale
// socket file first, and starts the accept loop.
func OpenServer(path string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("%w: unlink stale socket %s: %v", ErrBind, path, err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}

	s := &Server{
		path:     path,
		logger:   logger.With("component", "channel", "socket", path),
		listener: ln,
		inbound:  make(chan protocol.Message, inboundBuffer),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		p := &peer{conn: conn}
		s.mu.Lock()
		s.peers = append(s.peers, p)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.readLoop(p)
	}
}

// readLoop drains one peer connection into the shared inbound queue. A read
// error means the peer is gone; it is removed silently.
func (s *Server) readLoop(p *peer) {
	defer s.wg.Done()
	defer s.removePeer(p)
	for {
		payload, err := ReadFrame(p.conn)
		if err != nil {
			if !s.closed.Load() {
				s.logger.Debug("peer disconnected", "peer_id", p.peerID(), "error", err)
			}
			return
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "peer_id", p.peerID(), "error", err)
			continue
		}
		if p.peerID() == "" {
			p.setID(msg.SenderID)
			s.logger.Info("peer registered", "peer_id", msg.SenderID)
		}
		select {
		case s.inbound <- msg:
		default:
			s.logger.Warn("inbound queue full, dropping frame",
				"peer_id", p.peerID(), "message_type", string(msg.Type))
		}
	}
}

func (s *Server) removePeer(p *peer) {
	_ = p.conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.peers {
		if q == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return
		}
	}
}

// Send routes msg to the peer whose id equals msg.ReceiverID. A broadcast
// receiver fans out to every peer except the sender.
func (s *Server) Send(msg protocol.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if msg.ReceiverID == protocol.BroadcastReceiver {
		return s.Broadcast(msg, msg.SenderID)
	}
	s.mu.Lock()
	var target *peer
	for _, p := range s.peers {
		if p.peerID() == msg.ReceiverID {
			target = p
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("%w: no connected peer %q", ErrWrite, msg.ReceiverID)
	}
	return target.send(msg)
}

// Broadcast delivers msg to every connected peer except exceptID. The peer
// list is cloned under the lock; the writes happen outside it. Write failures
// are logged and skipped so one dead peer cannot block the rest.
func (s *Server) Broadcast(msg protocol.Message, exceptID string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		if id := p.peerID(); id != "" && id == exceptID {
			continue
		}
		targets = append(targets, p)
	}
	s.mu.Unlock()

	for _, p := range targets {
		if err := p.send(msg); err != nil {
			s.logger.Warn("broadcast delivery failed", "peer_id", p.peerID(), "error", err)
		}
	}
	return nil
}

// Receive dequeues the next inbound message, waiting up to timeout. The
// second return is false when no message arrived in time.
func (s *Server) Receive(timeout time.Duration) (protocol.Message, bool) {
	select {
	case msg := <-s.inbound:
		return msg, true
	case <-time.After(timeout):
		return protocol.Message{}, false
	}
}

// PeerCount reports the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close stops the accept loop, closes every peer connection, and unlinks the
// socket path. Safe to call more than once.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.listener.Close()
	s.mu.Lock()
	peers := append([]*peer(nil), s.peers...)
	s.peers = nil
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}
