package channel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/conductor/internal/protocol"
)

// socketPath returns a path short enough for a Unix socket bind.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ch")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "broker.sock")
}

// register sends an initial status_update so the server learns the peer's id,
// then waits until the broker has consumed it.
func register(t *testing.T, s *Server, c *Client, id string) {
	t.Helper()
	if err := c.Send(protocol.New(id, "coordinator", protocol.TypeStatusUpdate, map[string]any{"state": "idle"})); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if _, ok := s.Receive(2 * time.Second); !ok {
		t.Fatalf("broker did not receive registration from %s", id)
	}
}

func TestServerClient_SendReceive(t *testing.T) {
	path := socketPath(t)
	s, err := OpenServer(path, nil)
	if err != nil {
		t.Fatalf("open server: %v", err)
	}
	defer s.Close()

	c, err := OpenClient(path, time.Second, nil)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	defer c.Close()

	register(t, s, c, "agent_001")

	// Coordinator -> agent routing by receiver_id.
	out := protocol.New("coordinator", "agent_001", protocol.TypeTaskRequest, map[string]any{"description": "hello"})
	if err := s.Send(out); err != nil {
		t.Fatalf("server send: %v", err)
	}
	got, ok := c.Receive(2 * time.Second)
	if !ok {
		t.Fatal("client did not receive message")
	}
	if got.MessageID != out.MessageID || got.Payload["description"] != "hello" {
		t.Fatalf("got = %+v", got)
	}
}

func TestServer_OrderPreservedPerSender(t *testing.T) {
	path := socketPath(t)
	s, err := OpenServer(path, nil)
	if err != nil {
		t.Fatalf("open server: %v", err)
	}
	defer s.Close()

	c, err := OpenClient(path, time.Second, nil)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	defer c.Close()

	const n = 20
	for i := 0; i < n; i++ {
		msg := protocol.New("agent_001", "coordinator", protocol.TypeCoordination, map[string]any{"seq": i})
		if err := c.Send(msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		got, ok := s.Receive(2 * time.Second)
		if !ok {
			t.Fatalf("missing message %d", i)
		}
		if seq := got.Payload["seq"]; seq != float64(i) {
			t.Fatalf("message %d has seq %v (ordering broken)", i, seq)
		}
	}
}

func TestBroadcast_ExcludesSender(t *testing.T) {
	path := socketPath(t)
	s, err := OpenServer(path, nil)
	if err != nil {
		t.Fatalf("open server: %v", err)
	}
	defer s.Close()

	a, err := OpenClient(path, time.Second, nil)
	if err != nil {
		t.Fatalf("open client a: %v", err)
	}
	defer a.Close()
	b, err := OpenClient(path, time.Second, nil)
	if err != nil {
		t.Fatalf("open client b: %v", err)
	}
	defer b.Close()

	register(t, s, a, "agent_001")
	register(t, s, b, "agent_002")

	msg := protocol.New("agent_001", protocol.BroadcastReceiver, protocol.TypeCoordination, map[string]any{"note": "fanout"})
	if err := s.Broadcast(msg, "agent_001"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if got, ok := b.Receive(2 * time.Second); !ok || got.Payload["note"] != "fanout" {
		t.Fatalf("agent_002 broadcast = %+v ok=%v", got, ok)
	}
	if got, ok := a.Receive(300 * time.Millisecond); ok {
		t.Fatalf("sender received its own broadcast: %+v", got)
	}
}

func TestBroadcast_ZeroPeersIsNoError(t *testing.T) {
	path := socketPath(t)
	s, err := OpenServer(path, nil)
	if err != nil {
		t.Fatalf("open server: %v", err)
	}
	defer s.Close()

	msg := protocol.New("coordinator", protocol.BroadcastReceiver, protocol.TypeStatusUpdate, nil)
	if err := s.Broadcast(msg, ""); err != nil {
		t.Fatalf("broadcast with zero peers: %v", err)
	}
}

func TestOpenServer_UnlinksStaleSocket(t *testing.T) {
	path := socketPath(t)
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatalf("plant stale file: %v", err)
	}
	s, err := OpenServer(path, nil)
	if err != nil {
		t.Fatalf("open server over stale socket: %v", err)
	}
	defer s.Close()
}

func TestOpenServer_UnwritablePathFails(t *testing.T) {
	_, err := OpenServer("/proc/definitely/not/writable.sock", nil)
	if !errors.Is(err, ErrBind) {
		t.Fatalf("err = %v, want ErrBind", err)
	}
}

func TestOpenClient_NoBrokerFails(t *testing.T) {
	path := socketPath(t)
	_, err := OpenClient(path, 200*time.Millisecond, nil)
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
}

func TestServer_SendToUnknownPeerFails(t *testing.T) {
	path := socketPath(t)
	s, err := OpenServer(path, nil)
	if err != nil {
		t.Fatalf("open server: %v", err)
	}
	defer s.Close()

	msg := protocol.New("coordinator", "agent_404", protocol.TypeTaskRequest, nil)
	if err := s.Send(msg); !errors.Is(err, ErrWrite) {
		t.Fatalf("err = %v, want ErrWrite", err)
	}
}

func TestServer_DeadPeerRemovedSilently(t *testing.T) {
	path := socketPath(t)
	s, err := OpenServer(path, nil)
	if err != nil {
		t.Fatalf("open server: %v", err)
	}
	defer s.Close()

	c, err := OpenClient(path, time.Second, nil)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	register(t, s, c, "agent_001")
	c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.PeerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("peer not removed, count = %d", s.PeerCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_CloseUnlinksPathAndIsIdempotent(t *testing.T) {
	path := socketPath(t)
	s, err := OpenServer(path, nil)
	if err != nil {
		t.Fatalf("open server: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket path still present after close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestReceive_TimeoutReturnsNoMessage(t *testing.T) {
	path := socketPath(t)
	s, err := OpenServer(path, nil)
	if err != nil {
		t.Fatalf("open server: %v", err)
	}
	defer s.Close()

	start := time.Now()
	_, ok := s.Receive(100 * time.Millisecond)
	if ok {
		t.Fatal("unexpected message")
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("receive returned too early: %v", elapsed)
	}
}
