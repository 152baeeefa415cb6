package session

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.HandshakeRetry = 3
	cfg.HandshakeWait = 200 * time.Millisecond
	local, err := NewLocalUser([]string{"Test"}, []string{"User"})
	if err != nil {
		t.Fatalf("new local user: %v", err)
	}
	m, err := NewManager(cfg, local, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestManagerHandshakeEstablishesSession(t *testing.T) {
	a := newTestManager(t)
	defer a.Close()
	b := newTestManager(t)
	defer b.Close()

	loopback := net.ParseIP("127.0.0.1")
	s, err := a.OpenByAddress(loopback, b.ListenPort())
	if err != nil {
		t.Fatalf("open by address: %v", err)
	}
	if s.State() != StateActive && s.State() != StateHandshaking {
		t.Fatalf("unexpected initiator state: %v", s.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Sessions()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(b.Sessions()) != 1 {
		t.Fatalf("expected passive side to register one session, got %d", len(b.Sessions()))
	}
}

func TestManagerAlreadyConnectedRejected(t *testing.T) {
	a := newTestManager(t)
	defer a.Close()
	b := newTestManager(t)
	defer b.Close()

	loopback := net.ParseIP("127.0.0.1")
	if _, err := a.OpenByAddress(loopback, b.ListenPort()); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := a.OpenByAddress(loopback, b.ListenPort()); err != ErrAlreadyConnected {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestManagerOnAcceptFiresForInboundSession(t *testing.T) {
	a := newTestManager(t)
	defer a.Close()
	b := newTestManager(t)
	defer b.Close()

	accepted := make(chan *Session, 1)
	b.cfg.OnAccept = func(s *Session) { accepted <- s }

	loopback := net.ParseIP("127.0.0.1")
	if _, err := a.OpenByAddress(loopback, b.ListenPort()); err != nil {
		t.Fatalf("open by address: %v", err)
	}

	select {
	case s := <-accepted:
		if s.State() != StateActive {
			t.Fatalf("expected accepted session to be active, got %v", s.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnAccept never fired for inbound session")
	}
}

func TestManagerOpenByAddressForPeerRejectsKnownPublicKey(t *testing.T) {
	a := newTestManager(t)
	defer a.Close()
	b := newTestManager(t)
	defer b.Close()
	c := newTestManager(t)
	defer c.Close()

	loopback := net.ParseIP("127.0.0.1")
	pub := []byte("peer-identity-key")

	if _, err := a.OpenByAddressForPeer(loopback, b.ListenPort(), pub); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := a.OpenByAddressForPeer(loopback, c.ListenPort(), pub); err != ErrAlreadyConnected {
		t.Fatalf("expected ErrAlreadyConnected for known public key via a different endpoint, got %v", err)
	}
}

func TestManagerHandshakeTimeoutWhenPeerAbsent(t *testing.T) {
	a := newTestManager(t)
	defer a.Close()

	deadConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadPort := uint16(deadConn.LocalAddr().(*net.UDPAddr).Port)
	deadConn.Close()

	a.cfg.HandshakeRetry = 1
	a.cfg.HandshakeWait = 50 * time.Millisecond

	_, err = a.OpenByAddress(net.ParseIP("127.0.0.1"), deadPort)
	if err != ErrHandshakeTimeout {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
}
