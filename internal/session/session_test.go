package session

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func loopbackPair(t *testing.T) (net.PacketConn, net.PacketConn) {
	t.Helper()
	a, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	return a, b
}

func TestSessionSendRecvPlaintext(t *testing.T) {
	connA, connB := loopbackPair(t)
	addrA := connA.LocalAddr().(*net.UDPAddr)
	addrB := connB.LocalAddr().(*net.UDPAddr)

	log := zerolog.Nop()
	cfg := DefaultConfig()

	sa := New(connA, addrB, Device{IP: addrB.IP, Port: uint16(addrB.Port)}, nil, true, nil, AuthCallbacks{}, cfg, log)
	sb := New(connB, addrA, Device{IP: addrA.IP, Port: uint16(addrA.Port)}, nil, false, nil, AuthCallbacks{}, cfg, log)

	sa.Open()
	sb.Open()
	defer sa.Close()
	defer sb.Close()

	if err := sa.Send([]byte("hello"), ContentTypeText, [4]byte{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sb.RecvHistory()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	hist := sb.RecvHistory()
	if len(hist) != 1 {
		t.Fatalf("expected 1 received blob, got %d", len(hist))
	}
	if string(hist[0].Data) != "hello" {
		t.Fatalf("unexpected payload: %q", hist[0].Data)
	}
}

func TestSessionSendAfterCloseFails(t *testing.T) {
	connA, connB := loopbackPair(t)
	addrB := connB.LocalAddr().(*net.UDPAddr)
	log := zerolog.Nop()

	sa := New(connA, addrB, Device{IP: addrB.IP, Port: uint16(addrB.Port)}, nil, true, nil, AuthCallbacks{}, DefaultConfig(), log)
	sa.Open()
	sa.Close()
	connB.Close()

	if err := sa.Send([]byte("x"), ContentTypeText, [4]byte{}); err != ErrTransportClosed {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestSessionKeyAgreementEstablishesSharedTransform(t *testing.T) {
	connA, connB := loopbackPair(t)
	addrA := connA.LocalAddr().(*net.UDPAddr)
	addrB := connB.LocalAddr().(*net.UDPAddr)
	log := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.KeyAgreementTimeout = time.Second

	sa := New(connA, addrB, Device{IP: addrB.IP, Port: uint16(addrB.Port)}, nil, true, XORKeystreamTransform{}, AuthCallbacks{}, cfg, log)
	sb := New(connB, addrA, Device{IP: addrA.IP, Port: uint16(addrA.Port)}, nil, false, XORKeystreamTransform{}, AuthCallbacks{}, cfg, log)

	// Open blocks until key agreement completes, so both sides must run
	// it concurrently for either to hear the other's public value.
	go sa.Open()
	sb.Open()
	defer sa.Close()
	defer sb.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sa.State() == StateActive && sb.State() == StateActive {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := sa.Send([]byte("secret"), ContentTypeText, [4]byte{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sb.RecvHistory()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	hist := sb.RecvHistory()
	if len(hist) != 1 || string(hist[0].Data) != "secret" {
		t.Fatalf("expected decrypted payload 'secret', got %+v", hist)
	}
}
