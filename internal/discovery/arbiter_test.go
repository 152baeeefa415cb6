package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

// TestArbiterBoundedAttempts checks that on a channel that is always
// contested, the arbiter gives up on every candidate and reports
// ErrNoChannel before the context deadline, rather than retrying
// without end.
func TestArbiterBoundedAttempts(t *testing.T) {
	cfg := Config{
		CandidateAddresses:    []string{"239.192.1.50", "239.192.1.51"},
		MulticastPort:         57000,
		ListenInterval:        30 * time.Millisecond,
		BackoffMax:            5 * time.Millisecond,
		AppropriationAttempts: 2,
		AnnounceInterval:      time.Second,
	}

	stop := make(chan struct{})
	defer close(stop)
	for _, candidate := range cfg.CandidateAddresses {
		go jamCandidate(t, candidate, cfg.MulticastPort, stop)
	}
	// give the jammers time to bind before the arbiter starts sensing.
	time.Sleep(20 * time.Millisecond)

	a := NewArbiter(cfg, 57000, nil, func() []byte { return make([]byte, 10) }, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.Run(ctx)
	if err != ErrNoChannel {
		t.Fatalf("expected ErrNoChannel on a fully-contested range, got %v", err)
	}
}

func jamCandidate(t *testing.T, candidate string, port uint16, stop <-chan struct{}) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		t.Logf("jammer: listen failed: %v", err)
		return
	}
	defer conn.Close()
	pconn := ipv4.NewPacketConn(conn)
	pconn.SetMulticastTTL(1)
	dst := &net.UDPAddr{IP: net.ParseIP(candidate), Port: int(port)}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pconn.WriteTo([]byte("jam"), nil, dst)
		}
	}
}
