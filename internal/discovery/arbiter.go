package discovery

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"golang.org/x/net/ipv4"
)

// ErrNoChannel is returned when every candidate address was contested
// and the arbiter could not adopt one. The caller keeps operating
// passively (listening only, no self-announcement).
var ErrNoChannel = errors.New("discovery: no free multicast channel found")

// PresenceBuilder produces a fresh 1470-byte presence payload each
// time the arbiter needs to announce.
type PresenceBuilder func() []byte

// Arbiter does silence-sensing with bounded, randomized-backoff
// retries to appropriate one multicast address for this node's own
// periodic announcements.
type Arbiter struct {
	cfg     Config
	port    uint16
	iface   *net.Interface
	build   PresenceBuilder
	log     zerolog.Logger

	mu      sync.Mutex
	owned   string
	sup     *suture.Supervisor
	cancel  context.CancelFunc
}

// NewArbiter constructs an Arbiter bound to the given engine's active
// listen port and interface, so its scratch sockets and the engine's
// listen socket can both bind (via SO_REUSEADDR) to the same groups.
func NewArbiter(cfg Config, port uint16, iface *net.Interface, build PresenceBuilder, log zerolog.Logger) *Arbiter {
	return &Arbiter{
		cfg:   cfg,
		port:  port,
		iface: iface,
		build: build,
		log:   log,
	}
}

// Run attempts, in order, to adopt one of cfg.CandidateAddresses.
// On success it starts a periodic self-announcer for the owned
// address and returns it. On exhaustion it returns ErrNoChannel.
func (a *Arbiter) Run(ctx context.Context) (string, error) {
	for _, candidate := range a.cfg.CandidateAddresses {
		adopted, err := a.tryAdopt(ctx, candidate)
		if err != nil {
			return "", err
		}
		if adopted {
			a.startAnnouncer(candidate)
			return candidate, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}
	return "", ErrNoChannel
}

// tryAdopt runs the bounded appropriation loop for one candidate.
func (a *Arbiter) tryAdopt(ctx context.Context, candidate string) (bool, error) {
	free, err := a.silenceSense(candidate, a.jitteredWindow(a.cfg.ListenInterval))
	if err != nil {
		return false, err
	}
	if !free {
		return false, nil
	}

	for attempt := 0; attempt < a.cfg.AppropriationAttempts; attempt++ {
		if err := a.sendAnnouncement(candidate); err != nil {
			a.log.Debug().Str("candidate", candidate).Err(err).Msg("discovery: announcement send failed")
		}

		half := a.cfg.ListenInterval / 2
		select {
		case <-time.After(half):
		case <-ctx.Done():
			return false, ctx.Err()
		}

		free, err := a.silenceSense(candidate, half)
		if err != nil {
			return false, err
		}
		if free {
			return true, nil
		}

		var backoff time.Duration
		if a.cfg.BackoffMax > 0 {
			backoff = time.Duration(rand.Int63n(int64(a.cfg.BackoffMax)))
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return false, nil
}

func (a *Arbiter) jitteredWindow(base time.Duration) time.Duration {
	if a.cfg.SilenceJitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(a.cfg.SilenceJitter)+1))
}

// silenceSense joins candidate on a scratch socket and reports
// whether no datagram arrives within window.
func (a *Arbiter) silenceSense(candidate string, window time.Duration) (bool, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", "0.0.0.0:"+strconv.Itoa(int(a.port)))
	if err != nil {
		return false, errors.Wrap(err, "discovery: scratch socket")
	}
	defer conn.Close()

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(a.iface, &net.UDPAddr{IP: net.ParseIP(candidate)}); err != nil {
		return false, errors.Wrap(err, "discovery: join candidate")
	}

	conn.SetReadDeadline(time.Now().Add(window))
	buf := make([]byte, 1500)
	_, _, err = conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return true, nil // silence: free
		}
		return false, errors.Wrap(err, "discovery: silence-sense read")
	}
	return false, nil // heard a datagram: contested
}

func (a *Arbiter) sendAnnouncement(candidate string) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return err
	}
	defer conn.Close()

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastTTL(1); err != nil {
		return err
	}
	dst := &net.UDPAddr{IP: net.ParseIP(candidate), Port: int(a.cfg.MulticastPort)}
	_, err = pconn.WriteTo(a.build(), &ipv4.ControlMessage{TTL: 1, IfIndex: ifaceIndex(a.iface)}, dst)
	return err
}

func ifaceIndex(iface *net.Interface) int {
	if iface == nil {
		return 0
	}
	return iface.Index
}

// startAnnouncer spawns the per-owned-channel announcer long-lived
// task, re-emitting every cfg.AnnounceInterval while ownership holds.
func (a *Arbiter) startAnnouncer(candidate string) {
	a.mu.Lock()
	a.owned = candidate
	a.sup = suture.New("channel-announcer", suture.Spec{
		FailureThreshold: 5,
		FailureBackoff:   5 * time.Second,
	})
	a.sup.Add(&announcer{arbiter: a, candidate: candidate})
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	go a.sup.Serve(ctx)
}

// Owned returns the currently-adopted channel address, or "" if none.
func (a *Arbiter) Owned() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owned
}

// Release gives up ownership and stops the announcer.
func (a *Arbiter) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.owned = ""
}

type announcer struct {
	arbiter   *Arbiter
	candidate string
}

func (an *announcer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(an.arbiter.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := an.arbiter.sendAnnouncement(an.candidate); err != nil {
				an.arbiter.log.Debug().Err(err).Msg("discovery: periodic announcement failed")
			}
		}
	}
}
