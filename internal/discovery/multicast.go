package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"golang.org/x/net/ipv4"

	"github.com/lanchat/lanchat/internal/directory"
	"github.com/lanchat/lanchat/internal/netutil"
	"github.com/lanchat/lanchat/internal/wire"
)

// ErrNoListenPort is returned when none of the configured preferred
// ports could be bound.
var ErrNoListenPort = errors.New("discovery: no preferred port could be bound")

// Engine owns the listen socket, joins every candidate group, and
// maintains the peer directory from validated announcements.
type Engine struct {
	cfg      Config
	log      zerolog.Logger
	localIP  net.IP
	conn     net.PacketConn
	pconn    *ipv4.PacketConn
	iface    *net.Interface
	activePort uint16
	dir      *directory.Directory

	sup    *suture.Supervisor
	cancel context.CancelFunc
	done   <-chan error

	closeOnce sync.Once
}

// Open binds the listen socket, joins all candidate groups, and
// starts the receive loop under a suture supervisor.
func Open(cfg Config, log zerolog.Logger) (*Engine, error) {
	localIP := netutil.SelectLocalIPv4(log)

	conn, activePort, err := bindPreferredPort(cfg.PreferredPorts)
	if err != nil {
		return nil, err
	}

	pconn := ipv4.NewPacketConn(conn)
	iface := interfaceForIP(localIP)

	joined := 0
	for _, addr := range cfg.CandidateAddresses {
		group := &net.UDPAddr{IP: net.ParseIP(addr)}
		if err := pconn.JoinGroup(iface, group); err != nil {
			log.Debug().Str("group", addr).Err(err).Msg("discovery: join group failed, continuing")
			continue
		}
		joined++
	}
	log.Info().Int("joined", joined).Int("candidates", len(cfg.CandidateAddresses)).Str("local_ip", localIP.String()).Msg("discovery: multicast engine ready")

	e := &Engine{
		cfg:        cfg,
		log:        log,
		localIP:    localIP,
		conn:       conn,
		pconn:      pconn,
		iface:      iface,
		activePort: activePort,
		dir:        directory.New(len(cfg.CandidateAddresses)),
	}

	e.sup = suture.New("multicast-engine", suture.Spec{
		FailureThreshold: 5,
		FailureBackoff:   10 * time.Second,
	})
	e.sup.Add(&receiveLoop{engine: e})

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	done := make(chan error, 1)
	go func() { done <- e.sup.Serve(ctx) }()
	e.done = done

	return e, nil
}

// LocalIP returns the address chosen by the local-address selection
// priority rules.
func (e *Engine) LocalIP() net.IP { return e.localIP }

// ActivePort returns the preferred port this engine's listen socket
// actually bound to.
func (e *Engine) ActivePort() uint16 { return e.activePort }

// Directory returns the bounded peer directory this engine maintains.
func (e *Engine) Directory() *directory.Directory { return e.dir }

// Interface returns the network interface matching LocalIP, or nil if
// none was found (group joins then use the system-chosen default
// multicast interface).
func (e *Engine) Interface() *net.Interface { return e.iface }

// Close stops the receive loop and releases the listen socket.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		<-e.done
		err = e.conn.Close()
	})
	return err
}

// receiveLoop is the suture Service running the multicast receive
// loop: short-timeout reads, CRC validation via wire.ParsePresence,
// directory update.
type receiveLoop struct {
	engine *Engine
}

func (r *receiveLoop) Serve(ctx context.Context) error {
	buf := make([]byte, wire.PresenceSize+64)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		r.engine.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := r.engine.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			r.engine.log.Warn().Err(err).Msg("discovery: listen socket read error")
			return err
		}

		presence, ok := wire.ParsePresence(buf[:n])
		if !ok {
			continue // silent drop: malformed or short presence frame
		}

		announcedIP := presence.AnnouncedIP
		announcedPort := presence.AnnouncedPort
		if announcedIP == nil || announcedIP.IsUnspecified() || announcedPort == 0 {
			if udpAddr, ok := addr.(*net.UDPAddr); ok {
				announcedIP = udpAddr.IP
				announcedPort = uint16(udpAddr.Port)
			}
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		r.engine.dir.Upsert(directory.Entry{
			Names:      presence.Names,
			Surnames:   presence.Surnames,
			PublicKey:  presence.PublicKey,
			IP:         announcedIP,
			Port:       announcedPort,
			RawPayload: raw,
		})
	}
}

func bindPreferredPort(ports []uint16) (net.PacketConn, uint16, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	var lastErr error
	for _, p := range ports {
		conn, err := lc.ListenPacket(context.Background(), "udp4", "0.0.0.0:"+strconv.Itoa(int(p)))
		if err != nil {
			lastErr = err
			continue
		}
		return conn, p, nil
	}
	return nil, 0, errors.Wrapf(ErrNoListenPort, "last bind attempt: %v", lastErr)
}

func interfaceForIP(ip net.IP) *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if ok && ipnet.IP.Equal(ip) {
				return &ifaces[i]
			}
		}
	}
	return nil
}
