package session

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lanchat/lanchat/internal/wire"
)

// ErrAlreadyConnected is returned for an outbound open request against
// a device already holding a live session.
var ErrAlreadyConnected = errors.New("session: already connected to this device")

// ErrHandshakeTimeout is returned once the REQ/ACK exchange exhausts
// its retries.
var ErrHandshakeTimeout = errors.New("session: handshake timed out")

const (
	reqLiteral = "PORTS_SESSION_REQ"
	ackLiteral = "PORTS_SESSION_ACK"
)

// ManagerConfig carries the handshake and per-session tuning knobs.
type ManagerConfig struct {
	ListenPort      uint16
	HandshakeRetry  int
	HandshakeWait   time.Duration
	Session         Config
	TransformFactor func() wire.Transform // nil => sessions run unencrypted
	Auth            func(local *User) AuthCallbacks
	// OnAccept, if set, is called for every passively-accepted inbound
	// session once it is registered and its Open has returned, so a
	// caller (the lanchat Engine) can mint its own id for it the same
	// way it does for sessions it opens itself. Called from a goroutine
	// the accept loop spawns, never from the accept loop itself.
	OnAccept func(s *Session)
}

// DefaultManagerConfig returns the package's documented handshake
// defaults (retry=3, per-attempt timeout 500ms).
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HandshakeRetry: 3,
		HandshakeWait:  500 * time.Millisecond,
		Session:        DefaultConfig(),
	}
}

type pendingHandshake struct {
	ackCh chan []byte
}

// Manager owns the single P2P control socket (the accept loop is its
// exclusive reader) and the set of live Sessions keyed by remote
// control address.
type Manager struct {
	cfg   ManagerConfig
	local *User
	log   zerolog.Logger

	conn net.PacketConn
	port uint16

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*pendingHandshake

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager opens the P2P control socket and starts its accept loop.
func NewManager(cfg ManagerConfig, local *User, log zerolog.Logger) (*Manager, error) {
	conn, err := net.ListenPacket("udp4", udpAddr("0.0.0.0", cfg.ListenPort))
	if err != nil {
		return nil, errors.Wrap(err, "session: open p2p control socket")
	}
	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)

	m := &Manager{
		cfg:      cfg,
		local:    local,
		log:      log,
		conn:     conn,
		port:     port,
		sessions: make(map[string]*Session),
		pending:  make(map[string]*pendingHandshake),
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.acceptLoop()
	return m, nil
}

// ListenPort is the P2P control socket's bound port, the one encoded
// into connection codes.
func (m *Manager) ListenPort() uint16 { return m.port }

// OpenByAddress performs the active side of the REQ/ACK handshake
// against ip:port, then brings a new Session up through Open.
func (m *Manager) OpenByAddress(ip net.IP, port uint16) (*Session, error) {
	return m.openByAddress(ip, port, nil)
}

// OpenByAddressForPeer is OpenByAddress with a known public key
// cross-referenced against every live session's device identity:
// dedup fails with ErrAlreadyConnected if this peer is already
// reachable under a different (ip, port), not just under this exact
// one.
func (m *Manager) OpenByAddressForPeer(ip net.IP, port uint16, publicKey []byte) (*Session, error) {
	return m.openByAddress(ip, port, publicKey)
}

func (m *Manager) openByAddress(ip net.IP, port uint16, publicKey []byte) (*Session, error) {
	key := deviceKey(ip, port)

	m.mu.Lock()
	if _, exists := m.sessions[key]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	if len(publicKey) > 0 {
		for _, s := range m.sessions {
			if u := s.Device().User; u != nil && bytes.Equal(u.PublicKey, publicKey) {
				m.mu.Unlock()
				return nil, ErrAlreadyConnected
			}
		}
	}
	pending := &pendingHandshake{ackCh: make(chan []byte, 1)}
	m.pending[key] = pending
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
	}()

	dataConn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, errors.Wrap(err, "session: open data socket")
	}
	localDataPort := uint16(dataConn.LocalAddr().(*net.UDPAddr).Port)

	req := make([]byte, len(reqLiteral)+2)
	copy(req, reqLiteral)
	req[len(reqLiteral)] = byte(localDataPort >> 8)
	req[len(reqLiteral)+1] = byte(localDataPort)

	peerAddr := &net.UDPAddr{IP: ip, Port: int(port)}

	var ack []byte
	for attempt := 0; attempt < m.cfg.HandshakeRetry; attempt++ {
		if _, err := m.conn.WriteTo(req, peerAddr); err != nil {
			dataConn.Close()
			return nil, errors.Wrap(err, "session: send session request")
		}
		select {
		case ack = <-pending.ackCh:
		case <-time.After(m.cfg.HandshakeWait):
			continue
		case <-m.stop:
			dataConn.Close()
			return nil, ErrHandshakeTimeout
		}
		break
	}
	if ack == nil {
		dataConn.Close()
		return nil, ErrHandshakeTimeout
	}

	remoteDataPort := port
	if len(ack) >= len(ackLiteral)+2 {
		remoteDataPort = uint16(ack[len(ackLiteral)])<<8 | uint16(ack[len(ackLiteral)+1])
	}
	remoteDataAddr := &net.UDPAddr{IP: ip, Port: int(remoteDataPort)}

	device := Device{IP: ip, Port: port}
	if len(publicKey) > 0 {
		device.User = NewRemoteUser(nil, nil, publicKey)
	}
	transform := m.transformFor()
	auth := m.authFor()

	s := New(dataConn, remoteDataAddr, device, m.local, true, transform, auth, m.cfg.Session, m.log)
	m.addSession(key, s)
	s.Open()
	return s, nil
}

// OpenByCode decodes a connection code and opens a session against
// the resulting address.
func (m *Manager) OpenByCode(code string) (*Session, error) {
	ipStr, port, err := wire.DecodeConnectionCode(code)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, errors.Errorf("session: invalid decoded address %q", ipStr)
	}
	return m.OpenByAddress(ip, port)
}

// Session returns the live session for a device, if any.
func (m *Manager) Session(ip net.IP, port uint16) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceKey(ip, port)]
	return s, ok
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// CloseSession closes and forgets the session for a device.
func (m *Manager) CloseSession(ip net.IP, port uint16) {
	key := deviceKey(ip, port)
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	if conn := s.ReleaseSocket(); conn != nil {
		conn.Close()
	}
}

// Close shuts down every live session and the control socket itself.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		if conn := s.ReleaseSocket(); conn != nil {
			conn.Close()
		}
	}
	err := m.conn.Close()
	m.wg.Wait()
	return err
}

func (m *Manager) addSession(key string, s *Session) {
	m.mu.Lock()
	m.sessions[key] = s
	m.mu.Unlock()
}

func (m *Manager) transformFor() wire.Transform {
	if m.cfg.TransformFactor == nil {
		return nil
	}
	return m.cfg.TransformFactor()
}

func (m *Manager) authFor() AuthCallbacks {
	if m.cfg.Auth == nil {
		return AuthCallbacks{}
	}
	return m.cfg.Auth(m.local)
}

// acceptLoop is the control socket's sole reader: it demultiplexes
// inbound REQ frames from ACK replies to our own outbound requests.
func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	buf := make([]byte, 64)
	for {
		select {
		case <-m.stop:
			return
		default:
		}
		m.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := m.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-m.stop:
				return
			default:
			}
			m.log.Debug().Err(err).Msg("session: control socket read error")
			return
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		m.handleControlDatagram(raw, udpAddr)
	}
}

func (m *Manager) handleControlDatagram(raw []byte, addr *net.UDPAddr) {
	switch {
	case len(raw) >= len(ackLiteral) && string(raw[:len(ackLiteral)]) == ackLiteral:
		key := deviceKey(addr.IP, uint16(addr.Port))
		m.mu.Lock()
		pending, ok := m.pending[key]
		m.mu.Unlock()
		if ok {
			select {
			case pending.ackCh <- raw:
			default:
			}
		}
	case len(raw) >= len(reqLiteral) && string(raw[:len(reqLiteral)]) == reqLiteral:
		m.handleInboundRequest(raw, addr)
	}
}

func (m *Manager) handleInboundRequest(raw []byte, addr *net.UDPAddr) {
	key := deviceKey(addr.IP, uint16(addr.Port))

	m.mu.Lock()
	_, exists := m.sessions[key]
	m.mu.Unlock()

	var peerDataPort uint16
	if len(raw) >= len(reqLiteral)+2 {
		peerDataPort = uint16(raw[len(reqLiteral)])<<8 | uint16(raw[len(reqLiteral)+1])
	} else {
		peerDataPort = uint16(addr.Port)
	}

	if exists {
		// Already connected: still acknowledge so a retried REQ from a
		// peer that missed our first ACK does not stall forever.
		m.replyAck(addr, 0)
		return
	}

	dataConn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		m.log.Warn().Err(err).Msg("session: failed to open inbound data socket")
		return
	}
	localDataPort := uint16(dataConn.LocalAddr().(*net.UDPAddr).Port)

	m.replyAck(addr, localDataPort)

	remoteDataAddr := &net.UDPAddr{IP: addr.IP, Port: int(peerDataPort)}
	device := Device{IP: addr.IP, Port: uint16(addr.Port)}
	transform := m.transformFor()
	auth := m.authFor()

	s := New(dataConn, remoteDataAddr, device, m.local, false, transform, auth, m.cfg.Session, m.log)
	m.addSession(key, s)

	// Open blocks up to KeyAgreementTimeout/AuthTimeout when a
	// transform or auth callback is configured; run it off the accept
	// loop's own goroutine so a slow handshake with one peer never
	// stalls REQ/ACK processing for every other peer.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.Open()
		if m.cfg.OnAccept != nil {
			m.cfg.OnAccept(s)
		}
	}()
}

func (m *Manager) replyAck(addr *net.UDPAddr, dataPort uint16) {
	ack := make([]byte, len(ackLiteral)+2)
	copy(ack, ackLiteral)
	ack[len(ackLiteral)] = byte(dataPort >> 8)
	ack[len(ackLiteral)+1] = byte(dataPort)
	if _, err := m.conn.WriteTo(ack, addr); err != nil {
		m.log.Debug().Err(err).Msg("session: failed to send ack")
	}
}

func deviceKey(ip net.IP, port uint16) string {
	return Device{IP: ip, Port: port}.key()
}

func udpAddr(host string, port uint16) string {
	return host + ":" + portString(port)
}
