// Package session implements the per-peer state machine (handshake,
// optional key agreement, optional authentication, send/receive
// queues, in-order reassembly, history) and its owning SessionManager.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lanchat/lanchat/internal/wire"
)

// State is one node of the session's linear state machine.
type State int

const (
	StateNew State = iota
	StateHandshaking
	StateKeyAgreeing
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHandshaking:
		return "handshaking"
	case StateKeyAgreeing:
		return "key-agreeing"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrTransportClosed is returned by Send on a closed session.
var ErrTransportClosed = errors.New("session: transport closed")

// Content types a caller of Send may use.
const (
	ContentTypeText   byte = 0
	ContentTypeBinary byte = 1
)

// control-frame subtypes, used only during bring-up; they never
// collide with data headers (16B) or data packets (1440B) because
// every control frame is framed with a 4-byte prefix plus a payload
// of a different length than either.
const (
	controlMarker            byte = 0xC0
	subtypeKeyExchange       byte = 0x01
	subtypeAuthChallenge     byte = 0x02
	subtypeAuthProof         byte = 0x03
)

// Blob is one application-level send/receive unit together with the
// content-type/extra metadata carried in its DataHeader.
type Blob struct {
	Data        []byte
	ContentType byte
	Extra       [4]byte
}

// Config carries the Session-scoped timeouts; SessionManager holds
// one and threads it into every Session it creates.
type Config struct {
	KeyAgreementTimeout time.Duration
	AuthTimeout         time.Duration
	SendQueueSize       int
}

// DefaultConfig returns the package's documented handshake timeout
// defaults.
func DefaultConfig() Config {
	return Config{
		KeyAgreementTimeout: 500 * time.Millisecond,
		AuthTimeout:         500 * time.Millisecond,
		SendQueueSize:       64,
	}
}

// Session is a peer-to-peer channel over a dedicated UDP data socket.
type Session struct {
	mu             sync.Mutex
	state          State
	active         bool
	closed         bool
	authenticated  bool

	dataConn       net.PacketConn
	remoteDataAddr *net.UDPAddr
	device         Device
	local          *User
	initiator      bool

	transform    wire.Transform
	transformKey []byte

	auth        AuthCallbacks
	authProofCh chan []byte
	keyXchgCh   chan []byte
	nonceMu     sync.Mutex
	nonce       []byte

	sendQueue chan Blob

	histMu      sync.Mutex
	sentHistory []Blob
	recvHistory []Blob

	pendingHeader *wire.Header
	pendingRaw    [][]byte
	pendingCount  uint64

	cfg Config
	log zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Session bound to its own dedicated data-plane
// socket. It does not start the state machine; call Open.
func New(dataConn net.PacketConn, remoteDataAddr *net.UDPAddr, device Device, local *User, initiator bool, transform wire.Transform, auth AuthCallbacks, cfg Config, log zerolog.Logger) *Session {
	return &Session{
		state:          StateNew,
		dataConn:       dataConn,
		remoteDataAddr: remoteDataAddr,
		device:         device,
		local:          local,
		initiator:      initiator,
		transform:      transform,
		auth:           auth,
		authProofCh:    make(chan []byte, 1),
		keyXchgCh:      make(chan []byte, 1),
		sendQueue:      make(chan Blob, cfg.SendQueueSize),
		cfg:            cfg,
		log:            log,
		stop:           make(chan struct{}),
	}
}

// Open runs the state machine to completion: KeyAgreeing (if a
// transform was configured), Authenticating (if the initiator carries
// a Challenge callback), then Active. Failures in either transitional
// state degrade gracefully rather than closing the session.
func (s *Session) Open() {
	s.setState(StateHandshaking)

	s.wg.Add(1)
	go s.receiveLoop()

	if s.transform != nil {
		s.setState(StateKeyAgreeing)
		if err := s.performKeyAgreement(); err != nil {
			s.log.Warn().Err(err).Str("peer", s.device.key()).Msg("session: key agreement failed, continuing unencrypted")
			s.mu.Lock()
			s.transform = nil
			s.transformKey = nil
			s.mu.Unlock()
		}
	}

	if s.initiator && s.auth.Challenge != nil {
		s.setState(StateAuthenticating)
		ok, err := s.auth.Challenge(s)
		if err != nil {
			s.log.Debug().Err(err).Msg("session: authentication challenge error")
		}
		s.mu.Lock()
		s.authenticated = ok
		s.mu.Unlock()
	}

	s.setState(StateActive)
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.senderLoop()
}

func (s *Session) performKeyAgreement() error {
	kp, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := s.writeControlFrame(subtypeKeyExchange, kp.Public[:]); err != nil {
		return err
	}
	select {
	case peerPub := <-s.keyXchgCh:
		if len(peerPub) != 32 {
			return errors.New("session: malformed peer key-exchange value")
		}
		var pp [32]byte
		copy(pp[:], peerPub)
		secret, err := kp.SharedSecret(pp)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.transformKey = secret
		s.mu.Unlock()
		return nil
	case <-time.After(s.cfg.KeyAgreementTimeout):
		return errors.New("session: key agreement timed out")
	case <-s.stop:
		return errors.New("session: closed during key agreement")
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticated reports whether the peer was authenticated by the
// local Challenge callback. Non-fatal: an unauthenticated session can
// still be Active.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Device returns the remote endpoint this session talks to.
func (s *Session) Device() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// SetRemoteUser updates the device's user once it becomes known (e.g.
// after cross-referencing the discovery directory).
func (s *Session) SetRemoteUser(u *User) {
	s.mu.Lock()
	s.device.User = u
	s.mu.Unlock()
}

// Send enqueues blob for transmission on a single-producer/single-
// consumer queue feeding the sender task; this is the producer side.
// Returns ErrTransportClosed once the session has been closed.
func (s *Session) Send(data []byte, contentType byte, extra [4]byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	select {
	case s.sendQueue <- Blob{Data: data, ContentType: contentType, Extra: extra}:
		return nil
	case <-s.stop:
		return ErrTransportClosed
	}
}

// SentHistory returns a snapshot of blobs the sender task has encoded
// and written in full; blobs whose encode or write failed are absent.
func (s *Session) SentHistory() []Blob {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]Blob, len(s.sentHistory))
	copy(out, s.sentHistory)
	return out
}

// RecvHistory returns a snapshot of blobs successfully reassembled
// from the peer.
func (s *Session) RecvHistory() []Blob {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]Blob, len(s.recvHistory))
	copy(out, s.recvHistory)
	return out
}

// Close sets active=false and stops the sender/receiver tasks. The
// caller (normally the SessionManager) still owns dataConn's fate.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.active = false
		s.state = StateClosed
		s.mu.Unlock()
		close(s.stop)
	})
	s.wg.Wait()
}

// ReleaseSocket hands the data-plane socket to the caller (the
// manager), which decides whether to reuse or close it.
func (s *Session) ReleaseSocket() net.PacketConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.dataConn
	s.dataConn = nil
	return conn
}

func (s *Session) setPendingNonce(n []byte) {
	s.nonceMu.Lock()
	s.nonce = n
	s.nonceMu.Unlock()
}

func (s *Session) pendingNonce() []byte {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	return s.nonce
}

func (s *Session) sendControlFrame(subtype byte, payload []byte) error {
	return s.writeControlFrame(subtype, payload)
}

func (s *Session) senderLoop() {
	defer s.wg.Done()
	for {
		select {
		case blob := <-s.sendQueue:
			s.transmit(blob)
		case <-s.stop:
			return
		}
	}
}

func (s *Session) transmit(blob Blob) {
	s.mu.Lock()
	transform, key, conn, addr := s.transform, s.transformKey, s.dataConn, s.remoteDataAddr
	s.mu.Unlock()
	if conn == nil || addr == nil {
		return
	}

	datagrams, err := wire.Encode(blob.Data, blob.ContentType, blob.Extra, transform, key)
	if err != nil {
		s.log.Warn().Err(err).Msg("session: encode failed, dropping blob")
		return
	}
	for _, dg := range datagrams {
		if _, err := conn.WriteTo(dg, addr); err != nil {
			s.log.Debug().Err(err).Msg("session: write failed")
			return
		}
	}
	s.histMu.Lock()
	s.sentHistory = append(s.sentHistory, blob)
	s.histMu.Unlock()
}

func (s *Session) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, 1500)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.mu.Lock()
		conn := s.dataConn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stop:
				return
			default:
			}
			s.log.Debug().Err(err).Msg("session: data socket read error")
			return
		}

		if udpAddr, ok := addr.(*net.UDPAddr); ok {
			s.mu.Lock()
			if s.remoteDataAddr == nil {
				s.remoteDataAddr = udpAddr
			}
			s.mu.Unlock()
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		s.handleDatagram(raw)
	}
}

func (s *Session) handleDatagram(raw []byte) {
	switch len(raw) {
	case wire.HeaderSize:
		s.beginBlob(raw)
	case wire.PacketSize:
		s.continueBlob(raw)
	default:
		s.handleControlFrame(raw)
	}
}

func (s *Session) beginBlob(raw []byte) {
	s.mu.Lock()
	transform, key := s.transform, s.transformKey
	s.mu.Unlock()

	headerRaw := raw
	if transform != nil {
		opened, err := transform.Open(key, raw)
		if err != nil {
			s.log.Debug().Err(err).Msg("session: open header failed")
			s.resetBlob()
			return
		}
		headerRaw = opened
	}

	h, err := wire.DecodeHeader(headerRaw)
	if err != nil {
		s.log.Debug().Err(err).Msg("session: bad header, discarding")
		s.resetBlob()
		return
	}

	s.pendingHeader = &h
	s.pendingRaw = [][]byte{raw}
	s.pendingCount = h.PacketCount

	if h.PacketCount == 0 {
		s.finalizeBlob()
	}
}

func (s *Session) continueBlob(raw []byte) {
	if s.pendingHeader == nil {
		return
	}
	s.pendingRaw = append(s.pendingRaw, raw)
	if uint64(len(s.pendingRaw)-1) == s.pendingCount {
		s.finalizeBlob()
	}
}

func (s *Session) finalizeBlob() {
	s.mu.Lock()
	transform, key := s.transform, s.transformKey
	s.mu.Unlock()

	blobBytes, err := wire.Decode(s.pendingRaw, transform, key)
	if err != nil {
		s.log.Debug().Err(err).Msg("session: blob reassembly failed, discarding")
		s.resetBlob()
		return
	}

	blob := Blob{Data: blobBytes, ContentType: s.pendingHeader.ContentType, Extra: s.pendingHeader.Extra}
	s.histMu.Lock()
	s.recvHistory = append(s.recvHistory, blob)
	s.histMu.Unlock()
	s.resetBlob()
}

func (s *Session) resetBlob() {
	s.pendingHeader = nil
	s.pendingRaw = nil
	s.pendingCount = 0
}

func (s *Session) handleControlFrame(raw []byte) {
	if len(raw) < 4 || raw[0] != controlMarker {
		return
	}
	subtype := raw[1]
	length := int(raw[2])<<8 | int(raw[3])
	if len(raw) != 4+length {
		return
	}
	payload := raw[4:]

	switch subtype {
	case subtypeKeyExchange:
		select {
		case s.keyXchgCh <- payload:
		default:
		}
	case subtypeAuthChallenge:
		if s.auth.Respond == nil {
			return
		}
		proof, err := s.auth.Respond(s, payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("session: authentication respond failed")
			return
		}
		if err := s.writeControlFrame(subtypeAuthProof, proof); err != nil {
			s.log.Debug().Err(err).Msg("session: failed to send authentication proof")
		}
	case subtypeAuthProof:
		select {
		case s.authProofCh <- payload:
		default:
		}
	}
}

func (s *Session) writeControlFrame(subtype byte, payload []byte) error {
	s.mu.Lock()
	conn, addr := s.dataConn, s.remoteDataAddr
	s.mu.Unlock()
	if conn == nil || addr == nil {
		return errors.New("session: no data socket or remote address")
	}
	buf := make([]byte, 4+len(payload))
	buf[0] = controlMarker
	buf[1] = subtype
	buf[2] = byte(len(payload) >> 8)
	buf[3] = byte(len(payload))
	copy(buf[4:], payload)
	_, err := conn.WriteTo(buf, addr)
	return err
}
