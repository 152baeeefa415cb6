// Package lanchat is the public API: the three interfaces a shell or
// UI needs, namely open/close a discovery engine, open/close a
// session to a peer, and send/receive byte blobs on a session while
// observing its state.
package lanchat

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lanchat/lanchat/internal/discovery"
	"github.com/lanchat/lanchat/internal/session"
	"github.com/lanchat/lanchat/internal/wire"
)

// ContentType names the small fixed enum tagging outgoing blobs.
type ContentType = byte

const (
	ContentTypeText   ContentType = session.ContentTypeText
	ContentTypeBinary ContentType = session.ContentTypeBinary
)

// Re-exported error taxonomy, so callers never need to import the
// internal packages directly.
var (
	ErrInvalidCode          = wire.ErrInvalidCode
	ErrNoChannel            = discovery.ErrNoChannel
	ErrHandshakeTimeout     = session.ErrHandshakeTimeout
	ErrAlreadyConnected     = session.ErrAlreadyConnected
	ErrTransportClosed      = session.ErrTransportClosed
	ErrAuthenticationFailed = session.ErrAuthenticationFailed
)

// DirectoryEntry is the snapshot shape returned by ListDirectory.
type DirectoryEntry struct {
	Names          []string
	Surnames       []string
	PublicKeyLen   int
	IP             net.IP
	Port           uint16
	LastSeenMillis int64
}

// Transform selects the optional symmetric transform a session's
// KeyAgreeing state will key once the Diffie-Hellman-style exchange
// completes. Nil means sessions run unencrypted.
type Transform func() wire.Transform

// Config gathers every tunable for a single call to Open. None of it
// is a package-level mutable global.
type Config struct {
	LocalIP       net.IP // not read by Open: the local address is always chosen automatically
	GivenNames    []string
	Surnames      []string
	Discovery     discovery.Config
	SessionListen uint16
	Transform     Transform
	UseAuth       bool
	AuthTimeout   time.Duration
}

// DefaultConfig returns the package's documented defaults for every
// component, with no symmetric transform and no authentication
// configured: both are opt-in, the crypto here is a placeholder, not
// a hardened requirement.
func DefaultConfig(givenNames, surnames []string) Config {
	return Config{
		GivenNames:  givenNames,
		Surnames:    surnames,
		Discovery:   discovery.DefaultConfig(),
		AuthTimeout: 500 * time.Millisecond,
	}
}

// Engine is an open handle combining the discovery engine, the
// channel arbiter, and the session manager end to end.
type Engine struct {
	cfg Config
	log zerolog.Logger

	local *User

	mc      *discovery.Engine
	arbiter *discovery.Arbiter
	sm      *session.Manager

	arbCtx    context.Context
	arbCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session.Session
	nextID   int
}

// User mirrors the internal User type for the consumer-facing surface.
type User struct {
	GivenNames []string
	Surnames   []string
	PublicKey  []byte
}

// Open starts the multicast engine, attempts to adopt a self-
// announcement channel, and opens the P2P session manager.
func Open(cfg Config, log zerolog.Logger) (*Engine, error) {
	localUser, err := session.NewLocalUser(cfg.GivenNames, cfg.Surnames)
	if err != nil {
		return nil, errors.Wrap(err, "lanchat: bootstrap local identity")
	}

	if cfg.Discovery.CandidateAddresses == nil {
		cfg.Discovery = discovery.DefaultConfig()
	}

	mc, err := discovery.Open(cfg.Discovery, log)
	if err != nil {
		return nil, errors.Wrap(err, "lanchat: open discovery engine")
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		local:    &User{GivenNames: cfg.GivenNames, Surnames: cfg.Surnames, PublicKey: localUser.PublicKey},
		mc:       mc,
		sessions: make(map[string]*session.Session),
	}

	mcfg := session.DefaultManagerConfig()
	mcfg.ListenPort = cfg.SessionListen
	if cfg.Transform != nil {
		mcfg.TransformFactor = func() wire.Transform { return cfg.Transform() }
	}
	if cfg.UseAuth {
		mcfg.Auth = func(local *session.User) session.AuthCallbacks {
			return session.SM2AuthCallbacks(local, cfg.AuthTimeout)
		}
	}
	mcfg.OnAccept = func(s *session.Session) {
		id := e.register(s)
		log.Debug().Str("session", id).Str("peer", s.Device().IP.String()).Msg("lanchat: inbound session accepted")
	}

	sm, err := session.NewManager(mcfg, localUser, log)
	if err != nil {
		mc.Close()
		return nil, errors.Wrap(err, "lanchat: open session manager")
	}
	e.sm = sm

	build := func() []byte {
		return wire.BuildPresence(cfg.GivenNames, cfg.Surnames, localUser.PublicKey, mc.LocalIP(), sm.ListenPort())
	}
	e.arbiter = discovery.NewArbiter(cfg.Discovery, mc.ActivePort(), mc.Interface(), build, log)

	e.arbCtx, e.arbCancel = context.WithCancel(context.Background())
	go func() {
		if _, err := e.arbiter.Run(e.arbCtx); err != nil {
			log.Info().Err(err).Msg("lanchat: no free announcement channel, continuing passively")
		}
	}()

	return e, nil
}

// Close tears down the arbiter, every live session, the session
// manager, and the discovery engine.
func (e *Engine) Close() error {
	e.arbCancel()
	e.arbiter.Release()

	e.mu.Lock()
	sessions := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*session.Session)
	e.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}

	if err := e.sm.Close(); err != nil {
		return err
	}
	return e.mc.Close()
}

// LocalIP returns the address the engine is listening and announcing
// on.
func (e *Engine) LocalIP() net.IP { return e.mc.LocalIP() }

// GenerateCode returns the 8-symbol connection code for this engine's
// P2P endpoint.
func (e *Engine) GenerateCode() (string, error) {
	return wire.EncodeConnectionCode(e.mc.LocalIP().String(), e.sm.ListenPort())
}

// Sessions returns the ids of every live session, whether opened by
// this side or accepted from a peer's inbound request. This is the
// only way a caller learns the id of a passively-accepted session, so
// it can then drive RecvHistory/SessionState/CloseSession on it.
func (e *Engine) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ListDirectory returns a snapshot of observed peers.
func (e *Engine) ListDirectory() []DirectoryEntry {
	entries := e.mc.Directory().Snapshot()
	out := make([]DirectoryEntry, len(entries))
	for i, en := range entries {
		out[i] = DirectoryEntry{
			Names:          en.Names,
			Surnames:       en.Surnames,
			PublicKeyLen:   len(en.PublicKey),
			IP:             en.IP,
			Port:           en.Port,
			LastSeenMillis: en.LastSeen.UnixMilli(),
		}
	}
	return out
}

// OpenSessionByCode decodes code and opens a session against the
// resulting endpoint.
func (e *Engine) OpenSessionByCode(code string) (string, error) {
	s, err := e.sm.OpenByCode(code)
	if err != nil {
		return "", err
	}
	return e.register(s), nil
}

// OpenSessionByIndex opens a session against the directory entry at
// index, inheriting its known public key and names.
func (e *Engine) OpenSessionByIndex(index int) (string, error) {
	entry, ok := e.mc.Directory().At(index)
	if !ok {
		return "", errors.Errorf("lanchat: directory index %d out of range", index)
	}
	var (
		s   *session.Session
		err error
	)
	if len(entry.PublicKey) > 0 {
		s, err = e.sm.OpenByAddressForPeer(entry.IP, entry.Port, entry.PublicKey)
	} else {
		s, err = e.sm.OpenByAddress(entry.IP, entry.Port)
	}
	if err != nil {
		return "", err
	}
	s.SetRemoteUser(session.NewRemoteUser(entry.Names, entry.Surnames, entry.PublicKey))
	return e.register(s), nil
}

// Send submits a blob to the named session.
func (e *Engine) Send(sessionID string, data []byte, contentType ContentType) error {
	s, ok := e.lookup(sessionID)
	if !ok {
		return errors.Errorf("lanchat: unknown session %q", sessionID)
	}
	return s.Send(data, contentType, [4]byte{})
}

// RecvHistory returns the named session's received blobs.
func (e *Engine) RecvHistory(sessionID string) ([][]byte, error) {
	s, ok := e.lookup(sessionID)
	if !ok {
		return nil, errors.Errorf("lanchat: unknown session %q", sessionID)
	}
	hist := s.RecvHistory()
	out := make([][]byte, len(hist))
	for i, b := range hist {
		out[i] = b.Data
	}
	return out, nil
}

// CloseSession closes and forgets the named session.
func (e *Engine) CloseSession(sessionID string) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if ok {
		s.Close()
	}
}

// SessionState reports the named session's current state and
// authentication outcome.
func (e *Engine) SessionState(sessionID string) (state string, authenticated bool, ok bool) {
	s, found := e.lookup(sessionID)
	if !found {
		return "", false, false
	}
	return s.State().String(), s.Authenticated(), true
}

func (e *Engine) register(s *session.Session) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := sessionIDFor(e.nextID)
	e.sessions[id] = s
	return id
}

func (e *Engine) lookup(id string) (*session.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

func sessionIDFor(n int) string {
	const digits = "0123456789"
	if n == 0 {
		return "sess-0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return "sess-" + string(buf[i:])
}
