package session

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/tjfoc/gmsm/sm2"
)

// ErrAuthenticationFailed is a non-fatal authentication outcome: the
// session still becomes Active with authenticated=false.
var ErrAuthenticationFailed = errors.New("session: authentication failed")

const identityKeySize = 32

// GenerateIdentityKeyPair creates the long-term SM2 signing identity
// announced in presence payloads, used by the Authenticating state's
// challenge/respond/verify callbacks.
func GenerateIdentityKeyPair() (priv, pub []byte, err error) {
	key, err := sm2.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "session: generate sm2 identity")
	}
	privBytes := make([]byte, identityKeySize)
	key.D.FillBytes(privBytes)
	return privBytes, marshalSM2PublicKey(&key.PublicKey), nil
}

func marshalSM2PublicKey(pub *sm2.PublicKey) []byte {
	out := make([]byte, 64)
	pub.X.FillBytes(out[:32])
	pub.Y.FillBytes(out[32:])
	return out
}

func parseSM2PublicKey(b []byte) (*sm2.PublicKey, error) {
	if len(b) != 64 {
		return nil, errors.New("session: malformed sm2 public key")
	}
	return &sm2.PublicKey{
		Curve: sm2.P256Sm2(),
		X:     new(big.Int).SetBytes(b[:32]),
		Y:     new(big.Int).SetBytes(b[32:]),
	}, nil
}

func sm2PrivateKeyFrom(user *User) (*sm2.PrivateKey, error) {
	if len(user.PrivateKey) != identityKeySize {
		return nil, errors.New("session: local user has no sm2 identity key")
	}
	pub, err := parseSM2PublicKey(user.PublicKey)
	if err != nil {
		return nil, err
	}
	return &sm2.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(user.PrivateKey),
	}, nil
}

// AuthCallbacks models three independently assignable callback slots.
// A zero-value AuthCallbacks leaves Challenge unset: authenticated
// stays false but the session still becomes Active.
type AuthCallbacks struct {
	Challenge func(s *Session) (bool, error)
	Respond   func(s *Session, challenge []byte) (proof []byte, err error)
	Verify    func(s *Session, proof, peerPublicKey []byte) (bool, error)
}

// SM2AuthCallbacks wires the three slots to SM2 sign/verify: Challenge
// sends a nonce and blocks for the peer's signature over it; Respond
// signs an incoming nonce with the local identity key; Verify checks
// a signature against the peer's known public key.
func SM2AuthCallbacks(local *User, timeout time.Duration) AuthCallbacks {
	verify := func(s *Session, proof, peerPublicKey []byte) (bool, error) {
		pub, err := parseSM2PublicKey(peerPublicKey)
		if err != nil {
			return false, err
		}
		return pub.Verify(s.pendingNonce(), proof), nil
	}

	return AuthCallbacks{
		Challenge: func(s *Session) (bool, error) {
			nonce := make([]byte, 32)
			if _, err := rand.Read(nonce); err != nil {
				return false, err
			}
			s.setPendingNonce(nonce)
			if err := s.sendControlFrame(subtypeAuthChallenge, nonce); err != nil {
				return false, errors.Wrap(err, "session: send challenge")
			}

			select {
			case proof := <-s.authProofCh:
				user := s.Device().User
				if user == nil {
					return false, errors.New("session: peer identity unknown, cannot verify")
				}
				return verify(s, proof, user.PublicKey)
			case <-time.After(timeout):
				return false, errors.New("session: authentication challenge timed out")
			}
		},
		Respond: func(s *Session, challenge []byte) ([]byte, error) {
			priv, err := sm2PrivateKeyFrom(local)
			if err != nil {
				return nil, err
			}
			sig, err := priv.Sign(rand.Reader, challenge, nil)
			if err != nil {
				return nil, errors.Wrap(err, "session: sign challenge")
			}
			return sig, nil
		},
		Verify: verify,
	}
}
