package session

import (
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is one side's contribution to the two-message key agreement
// of a Session's optional KeyAgreeing state.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair generates an X25519 key pair: curve25519 scalar
// multiplication against the base point.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, errors.Wrap(err, "session: generate key pair")
	}
	// clamp per RFC 7748
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "session: derive public value")
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret derives the shared secret from this side's private
// scalar and the peer's public value. Both sides derive the same 32
// bytes.
func (kp KeyPair) SharedSecret(peerPublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.Private[:], peerPublic[:])
	if err != nil {
		return nil, errors.Wrap(err, "session: compute shared secret")
	}
	return secret, nil
}
