package session

// User is the identity of a participant. PrivateKey is non-nil only
// for the local user: the invariant "private_key != nil => this user
// is local" is enforced by only ever setting it from NewLocalUser.
// PublicKey is the long-term SM2 identity key announced in presence
// payloads and used to verify authentication proofs; it is distinct
// from the ephemeral X25519 value a Session's optional KeyAgreeing
// state contributes.
type User struct {
	GivenNames []string
	Surnames   []string

	PrivateKey []byte // marshaled SM2 private scalar, present only for the local user
	PublicKey  []byte // marshaled SM2 public key, present for any user one has seen

	AuthenticatedByMe bool
}

// NewLocalUser bootstraps the local identity: an SM2 key pair
// generated once at process start and held for its lifetime.
func NewLocalUser(givenNames, surnames []string) (*User, error) {
	priv, pub, err := GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	return &User{
		GivenNames: givenNames,
		Surnames:   surnames,
		PrivateKey: priv,
		PublicKey:  pub,
	}, nil
}

// NewRemoteUser models a participant first observed through a
// presence announcement or an inbound session request: no private
// key, public key populated when known.
func NewRemoteUser(givenNames, surnames []string, publicKey []byte) *User {
	return &User{
		GivenNames: givenNames,
		Surnames:   surnames,
		PublicKey:  publicKey,
	}
}

// IsLocal reports whether this user carries the local private key.
func (u *User) IsLocal() bool { return u != nil && len(u.PrivateKey) > 0 }
