package session

import (
	"crypto/sha256"

	"github.com/pkg/errors"
	"github.com/templexxx/xor"
	"github.com/tjfoc/gmsm/sm4"

	"github.com/lanchat/lanchat/internal/wire"
)

// XORKeystreamTransform is an intentionally weak symmetric primitive:
// a keystream is expanded from the key by repeated SHA-256 hashing and
// XORed over the plaintext with templexxx/xor.
type XORKeystreamTransform struct{}

func (XORKeystreamTransform) Name() string { return "xor-keystream" }

func (XORKeystreamTransform) Seal(key, plaintext []byte) ([]byte, error) {
	ks := expandKeystream(key, len(plaintext))
	out := make([]byte, len(plaintext))
	xor.Bytes(out, plaintext, ks)
	return out, nil
}

func (t XORKeystreamTransform) Open(key, sealed []byte) ([]byte, error) {
	// XOR is self-inverse.
	return t.Seal(key, sealed)
}

func expandKeystream(key []byte, n int) []byte {
	out := make([]byte, 0, n+sha256.Size)
	block := key
	for len(out) < n {
		sum := sha256.Sum256(block)
		out = append(out, sum[:]...)
		block = sum[:]
	}
	return out[:n]
}

// SM4CTRTransform is a block-cipher-backed alternative symmetric
// transform, selectable per session, running tjfoc/gmsm's SM4 in CTR
// mode with an all-zero nonce; the SM4 key is the first 16 bytes of
// SHA-256 over the session key.
type SM4CTRTransform struct{}

func (SM4CTRTransform) Name() string { return "sm4-ctr" }

func (SM4CTRTransform) Seal(key, plaintext []byte) ([]byte, error) {
	block, err := sm4.NewCipher(sm4Key(key))
	if err != nil {
		return nil, errors.Wrap(err, "session: sm4 key setup")
	}
	out := make([]byte, len(plaintext))
	stream := ctrKeystream(block, len(plaintext))
	xor.Bytes(out, plaintext, stream)
	return out, nil
}

func (t SM4CTRTransform) Open(key, sealed []byte) ([]byte, error) {
	return t.Seal(key, sealed)
}

func sm4Key(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:16] // SM4 takes a 16-byte key
}

func ctrKeystream(block interface{ Encrypt(dst, src []byte) }, n int) []byte {
	const blockSize = 16
	out := make([]byte, 0, n+blockSize)
	counter := make([]byte, blockSize)
	enc := make([]byte, blockSize)
	for i := 0; len(out) < n; i++ {
		putCounter(counter, uint64(i))
		block.Encrypt(enc, counter)
		out = append(out, enc...)
	}
	return out[:n]
}

func putCounter(dst []byte, i uint64) {
	for j := 0; j < 8; j++ {
		dst[len(dst)-1-j] = byte(i >> (8 * j))
	}
}

var (
	_ wire.Transform = XORKeystreamTransform{}
	_ wire.Transform = SM4CTRTransform{}
)
