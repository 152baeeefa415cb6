package wire

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestFrameRoundtripSizes(t *testing.T) {
	sizes := []int{0, 1, 1430, 1431, 1432, 2863, 200000}
	for _, n := range sizes {
		blob := make([]byte, n)
		if _, err := rand.Read(blob); err != nil {
			t.Fatal(err)
		}
		datagrams, err := Encode(blob, 0, [4]byte{}, nil, nil)
		if err != nil {
			t.Fatalf("encode size %d: %v", n, err)
		}
		out, err := Decode(datagrams, nil, nil)
		if err != nil {
			t.Fatalf("decode size %d: %v", n, err)
		}
		if !bytes.Equal(out, blob) {
			t.Fatalf("roundtrip mismatch size %d", n)
		}
	}
}

func TestFrameS2FragmentCounts(t *testing.T) {
	blob := make([]byte, 2*PacketPayloadSize+1)
	datagrams, err := Encode(blob, 0, [4]byte{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h, err := DecodeHeader(datagrams[0])
	if err != nil {
		t.Fatal(err)
	}
	if h.PacketCount != 3 {
		t.Fatalf("expected packet_count=3, got %d", h.PacketCount)
	}
	if h.LastPacketLength != 1 {
		t.Fatalf("expected last_packet_length=1, got %d", h.LastPacketLength)
	}
	out, err := Decode(datagrams, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, blob) {
		t.Fatal("decoded bytes differ from source")
	}
}

func TestFrameBitFlipYieldsBadCRC(t *testing.T) {
	blob := make([]byte, 3000)
	datagrams, err := Encode(blob, 0, [4]byte{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	datagrams[1][10] ^= 0x01
	if _, err := Decode(datagrams, nil, nil); err != ErrBadCRC {
		t.Fatalf("expected ErrBadCRC, got %v", err)
	}
}

func TestFrameSwapYieldsOutOfOrder(t *testing.T) {
	blob := make([]byte, 5000)
	datagrams, err := Encode(blob, 0, [4]byte{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(datagrams) < 3 {
		t.Fatal("need at least two data packets for this test")
	}
	datagrams[1], datagrams[2] = datagrams[2], datagrams[1]
	if _, err := Decode(datagrams, nil, nil); err != ErrOutOfOrder {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestFrameDroppedHeaderYieldsBadSize(t *testing.T) {
	blob := make([]byte, 3000)
	datagrams, err := Encode(blob, 0, [4]byte{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(datagrams[1:], nil, nil); err != ErrBadSize {
		t.Fatalf("expected ErrBadSize when the header is missing, got %v", err)
	}
}

type xorTestTransform struct{}

func (xorTestTransform) Name() string { return "test-xor" }

func (xorTestTransform) Seal(key, plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	for i := range plaintext {
		out[i] = plaintext[i] ^ key[i%len(key)]
	}
	return out, nil
}

func (t xorTestTransform) Open(key, sealed []byte) ([]byte, error) {
	return t.Seal(key, sealed)
}

func TestFrameRoundtripWithTransform(t *testing.T) {
	blob := []byte("the quick brown fox jumps over the lazy dog")
	key := []byte("a shared secret")
	datagrams, err := Encode(blob, 1, [4]byte{1, 2, 3, 4}, xorTestTransform{}, key)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(datagrams, xorTestTransform{}, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, blob) {
		t.Fatalf("got %q want %q", out, blob)
	}
}
