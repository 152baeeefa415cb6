package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestPresenceRoundtrip(t *testing.T) {
	names := []string{"Ada"}
	surnames := []string{"Lovelace"}
	key := bytes.Repeat([]byte{0xAB}, 300)
	ip := net.IPv4(192, 168, 1, 5)
	var port uint16 = 54321

	buf := BuildPresence(names, surnames, key, ip, port)
	if len(buf) != PresenceSize {
		t.Fatalf("expected %d bytes, got %d", PresenceSize, len(buf))
	}

	p, ok := ParsePresence(buf)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if len(p.Names) != 1 || p.Names[0] != "Ada" {
		t.Fatalf("names mismatch: %v", p.Names)
	}
	if len(p.Surnames) != 1 || p.Surnames[0] != "Lovelace" {
		t.Fatalf("surnames mismatch: %v", p.Surnames)
	}
	if !bytes.Equal(p.PublicKey, key) {
		t.Fatal("public key mismatch")
	}
	if !p.AnnouncedIP.Equal(ip) {
		t.Fatalf("ip mismatch: %v", p.AnnouncedIP)
	}
	if p.AnnouncedPort != port {
		t.Fatalf("port mismatch: %d", p.AnnouncedPort)
	}
}

func TestPresenceCorruptionDiscarded(t *testing.T) {
	buf := BuildPresence([]string{"A"}, []string{"B"}, nil, net.IPv4(1, 2, 3, 4), 1)
	for _, i := range []int{0, 199, 400, 1000, 1465} {
		corrupt := append([]byte(nil), buf...)
		corrupt[i] ^= 0xFF
		if _, ok := ParsePresence(corrupt); ok {
			t.Fatalf("expected parse failure after corrupting byte %d", i)
		}
	}
}

func TestPresenceWrongSizeDiscarded(t *testing.T) {
	if _, ok := ParsePresence(make([]byte, PresenceSize-1)); ok {
		t.Fatal("expected parse failure for undersized payload")
	}
	if _, ok := ParsePresence(make([]byte, PresenceSize+1)); ok {
		t.Fatal("expected parse failure for oversized payload")
	}
}

func TestPresenceMaxSizedFields(t *testing.T) {
	longName := make([]byte, 250)
	for i := range longName {
		longName[i] = 'a'
	}
	key := bytes.Repeat([]byte{0x01}, 2000)
	buf := BuildPresence([]string{string(longName)}, nil, key, net.IPv4(0, 0, 0, 0), 0)
	p, ok := ParsePresence(buf)
	if !ok {
		t.Fatal("expected parse to succeed despite oversized inputs")
	}
	if len(p.PublicKey) != pubKeyMaxSize {
		t.Fatalf("expected public key truncated to %d bytes, got %d", pubKeyMaxSize, len(p.PublicKey))
	}
}
