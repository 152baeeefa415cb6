package wire

import (
	"encoding/binary"
	"hash/crc32"
	"net"
	"strings"
)

// Fixed byte layout of the multicast announcement frame.
const (
	PresenceSize = 1470

	namesOffset    = 0
	namesSize      = 200
	surnamesOffset = namesOffset + namesSize
	surnamesSize   = 200
	pubKeyLenOff   = surnamesOffset + surnamesSize // 400
	pubKeyLenSize  = 2
	pubKeyOffset   = pubKeyLenOff + pubKeyLenSize // 402
	pubKeyMaxSize  = 1024
	extraOffset    = pubKeyOffset + pubKeyMaxSize // 1426
	extraSize      = 40
	presenceCRCOff = extraOffset + extraSize // 1466
)

// Presence is the parsed form of the 1470-byte multicast announcement.
type Presence struct {
	Names          []string
	Surnames       []string
	PublicKey      []byte
	AnnouncedIP    net.IP
	AnnouncedPort  uint16
}

// BuildPresence assembles the fixed 1470-byte payload, truncating
// names/surnames to 200 bytes and the public key to 1024 bytes, and
// appending the CRC-32 of the first 1466 bytes.
func BuildPresence(names, surnames []string, publicKey []byte, announcedIP net.IP, announcedPort uint16) []byte {
	buf := make([]byte, PresenceSize)

	copy(buf[namesOffset:namesOffset+namesSize], truncateUTF8([]byte(strings.Join(names, "\x1f")), namesSize))
	copy(buf[surnamesOffset:surnamesOffset+surnamesSize], truncateUTF8([]byte(strings.Join(surnames, "\x1f")), surnamesSize))

	l := len(publicKey)
	if l > pubKeyMaxSize {
		l = pubKeyMaxSize
	}
	binary.BigEndian.PutUint16(buf[pubKeyLenOff:pubKeyLenOff+pubKeyLenSize], uint16(l))
	copy(buf[pubKeyOffset:pubKeyOffset+l], publicKey[:l])

	v4 := announcedIP.To4()
	if v4 != nil {
		copy(buf[extraOffset:extraOffset+4], v4)
	}
	binary.BigEndian.PutUint16(buf[extraOffset+4:extraOffset+6], announcedPort)

	crc := crc32.ChecksumIEEE(buf[:presenceCRCOff])
	binary.BigEndian.PutUint32(buf[presenceCRCOff:PresenceSize], crc)
	return buf
}

// ParsePresence validates size and CRC, then extracts the fields. Any
// deviation returns (Presence{}, false); the caller discards the frame
// silently.
func ParsePresence(buf []byte) (Presence, bool) {
	if len(buf) != PresenceSize {
		return Presence{}, false
	}
	crc := binary.BigEndian.Uint32(buf[presenceCRCOff:PresenceSize])
	if crc32.ChecksumIEEE(buf[:presenceCRCOff]) != crc {
		return Presence{}, false
	}

	namesRaw := trimNulls(buf[namesOffset : namesOffset+namesSize])
	surnamesRaw := trimNulls(buf[surnamesOffset : surnamesOffset+surnamesSize])

	l := binary.BigEndian.Uint16(buf[pubKeyLenOff : pubKeyLenOff+pubKeyLenSize])
	if int(l) > pubKeyMaxSize {
		return Presence{}, false
	}
	var pub []byte
	if l > 0 {
		pub = make([]byte, l)
		copy(pub, buf[pubKeyOffset:pubKeyOffset+int(l)])
	}

	ip := net.IPv4(buf[extraOffset], buf[extraOffset+1], buf[extraOffset+2], buf[extraOffset+3])
	port := binary.BigEndian.Uint16(buf[extraOffset+4 : extraOffset+6])

	p := Presence{
		PublicKey:     pub,
		AnnouncedIP:   ip,
		AnnouncedPort: port,
	}
	if len(namesRaw) > 0 {
		p.Names = strings.Split(string(namesRaw), "\x1f")
	}
	if len(surnamesRaw) > 0 {
		p.Surnames = strings.Split(string(surnamesRaw), "\x1f")
	}
	return p, true
}

func truncateUTF8(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}

func trimNulls(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
