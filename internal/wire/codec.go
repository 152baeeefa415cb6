// Package wire implements the byte-level framing shared by every peer:
// CRC-guarded data packets and headers, the short connection code, and
// the multicast presence payload. Nothing in this package touches a
// socket; callers own I/O.
package wire

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

const (
	// PacketPayloadSize is the number of blob bytes carried per data packet.
	PacketPayloadSize = 1431
	// PacketSize is a full on-wire data packet: seq(5) + payload(1431) + crc(4).
	PacketSize = 5 + PacketPayloadSize + 4
	// HeaderSize is the on-wire header: count(5) + lastLen(2) + type(1) + extra(4) + crc(4).
	HeaderSize = 5 + 2 + 1 + 4 + 4

	seqFieldSize   = 5
	countFieldSize = 5
	lastLenSize    = 2
	contentTypeSz  = 1
	extraFieldSize = 4
	crcFieldSize   = 4

	headerCRCRange = countFieldSize + lastLenSize + contentTypeSz + extraFieldSize // 12
	packetCRCRange = seqFieldSize + PacketPayloadSize                              // 1436
)

// Sentinel framing errors. They are local to the receiving component
// and never propagate past Decode.
var (
	ErrBadSize    = errors.New("wire: datagram has the wrong size")
	ErrBadCRC     = errors.New("wire: crc mismatch, datagram corrupt")
	ErrOutOfOrder = errors.New("wire: packet sequence number out of order")
)

// Transform is a symmetric cipher keyed by a shared secret. It is
// applied independently to the header and to each packet, after the
// CRC has been computed over the plaintext. Implementations must
// preserve length.
type Transform interface {
	Name() string
	Seal(key, plaintext []byte) ([]byte, error)
	Open(key, sealed []byte) ([]byte, error)
}

// Header is the decoded form of a 16-byte DataHeader.
type Header struct {
	PacketCount      uint64
	LastPacketLength uint16
	ContentType      byte
	Extra            [4]byte
}

// EncodeHeader serializes h, appending the CRC-32 of bytes [0..12).
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	putUint40(buf[0:5], h.PacketCount)
	binary.BigEndian.PutUint16(buf[5:7], h.LastPacketLength)
	buf[7] = h.ContentType
	copy(buf[8:12], h.Extra[:])
	crc := crc32.ChecksumIEEE(buf[:headerCRCRange])
	binary.BigEndian.PutUint32(buf[12:16], crc)
	return buf
}

// DecodeHeader parses and CRC-validates a 16-byte DataHeader.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, ErrBadSize
	}
	crc := binary.BigEndian.Uint32(buf[12:16])
	if crc32.ChecksumIEEE(buf[:headerCRCRange]) != crc {
		return Header{}, ErrBadCRC
	}
	var h Header
	h.PacketCount = getUint40(buf[0:5])
	h.LastPacketLength = binary.BigEndian.Uint16(buf[5:7])
	h.ContentType = buf[7]
	copy(h.Extra[:], buf[8:12])
	return h, nil
}

// EncodePacket serializes one 1440-byte data packet: seq || payload || crc.
// payload must already be exactly PacketPayloadSize bytes (zero-padded by
// the caller when it is the final, partial packet).
func EncodePacket(seq uint64, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	putUint40(buf[0:5], seq)
	copy(buf[5:5+PacketPayloadSize], payload)
	crc := crc32.ChecksumIEEE(buf[:packetCRCRange])
	binary.BigEndian.PutUint32(buf[packetCRCRange:PacketSize], crc)
	return buf
}

// DecodePacket parses and CRC-validates one 1440-byte data packet,
// returning its sequence number and payload.
func DecodePacket(buf []byte) (seq uint64, payload []byte, err error) {
	if len(buf) != PacketSize {
		return 0, nil, ErrBadSize
	}
	crc := binary.BigEndian.Uint32(buf[packetCRCRange:PacketSize])
	if crc32.ChecksumIEEE(buf[:packetCRCRange]) != crc {
		return 0, nil, ErrBadCRC
	}
	seq = getUint40(buf[0:5])
	payload = make([]byte, PacketPayloadSize)
	copy(payload, buf[5:5+PacketPayloadSize])
	return seq, payload, nil
}

// Encode fragments blob into a header followed by N data packets, ready
// for transmission in order. When transform is non-nil it is applied,
// independently and with the same key, to the header and to each
// packet after their CRCs are computed.
func Encode(blob []byte, contentType byte, extra [4]byte, transform Transform, key []byte) ([][]byte, error) {
	n := len(blob) / PacketPayloadSize
	last := len(blob) % PacketPayloadSize
	count := n
	if last > 0 {
		count++
	}
	if count == 0 {
		// a zero-length blob has N = ceil(0/1431) = 0 packets; represented
		// as a single header with no trailing packets.
	}

	header := EncodeHeader(Header{
		PacketCount:      uint64(count),
		LastPacketLength: uint16(last),
		ContentType:      contentType,
		Extra:            extra,
	})

	padded := make([]byte, count*PacketPayloadSize)
	copy(padded, blob)

	datagrams := make([][]byte, 0, count+1)
	if transform != nil {
		sealed, err := transform.Seal(key, header)
		if err != nil {
			return nil, errors.Wrap(err, "wire: seal header")
		}
		datagrams = append(datagrams, sealed)
	} else {
		datagrams = append(datagrams, header)
	}

	for i := 0; i < count; i++ {
		pkt := EncodePacket(uint64(i), padded[i*PacketPayloadSize:(i+1)*PacketPayloadSize])
		if transform != nil {
			sealed, err := transform.Seal(key, pkt)
			if err != nil {
				return nil, errors.Wrapf(err, "wire: seal packet %d", i)
			}
			datagrams = append(datagrams, sealed)
		} else {
			datagrams = append(datagrams, pkt)
		}
	}
	return datagrams, nil
}

// Decode reassembles datagrams (header first, then packets 1..N in
// strict order) into the original blob. Any CRC or ordering violation
// is fatal: reassembly does not attempt recovery.
func Decode(datagrams [][]byte, transform Transform, key []byte) ([]byte, error) {
	if len(datagrams) == 0 {
		return nil, ErrBadSize
	}
	headerRaw := datagrams[0]
	if transform != nil {
		opened, err := transform.Open(key, headerRaw)
		if err != nil {
			return nil, errors.Wrap(err, "wire: open header")
		}
		headerRaw = opened
	}
	h, err := DecodeHeader(headerRaw)
	if err != nil {
		return nil, err
	}

	if uint64(len(datagrams)-1) != h.PacketCount {
		return nil, ErrBadSize
	}

	out := make([]byte, 0, int(h.PacketCount)*PacketPayloadSize)
	for i := uint64(0); i < h.PacketCount; i++ {
		raw := datagrams[i+1]
		if transform != nil {
			opened, err := transform.Open(key, raw)
			if err != nil {
				return nil, errors.Wrapf(err, "wire: open packet %d", i)
			}
			raw = opened
		}
		seq, payload, err := DecodePacket(raw)
		if err != nil {
			return nil, err
		}
		if seq != i {
			return nil, ErrOutOfOrder
		}
		out = append(out, payload...)
	}

	total := int(h.PacketCount) * PacketPayloadSize
	if h.LastPacketLength > 0 {
		total = int(h.PacketCount-1)*PacketPayloadSize + int(h.LastPacketLength)
	}
	if total > len(out) {
		total = len(out)
	}
	return out[:total], nil
}

func putUint40(dst []byte, v uint64) {
	dst[0] = byte(v >> 32)
	dst[1] = byte(v >> 24)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 8)
	dst[4] = byte(v)
}

func getUint40(src []byte) uint64 {
	return uint64(src[0])<<32 | uint64(src[1])<<24 | uint64(src[2])<<16 | uint64(src[3])<<8 | uint64(src[4])
}
