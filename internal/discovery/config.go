package discovery

import "time"

// DefaultMulticastPort is the destination port presence announcements
// are sent to.
const DefaultMulticastPort uint16 = 54321

// DefaultPreferredPorts is the fixed list of 10 ports the engine tries
// in order when binding its listening socket.
var DefaultPreferredPorts = []uint16{
	54321, 58732, 61248, 49876, 52413,
	59987, 63254, 50789, 57801, 64523,
}

// CandidateAddresses returns the fixed set of 301 candidate multicast
// group addresses: 239.192.{1,2}.{1..255}, truncated to 301 entries.
func CandidateAddresses() []string {
	addrs := make([]string, 0, 301)
	for third := 1; third <= 2; third++ {
		for fourth := 1; fourth <= 255; fourth++ {
			if len(addrs) >= 301 {
				return addrs
			}
			addrs = append(addrs, ipv4String(239, 192, byte(third), byte(fourth)))
		}
	}
	return addrs
}

func ipv4String(a, b, c, d byte) string {
	const digits = "0123456789"
	buf := make([]byte, 0, 15)
	for _, octet := range [4]byte{a, b, c, d} {
		if len(buf) > 0 {
			buf = append(buf, '.')
		}
		buf = appendUint8(buf, octet, digits)
	}
	return string(buf)
}

func appendUint8(buf []byte, v byte, digits string) []byte {
	if v >= 100 {
		buf = append(buf, digits[v/100])
		v %= 100
		buf = append(buf, digits[v/10])
		v %= 10
		buf = append(buf, digits[v])
	} else if v >= 10 {
		buf = append(buf, digits[v/10])
		buf = append(buf, digits[v%10])
	} else {
		buf = append(buf, digits[v])
	}
	return buf
}

// Config holds every tunable for multicast discovery and channel
// arbitration. None of it lives in a package-level mutable global:
// callers build one Config per engine.
type Config struct {
	CandidateAddresses []string
	MulticastPort      uint16
	PreferredPorts     []uint16

	ListenInterval        time.Duration
	BackoffMax            time.Duration
	AppropriationAttempts int
	AnnounceInterval      time.Duration
	// SilenceJitter adds a small random jitter to the silence-sensing
	// window, to desynchronize nodes racing for the same channel at the
	// same instant. Zero (the default) disables it.
	SilenceJitter time.Duration

	SocketRecvBuffer int
}

// DefaultConfig returns the package's documented defaults.
func DefaultConfig() Config {
	return Config{
		CandidateAddresses:    CandidateAddresses(),
		MulticastPort:         DefaultMulticastPort,
		PreferredPorts:        append([]uint16(nil), DefaultPreferredPorts...),
		ListenInterval:        120 * time.Millisecond,
		BackoffMax:            80 * time.Millisecond,
		AppropriationAttempts: 2,
		AnnounceInterval:      600 * time.Millisecond,
		SilenceJitter:         0,
		SocketRecvBuffer:      2048,
	}
}
