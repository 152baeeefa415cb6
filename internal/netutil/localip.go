// Package netutil picks the local IPv4 address an engine announces
// itself on.
package netutil

import (
	"net"

	"github.com/jackpal/gateway"
	"github.com/rs/zerolog"
)

// well-known external address used only to drive the OS routing
// decision; no packet is ever sent to it.
const routingProbeAddr = "203.0.113.1:80"

var privatePriority = []*net.IPNet{
	mustCIDR("192.168.0.0/16"),
	mustCIDR("10.0.0.0/8"),
	mustCIDR("172.16.0.0/12"),
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// SelectLocalIPv4 picks an address in priority order:
//
//	(a) the address of the interface used to reach a well-known
//	    external address (via default-gateway discovery, falling back
//	    to the connect-without-send routing trick);
//	(b) otherwise any enumerated non-loopback address, preferring
//	    192.168.0.0/16, then 10.0.0.0/8, then 172.16.0.0/12;
//	(c) otherwise 127.0.0.1.
func SelectLocalIPv4(log zerolog.Logger) net.IP {
	if ip := viaGateway(log); ip != nil {
		return ip
	}
	if ip := viaRoutingProbe(log); ip != nil {
		return ip
	}
	if ip := viaInterfaceEnumeration(log); ip != nil {
		return ip
	}
	return net.IPv4(127, 0, 0, 1)
}

// viaGateway asks for the default gateway, then finds the local
// interface whose subnet contains it.
func viaGateway(log zerolog.Logger) net.IP {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		log.Debug().Err(err).Msg("netutil: gateway discovery failed")
		return nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		if ipnet.Contains(gw) {
			return ipnet.IP.To4()
		}
	}
	return nil
}

// viaRoutingProbe opens a UDP "connection" (no packet is sent for
// UDP until Write is called) purely to ask the kernel which local
// address it would use to reach routingProbeAddr.
func viaRoutingProbe(log zerolog.Logger) net.IP {
	conn, err := net.Dial("udp4", routingProbeAddr)
	if err != nil {
		log.Debug().Err(err).Msg("netutil: routing probe failed")
		return nil
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return local.IP.To4()
}

func viaInterfaceEnumeration(log zerolog.Logger) net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Debug().Err(err).Msg("netutil: interface enumeration failed")
		return nil
	}

	var candidates []net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		v4 := ipnet.IP.To4()
		if v4 == nil {
			continue
		}
		candidates = append(candidates, v4)
	}

	for _, pref := range privatePriority {
		for _, ip := range candidates {
			if pref.Contains(ip) {
				return ip
			}
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return nil
}
