package util

import (
	"net"
)

// FallbackAddress is used when no LAN interface address can be found.
const FallbackAddress = "127.0.0.1"

// DetectLANAddress returns the first private, non-loopback IPv4 address of
// the host's interfaces, or FallbackAddress.
func DetectLANAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return FallbackAddress
	}
	return pickLANAddress(addrs)
}

func pickLANAddress(addrs []net.Addr) string {
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() || ip.To4() == nil {
			continue
		}
		if ip.IsPrivate() {
			return ip.String()
		}
	}
	return FallbackAddress
}
