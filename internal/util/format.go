// Package util provides common utility functions for lanserve.
package util

import (
	"fmt"
	"net"
	"strconv"
)

// FormatBytes formats a byte count for display
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatURL builds the https URL clients should open for host and port.
// IPv6 literals are bracketed and the default https port is omitted.
func FormatURL(host string, port int) string {
	if port == 443 {
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			return "https://[" + host + "]/"
		}
		return "https://" + host + "/"
	}
	return "https://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"
}
