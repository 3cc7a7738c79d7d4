package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
)

// RedactToken keeps enough of a share token to correlate log lines.
func RedactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 4 {
		return "[TOKEN-REDACTED]"
	}
	return token[:3] + "..." + "[REDACTED]"
}
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
