package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the tcp:// http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	for _, scheme := range []string{"tcp://", "http://", "https://"} {
		if rest, ok := strings.CutPrefix(addr, scheme); ok {
			addr = rest
			break
		}
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	if strings.Count(addr, ":") > 1 && !strings.HasPrefix(addr, "[") {
		// bare IPv6 literal
		return net.JoinHostPort(addr, defPort)
	}
	return addr + ":" + defPort
}
