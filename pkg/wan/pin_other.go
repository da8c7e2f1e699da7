//go:build !linux

package wan

import (
	"fmt"
	"net"
	"net/netip"
)

func dialPinned(device string, server netip.AddrPort) (*net.UDPConn, error) {
	return nil, fmt.Errorf("device pinning is not supported on this platform")
}

func boundDevice(conn *net.UDPConn) string {
	return ""
}
