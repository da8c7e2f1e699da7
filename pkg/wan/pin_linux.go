package wan

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// dialPinned creates a UDP socket bound to 0.0.0.0:0, pins it to the named
// device before the connect so route selection cannot override it, and
// connects it to the server address.
func dialPinned(device string, server netip.AddrPort) (*net.UDPConn, error) {
	d := net.Dialer{
		LocalAddr: &net.UDPAddr{IP: net.IPv4zero, Port: 0},
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, device)
			}); err != nil {
				return err
			}
			if serr != nil {
				return fmt.Errorf("bind to device %q: %w", device, serr)
			}
			return nil
		},
	}
	conn, err := d.Dial("udp4", server.String())
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}

// boundDevice reads SO_BINDTODEVICE back from the socket for logging.
func boundDevice(conn *net.UDPConn) string {
	fd := netfd.GetFdFromConn(conn)
	if fd <= 0 {
		return ""
	}
	name, err := unix.GetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE)
	if err != nil {
		return ""
	}
	return name
}
