// Package wan discovers usable WAN interfaces and binds one device-pinned UDP
// socket per interface.
//
// Pinning matters: the client installs a default route pointing into its own
// tun, so without SO_BINDTODEVICE the tunnel's own datagrams would loop back
// into the tunnel.
package wan

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNoWAN is returned when interface discovery finds no usable WAN link.
var ErrNoWAN = errors.New("no usable WAN interfaces found")

// skipPrefixes are interface name prefixes that never carry WAN traffic:
// loopback, container bridges, and virtual devices.
var skipPrefixes = []string{
	"lo",
	"docker",
	"br-",
	"veth",
	"virbr",
	"tun",
	"tap",
	"wg",
	"onebox",
}

// Link is a WAN interface with a UDP socket pinned to it and pre-connected to
// the server address.
type Link struct {
	Name string
	Conn *net.UDPConn
}

// Usable reports whether an interface with the given name and flags can carry
// tunnel traffic. extra contains additional name prefixes to skip (at least
// the tunnel's own interface).
func Usable(name string, flags net.Flags, extra []string) bool {
	if flags&net.FlagUp == 0 || flags&net.FlagLoopback != 0 {
		return false
	}
	for _, p := range skipPrefixes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	for _, p := range extra {
		if p != "" && strings.HasPrefix(name, p) {
			return false
		}
	}
	return true
}

// Discover enumerates the host's network interfaces and returns one pinned,
// connected socket per usable interface that has an IPv4 address. It fails
// with ErrNoWAN if the resulting list is empty.
func Discover(server netip.AddrPort, skip []string, l zerolog.Logger) ([]Link, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	var links []Link
	for _, ifc := range ifs {
		if !Usable(ifc.Name, ifc.Flags, skip) {
			continue
		}
		if !hasIPv4(&ifc) {
			l.Debug().Str("interface", ifc.Name).Msg("skipping interface without ipv4 address")
			continue
		}

		conn, err := dialPinned(ifc.Name, server)
		if err != nil {
			l.Warn().Err(err).Str("interface", ifc.Name).Msg("failed to bind wan socket")
			continue
		}

		l.Info().
			Str("interface", ifc.Name).
			Stringer("local", conn.LocalAddr()).
			Stringer("server", server).
			Str("bound_device", boundDevice(conn)).
			Msg("bound wan link")
		links = append(links, Link{Name: ifc.Name, Conn: conn})
	}

	if len(links) == 0 {
		return nil, ErrNoWAN
	}
	return links, nil
}

// Close closes every link socket.
func Close(links []Link) {
	for _, lk := range links {
		lk.Conn.Close()
	}
}

func hasIPv4(ifc *net.Interface) bool {
	addrs, err := ifc.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && n.IP.To4() != nil {
			return true
		}
	}
	return false
}
