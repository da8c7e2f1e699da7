package netplumb

import (
	"fmt"
	"net/netip"
)

// toCIDR combines a dotted-quad address and netmask into prefix notation.
func toCIDR(ip, netmask string) (string, error) {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("parse tun ip %q: %w", ip, err)
	}
	bits, err := maskBits(netmask)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", a, bits), nil
}

// toSubnet masks the address down to its network prefix.
func toSubnet(ip, netmask string) (string, error) {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("parse tun ip %q: %w", ip, err)
	}
	bits, err := maskBits(netmask)
	if err != nil {
		return "", err
	}
	pfx, err := a.Prefix(bits)
	if err != nil {
		return "", fmt.Errorf("prefix %s/%d: %w", a, bits, err)
	}
	return pfx.String(), nil
}

func maskBits(netmask string) (int, error) {
	m, err := netip.ParseAddr(netmask)
	if err != nil || !m.Is4() {
		return 0, fmt.Errorf("parse netmask %q: not a dotted quad", netmask)
	}

	var bits int
	var done bool
	for _, b := range m.As4() {
		for i := 7; i >= 0; i-- {
			if b&(1<<i) != 0 {
				if done {
					return 0, fmt.Errorf("netmask %q is not contiguous", netmask)
				}
				bits++
			} else {
				done = true
			}
		}
	}
	return bits, nil
}
