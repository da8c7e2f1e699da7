// Package netplumb applies the host-level network plumbing the tunnel relies
// on: tun addressing, default-route overrides, IPv4 forwarding, and NAT. It
// runs once at startup and once at shutdown; the data plane assumes the
// plumbing exists and never verifies it at runtime.
package netplumb

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Plumber applies host plumbing and remembers how to undo it.
type Plumber struct {
	Logger zerolog.Logger

	undo []func() error
}

func (p *Plumber) run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	p.Logger.Debug().Str("cmd", name+" "+strings.Join(args, " ")).Msg("plumbing command")
	return nil
}

func (p *Plumber) deferUndo(name string, args ...string) {
	p.undo = append(p.undo, func() error {
		return p.run(name, args...)
	})
}

// ClientUp addresses and raises the client tun, then hijacks the default
// route with the two half-space overrides. The overrides win over any /0
// default without deleting it, so teardown restores connectivity by simply
// removing them.
func (p *Plumber) ClientUp(tunName, tunIP, tunNetmask string) error {
	cidr, err := toCIDR(tunIP, tunNetmask)
	if err != nil {
		return err
	}
	if err := p.run("ip", "addr", "add", cidr, "dev", tunName); err != nil {
		return err
	}
	p.deferUndo("ip", "addr", "del", cidr, "dev", tunName)

	if err := p.run("ip", "link", "set", tunName, "up"); err != nil {
		return err
	}
	p.deferUndo("ip", "link", "set", tunName, "down")

	for _, half := range []string{"0.0.0.0/1", "128.0.0.0/1"} {
		if err := p.run("ip", "route", "add", half, "dev", tunName); err != nil {
			return err
		}
		p.deferUndo("ip", "route", "del", half, "dev", tunName)
	}
	return nil
}

// ServerUp addresses and raises the server tun, enables IPv4 forwarding, and
// installs the source-NAT masquerade for the tun subnet.
func (p *Plumber) ServerUp(tunName, tunIP, tunNetmask string) error {
	cidr, err := toCIDR(tunIP, tunNetmask)
	if err != nil {
		return err
	}
	if err := p.run("ip", "addr", "add", cidr, "dev", tunName); err != nil {
		return err
	}
	p.deferUndo("ip", "addr", "del", cidr, "dev", tunName)

	if err := p.run("ip", "link", "set", tunName, "up"); err != nil {
		return err
	}
	p.deferUndo("ip", "link", "set", tunName, "down")

	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1\n"), 0644); err != nil {
		return fmt.Errorf("enable ipv4 forwarding: %w", err)
	}

	subnet, err := toSubnet(tunIP, tunNetmask)
	if err != nil {
		return err
	}
	if err := p.run("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", subnet, "-j", "MASQUERADE"); err != nil {
		return err
	}
	p.deferUndo("iptables", "-t", "nat", "-D", "POSTROUTING", "-s", subnet, "-j", "MASQUERADE")
	return nil
}

// Down undoes the applied plumbing in reverse order. Errors are logged and
// skipped; a partially torn-down host beats an early abort.
func (p *Plumber) Down() {
	for i := len(p.undo) - 1; i >= 0; i-- {
		if err := p.undo[i](); err != nil {
			p.Logger.Warn().Err(err).Msg("plumbing teardown failed")
		}
	}
	p.undo = nil
}
