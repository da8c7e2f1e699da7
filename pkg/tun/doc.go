// Package tun provides the virtual network interface used by both tunnel
// endpoints. A device delivers one raw IP packet per successful read into the
// caller-supplied buffer and accepts one raw IP packet per write; no framing
// is added.
package tun
