package tun

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Device is a Linux TUN device.
type Device struct {
	f    *os.File
	name string
}

// Open creates (or attaches to) the named TUN device. The device delivers
// raw IP packets without the packet-information prefix.
func Open(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create tun %q: %w", name, err)
	}

	// non-blocking so reads go through the runtime poller and unblock on Close
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	return &Device{
		f:    os.NewFile(uintptr(fd), "/dev/net/tun"),
		name: ifr.Name(),
	}, nil
}

// Name returns the actual interface name, which may differ from the requested
// one if the kernel expanded a pattern.
func (d *Device) Name() string {
	return d.name
}

// Read reads one IP packet into p.
func (d *Device) Read(p []byte) (int, error) {
	return d.f.Read(p)
}

// Write writes one IP packet from p.
func (d *Device) Write(p []byte) (int, error) {
	return d.f.Write(p)
}

// Close destroys the device and unblocks pending reads.
func (d *Device) Close() error {
	return d.f.Close()
}
