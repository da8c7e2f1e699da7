//go:build !linux

package tun

import "fmt"

// Device is a TUN device. Only Linux is supported.
type Device struct{}

func Open(name string) (*Device, error) {
	return nil, fmt.Errorf("tun devices are not supported on this platform")
}

func (d *Device) Name() string                { return "" }
func (d *Device) Read(p []byte) (int, error)  { return 0, fmt.Errorf("not supported") }
func (d *Device) Write(p []byte) (int, error) { return 0, fmt.Errorf("not supported") }
func (d *Device) Close() error                { return nil }
