//go:build !linux
// +build !linux

package system

func DeviceStatus(iface string) (*Status, error) {
	return nil, errUnsupported
}
