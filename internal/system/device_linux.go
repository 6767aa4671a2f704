//go:build linux
// +build linux

package system

import (
	"fmt"
	"net"
	"time"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
)

// DeviceStatus queries the kernel for the live state of the interface.
func DeviceStatus(iface string) (*Status, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s not present: %w", iface, err)
	}

	wg, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wireguard control: %w", err)
	}
	defer wg.Close()

	dev, err := wg.Device(iface)
	if err != nil {
		return nil, fmt.Errorf("query device %s: %w", iface, err)
	}

	st := &Status{
		Interface:  iface,
		Up:         link.Attrs().Flags&net.FlagUp != 0,
		PublicKey:  dev.PublicKey.String(),
		ListenPort: dev.ListenPort,
	}
	for _, p := range dev.Peers {
		ps := PeerStatus{
			PublicKey:     p.PublicKey.String(),
			LastHandshake: p.LastHandshakeTime,
			ReceiveBytes:  p.ReceiveBytes,
			TransmitBytes: p.TransmitBytes,
		}
		if p.Endpoint != nil {
			ps.Endpoint = p.Endpoint.String()
		}
		for _, ip := range p.AllowedIPs {
			ps.AllowedIPs = append(ps.AllowedIPs, ip.String())
		}
		ps.Active = !p.LastHandshakeTime.IsZero() &&
			time.Since(p.LastHandshakeTime) < 3*time.Minute
		st.Peers = append(st.Peers, ps)
	}
	return st, nil
}
