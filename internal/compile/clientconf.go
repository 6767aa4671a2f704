package compile

import (
	"fmt"
	"sort"
	"strings"

	"wgsteward/internal/alloc"
	"wgsteward/internal/model"
)

// RenderClientConf renders the config file a client imports into its own
// WireGuard tooling. Requires the client's private key to be stored
// server-side; clients enrolled with only a public key get an error and
// must build their config by hand.
func RenderClientConf(snap *model.Snapshot, clientID int64, opts Options) (string, error) {
	opts.Defaults()
	snap.Sort()

	c := snap.ClientByID(clientID)
	if c == nil {
		return "", fmt.Errorf("client %d not found", clientID)
	}
	if c.PrivateKey == "" {
		return "", fmt.Errorf("client %q has no stored private key", c.Name)
	}
	if snap.Server.Endpoint == "" {
		return "", fmt.Errorf("server endpoint not configured")
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)

	nets := snap.ClientNetworks(c)
	var addrs []string
	for i := range nets {
		addr, err := alloc.ClientAddr(&nets[i], c.Octet)
		if err != nil {
			return "", err
		}
		addrs = append(addrs, addr)
	}
	fmt.Fprintf(&b, "Address = %s\n", strings.Join(addrs, ", "))

	switch c.DNSMode {
	case model.DNSCustom:
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(c.DNSServers, ", "))
	case model.DNSNone:
	default:
		// Default mode points the client at the server's interface
		// address on its first network.
		if len(nets) > 0 {
			fmt.Fprintf(&b, "DNS = %s\n", nets[0].InterfaceIP())
		}
	}
	b.WriteString("\n")

	b.WriteString("[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", snap.Server.PublicKey)
	if c.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", c.PresharedKey)
	}
	fmt.Fprintf(&b, "Endpoint = %s:%d\n", snap.Server.Endpoint, snap.Server.ListenPort)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(clientAllowedIPs(snap, c, nets), ", "))
	if c.Keepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", c.Keepalive)
	}
	return b.String(), nil
}

// clientAllowedIPs is what the client routes into the tunnel: its member
// network CIDRs plus the routed subnets of gateways it shares a network
// with. Its own routed subnets never appear; those sit behind the
// client, not through the tunnel.
func clientAllowedIPs(snap *model.Snapshot, c *model.Client, nets []model.Network) []string {
	var out []string
	for i := range nets {
		out = append(out, nets[i].CIDR)
	}
	for i := range snap.Clients {
		gw := &snap.Clients[i]
		if gw.ID == c.ID || !gw.Enabled || !gw.IsGateway() {
			continue
		}
		if !gw.SharesNetwork(c) {
			continue
		}
		out = append(out, gw.RoutedCIDRs...)
	}
	sort.Strings(out)
	return dedupe(out)
}

func dedupe(in []string) []string {
	out := in[:0]
	var prev string
	for i, s := range in {
		if i > 0 && s == prev {
			continue
		}
		out = append(out, s)
		prev = s
	}
	return out
}
