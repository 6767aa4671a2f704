// Package compile turns a desired-state snapshot into the pair of
// artifacts applied to the live system: the WireGuard interface
// descriptor with its peer list, and the firewall script. Compilation is
// a pure function; the same snapshot always produces byte-identical
// artifacts.
package compile

import (
	"fmt"
	"path/filepath"
	"strings"

	"wgsteward/internal/alloc"
	"wgsteward/internal/model"
	"wgsteward/internal/rules"
)

// Options selects the target interface and host paths baked into the
// rendered artifacts.
type Options struct {
	// Interface is the WireGuard device name, default wg0.
	Interface string
	// ConfigPath is where the interface config will live on the host,
	// default /etc/wireguard/wg0.conf. The rules script path is derived
	// from it.
	ConfigPath string
}

// Defaults fills unset fields.
func (o *Options) Defaults() {
	if o.Interface == "" {
		o.Interface = "wg0"
	}
	if o.ConfigPath == "" {
		o.ConfigPath = fmt.Sprintf("/etc/wireguard/%s.conf", o.Interface)
	}
}

// RulesScriptPath is the firewall script path next to the config file.
func (o *Options) RulesScriptPath() string {
	dir := filepath.Dir(o.ConfigPath)
	return filepath.Join(dir, o.Interface+"-rules.sh")
}

// InterfaceDescriptor carries everything needed to bring the device up.
type InterfaceDescriptor struct {
	Name       string `json:"name"`
	PrivateKey string `json:"private_key"`
	ListenPort int    `json:"listen_port"`
	// Addresses is the union of all network interface addresses.
	Addresses []string `json:"addresses"`
	MTU       int      `json:"mtu"`
}

// Peer is one compiled peer entry.
type Peer struct {
	Name                string   `json:"name"`
	ClientID            int64    `json:"client_id"`
	PublicKey           string   `json:"public_key"`
	PresharedKey        string   `json:"preshared_key,omitempty"`
	AllowedIPs          []string `json:"allowed_ips"`
	PersistentKeepalive int      `json:"persistent_keepalive,omitempty"`
}

// Artifact is the deterministic output of compiling one snapshot.
type Artifact struct {
	Interface InterfaceDescriptor `json:"interface"`
	Peers     []Peer              `json:"peers"`

	// InterfaceConf is the rendered wg config file text.
	InterfaceConf string `json:"interface_conf"`
	// FirewallScript is the rendered rules script text.
	FirewallScript string `json:"firewall_script"`
}

// PeerByPublicKey returns the peer entry with the given key, or nil.
func (a *Artifact) PeerByPublicKey(key string) *Peer {
	for i := range a.Peers {
		if a.Peers[i].PublicKey == key {
			return &a.Peers[i]
		}
	}
	return nil
}

// Compile validates nothing; callers run Snapshot.Validate first. The
// snapshot is sorted here so callers may pass it in any order.
func Compile(snap *model.Snapshot, opts Options) (*Artifact, error) {
	opts.Defaults()
	snap.Sort()

	ruleSet, err := rules.Compile(snap, opts.Interface)
	if err != nil {
		return nil, err
	}

	art := &Artifact{
		Interface: InterfaceDescriptor{
			Name:       opts.Interface,
			PrivateKey: snap.Server.PrivateKey,
			ListenPort: snap.Server.ListenPort,
			MTU:        1420,
		},
	}
	for i := range snap.Networks {
		art.Interface.Addresses = append(art.Interface.Addresses, snap.Networks[i].InterfaceCIDR())
	}

	for i := range snap.Clients {
		c := &snap.Clients[i]
		if !c.Enabled {
			continue
		}
		peer, err := compilePeer(snap, c, ruleSet)
		if err != nil {
			return nil, err
		}
		art.Peers = append(art.Peers, *peer)
	}

	art.InterfaceConf = renderInterfaceConf(art, opts.RulesScriptPath())
	art.FirewallScript = ruleSet.Script
	return art, nil
}

func compilePeer(snap *model.Snapshot, c *model.Client, ruleSet *rules.Result) (*Peer, error) {
	peer := &Peer{
		Name:                c.Name,
		ClientID:            c.ID,
		PublicKey:           c.PublicKey,
		PresharedKey:        c.PresharedKey,
		PersistentKeepalive: c.Keepalive,
	}

	// Base case: one host route per member network. The gateway's own
	// routed subnets are deliberately absent here; putting them in the
	// gateway's own entry would route its downstream traffic back into
	// the tunnel it arrived from. The FORWARD chain makes the actual
	// forwarding decision for gateway traffic.
	nets := snap.ClientNetworks(c)
	for i := range nets {
		addr, err := alloc.ClientAddr(&nets[i], c.Octet)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", c.Name, err)
		}
		peer.AllowedIPs = append(peer.AllowedIPs, addr)
	}

	if cr := ruleSet.ClientByID(c.ID); cr != nil && cr.FullTunnel {
		peer.AllowedIPs = append(peer.AllowedIPs, "0.0.0.0/0")
	}
	return peer, nil
}

// renderInterfaceConf renders the wg config file. Peer blocks are
// delimited with begin/end markers so the diff classifier and operators
// can attribute changes to clients.
func renderInterfaceConf(art *Artifact, rulesScriptPath string) string {
	var b strings.Builder

	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", art.Interface.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", strings.Join(art.Interface.Addresses, ", "))
	fmt.Fprintf(&b, "ListenPort = %d\n", art.Interface.ListenPort)
	fmt.Fprintf(&b, "MTU = %d\n", art.Interface.MTU)
	b.WriteString("\n")
	b.WriteString("# Forwarding and Firewall\n")
	b.WriteString("PreUp = sysctl -w net.ipv4.ip_forward=1\n")
	fmt.Fprintf(&b, "PostUp = %s apply\n", rulesScriptPath)
	fmt.Fprintf(&b, "PostDown = %s remove\n", rulesScriptPath)
	b.WriteString("\n")

	for _, p := range art.Peers {
		fmt.Fprintf(&b, "### begin %s ###\n", p.Name)
		b.WriteString("[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if p.PresharedKey != "" {
			fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
		}
		fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(p.AllowedIPs, ", "))
		if p.PersistentKeepalive > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.PersistentKeepalive)
		}
		fmt.Fprintf(&b, "### end %s ###\n", p.Name)
		b.WriteString("\n")
	}
	return b.String()
}
