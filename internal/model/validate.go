package model

import (
	"fmt"
	"net"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ValidationError reports a malformed field in the desired state.
// Validation errors are raised before compilation; nothing on the live
// system changes when one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks a single network in isolation.
func (n *Network) Validate() error {
	if n.Name == "" {
		return validationErrorf("network.name", "must not be empty")
	}
	_, ipnet, err := net.ParseCIDR(n.CIDR)
	if err != nil {
		return validationErrorf("network.cidr", "invalid CIDR %q", n.CIDR)
	}
	if ipnet.IP.To4() == nil {
		return validationErrorf("network.cidr", "only IPv4 subnets are supported, got %q", n.CIDR)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 || ones < 0 || ones > 32 {
		return validationErrorf("network.cidr", "prefix length out of range in %q", n.CIDR)
	}

	ifaceIP := n.InterfaceIP()
	ip := net.ParseIP(ifaceIP)
	if ip == nil {
		return validationErrorf("network.interface_address", "invalid address %q", n.InterfaceAddress)
	}
	if !ipnet.Contains(ip) {
		return validationErrorf("network.interface_address", "%s is outside %s", ifaceIP, n.CIDR)
	}
	return nil
}

// InterfaceIP returns the interface address without any prefix suffix.
func (n *Network) InterfaceIP() string {
	if ip, _, err := net.ParseCIDR(n.InterfaceAddress); err == nil {
		return ip.String()
	}
	return n.InterfaceAddress
}

// InterfaceCIDR returns the interface address with its prefix length,
// deriving the prefix from the network CIDR when the address is bare.
func (n *Network) InterfaceCIDR() string {
	if _, _, err := net.ParseCIDR(n.InterfaceAddress); err == nil {
		return n.InterfaceAddress
	}
	if _, ipnet, err := net.ParseCIDR(n.CIDR); err == nil {
		ones, _ := ipnet.Mask.Size()
		return fmt.Sprintf("%s/%d", n.InterfaceAddress, ones)
	}
	return n.InterfaceAddress
}

// Validate checks a single client in isolation.
func (c *Client) Validate() error {
	if c.Name == "" {
		return validationErrorf("client.name", "must not be empty")
	}
	if _, err := wgtypes.ParseKey(c.PublicKey); err != nil {
		return validationErrorf("client.public_key", "invalid key for %q", c.Name)
	}
	if c.PresharedKey != "" {
		if _, err := wgtypes.ParseKey(c.PresharedKey); err != nil {
			return validationErrorf("client.preshared_key", "invalid key for %q", c.Name)
		}
	}
	if c.Octet < 1 || c.Octet > 254 {
		return validationErrorf("client.octet", "octet %d for %q out of range [1,254]", c.Octet, c.Name)
	}
	if c.Keepalive < 0 {
		return validationErrorf("client.keepalive", "negative interval for %q", c.Name)
	}
	switch c.DNSMode {
	case DNSDefault, DNSNone, "":
	case DNSCustom:
		if len(c.DNSServers) == 0 {
			return validationErrorf("client.dns_servers", "custom DNS mode for %q requires at least one server", c.Name)
		}
		for _, s := range c.DNSServers {
			if net.ParseIP(s) == nil {
				return validationErrorf("client.dns_servers", "invalid DNS server %q for client %q", s, c.Name)
			}
		}
	default:
		return validationErrorf("client.dns_mode", "unknown mode %q for %q", c.DNSMode, c.Name)
	}
	for _, r := range c.RoutedCIDRs {
		if _, _, err := net.ParseCIDR(r); err != nil {
			return validationErrorf("client.routed_cidrs", "invalid CIDR %q for client %q", r, c.Name)
		}
	}
	return nil
}

// Validate checks a single rule in isolation. Reference targets are
// checked by Snapshot.Validate, which has the full object graph.
func (r *AccessRule) Validate() error {
	forms := 0
	if r.DestCIDR != "" {
		forms++
	}
	if r.DestNetworkID != 0 {
		forms++
	}
	if r.DestClientID != 0 {
		forms++
	}
	if forms != 1 {
		return validationErrorf("rule.destination", "rule %d must have exactly one destination, has %d", r.ID, forms)
	}
	if r.DestRouted && r.DestClientID == 0 {
		return validationErrorf("rule.dest_routed", "rule %d: routed destination requires a client target", r.ID)
	}
	if r.DestCIDR != "" {
		if _, _, err := net.ParseCIDR(r.DestCIDR); err != nil {
			// A bare host address is accepted and treated as /32.
			if net.ParseIP(r.DestCIDR) == nil {
				return validationErrorf("rule.dest_cidr", "invalid destination %q in rule %d", r.DestCIDR, r.ID)
			}
		}
	}
	switch r.Proto {
	case ProtoTCP, ProtoUDP, ProtoICMP, ProtoAll, "":
	default:
		return validationErrorf("rule.proto", "unknown protocol %q in rule %d", r.Proto, r.ID)
	}
	if r.Port != 0 {
		if r.Port < 1 || r.Port > 65535 {
			return validationErrorf("rule.port", "port %d out of range in rule %d", r.Port, r.ID)
		}
		if r.Proto != ProtoTCP && r.Proto != ProtoUDP {
			return validationErrorf("rule.port", "rule %d: port restriction requires tcp or udp", r.ID)
		}
	}
	switch r.Action {
	case ActionAccept, ActionDrop:
	default:
		return validationErrorf("rule.action", "unknown action %q in rule %d", r.Action, r.ID)
	}
	return nil
}

// Validate checks the whole snapshot: each object in isolation plus
// cross-object invariants (references, octet uniqueness per network,
// routed-destination prerequisites).
func (s *Snapshot) Validate() error {
	if _, err := wgtypes.ParseKey(s.Server.PrivateKey); err != nil {
		return validationErrorf("server.private_key", "invalid key")
	}
	if s.Server.ListenPort < 1 || s.Server.ListenPort > 65535 {
		return validationErrorf("server.listen_port", "port %d out of range", s.Server.ListenPort)
	}

	names := make(map[string]bool, len(s.Networks))
	for i := range s.Networks {
		n := &s.Networks[i]
		if err := n.Validate(); err != nil {
			return err
		}
		if names[n.Name] {
			return validationErrorf("network.name", "duplicate name %q", n.Name)
		}
		names[n.Name] = true
	}

	clientNames := make(map[string]bool, len(s.Clients))
	// octet uniqueness is per network: two clients may share an octet
	// only if they share no network.
	taken := make(map[int64]map[int]string)
	for i := range s.Clients {
		c := &s.Clients[i]
		if err := c.Validate(); err != nil {
			return err
		}
		if clientNames[c.Name] {
			return validationErrorf("client.name", "duplicate name %q", c.Name)
		}
		clientNames[c.Name] = true
		for _, id := range c.NetworkIDs {
			if s.NetworkByID(id) == nil {
				return validationErrorf("client.network_ids", "client %q references unknown network %d", c.Name, id)
			}
			if taken[id] == nil {
				taken[id] = make(map[int]string)
			}
			if other, ok := taken[id][c.Octet]; ok {
				return validationErrorf("client.octet", "clients %q and %q share octet %d in network %d", other, c.Name, c.Octet, id)
			}
			taken[id][c.Octet] = c.Name
		}
	}

	for i := range s.Rules {
		r := &s.Rules[i]
		if err := r.Validate(); err != nil {
			return err
		}
		src := s.ClientByID(r.SourceClientID)
		if src == nil {
			return validationErrorf("rule.source_client_id", "rule %d references unknown client %d", r.ID, r.SourceClientID)
		}
		if r.DestNetworkID != 0 && s.NetworkByID(r.DestNetworkID) == nil {
			return validationErrorf("rule.dest_network_id", "rule %d references unknown network %d", r.ID, r.DestNetworkID)
		}
		if r.DestClientID != 0 {
			dst := s.ClientByID(r.DestClientID)
			if dst == nil {
				return validationErrorf("rule.dest_client_id", "rule %d references unknown client %d", r.ID, r.DestClientID)
			}
			if r.DestRouted {
				if !dst.IsGateway() {
					return validationErrorf("rule.dest_routed", "rule %d: client %q has no routed subnets", r.ID, dst.Name)
				}
				if !src.SharesNetwork(dst) {
					return validationErrorf("rule.dest_routed", "rule %d: %q and gateway %q share no network", r.ID, src.Name, dst.Name)
				}
			}
		}
	}
	return nil
}
