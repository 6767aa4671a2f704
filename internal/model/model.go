// Package model defines the desired-state domain objects: networks,
// clients, access rules, and the snapshot handed to the compiler.
package model

import (
	"encoding/json"
	"sort"
)

// DNSMode controls the DNS block rendered into a client's config.
type DNSMode string

const (
	// DNSDefault uses the interface address of every member network.
	DNSDefault DNSMode = "default"
	// DNSCustom uses the client's own DNS server list.
	DNSCustom DNSMode = "custom"
	// DNSNone omits the DNS block entirely.
	DNSNone DNSMode = "none"
)

// Protocol is the L4 protocol an access rule matches.
type Protocol string

const (
	ProtoTCP  Protocol = "tcp"
	ProtoUDP  Protocol = "udp"
	ProtoICMP Protocol = "icmp"
	ProtoAll  Protocol = "all"
)

// Action is the verdict of an access rule.
type Action string

const (
	ActionAccept Action = "ACCEPT"
	ActionDrop   Action = "DROP"
)

// Network is one VPN subnet served by the interface.
type Network struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	// CIDR is the subnet, e.g. "10.0.1.0/24".
	CIDR string `json:"cidr"`
	// InterfaceAddress is the server's own address inside CIDR,
	// e.g. "10.0.1.1/24". A bare IP is accepted and normalized.
	InterfaceAddress string `json:"interface_address"`
}

// Client is one WireGuard peer in the desired state.
type Client struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	PublicKey    string `json:"public_key"`
	PrivateKey   string `json:"private_key,omitempty"`
	PresharedKey string `json:"preshared_key,omitempty"`

	// Octet is the host number assigned by the allocator. It is shared
	// across every network the client belongs to.
	Octet int `json:"octet"`

	// Keepalive is the persistent-keepalive interval in seconds, 0 = off.
	Keepalive int  `json:"keepalive,omitempty"`
	Enabled   bool `json:"enabled"`

	DNSMode    DNSMode  `json:"dns_mode"`
	DNSServers []string `json:"dns_servers,omitempty"`

	// NetworkIDs lists the networks the client is a member of.
	NetworkIDs []int64 `json:"network_ids"`

	// RoutedCIDRs are subnets behind this client; a non-empty list makes
	// the client a gateway.
	RoutedCIDRs []string `json:"routed_cidrs,omitempty"`

	// Tags are free-form labels with no engine semantics.
	Tags []string `json:"tags,omitempty"`
}

// IsGateway reports whether the client advertises routed subnets.
func (c *Client) IsGateway() bool {
	return len(c.RoutedCIDRs) > 0
}

// MemberOf reports whether the client belongs to the given network.
func (c *Client) MemberOf(networkID int64) bool {
	for _, id := range c.NetworkIDs {
		if id == networkID {
			return true
		}
	}
	return false
}

// SharesNetwork reports whether two clients have at least one network in common.
func (c *Client) SharesNetwork(other *Client) bool {
	for _, id := range c.NetworkIDs {
		if other.MemberOf(id) {
			return true
		}
	}
	return false
}

// MarshalJSON masks the private and preshared keys in API responses.
func (c Client) MarshalJSON() ([]byte, error) {
	type Alias Client
	aux := &struct {
		Alias
		PrivateKey   string `json:"private_key,omitempty"`
		PresharedKey string `json:"preshared_key,omitempty"`
	}{
		Alias: (Alias)(c),
	}
	if c.PrivateKey != "" {
		aux.PrivateKey = "******"
	}
	if c.PresharedKey != "" {
		aux.PresharedKey = "******"
	}
	return json.Marshal(aux)
}

// AccessRule allows or denies traffic from a source client to a destination.
// Exactly one destination form must be set: DestCIDR, DestNetworkID, or
// DestClientID. DestRouted narrows a client destination to the target
// gateway's routed subnets instead of its own addresses.
type AccessRule struct {
	ID             int64 `json:"id"`
	SourceClientID int64 `json:"source_client_id"`

	DestCIDR      string `json:"dest_cidr,omitempty"`
	DestNetworkID int64  `json:"dest_network_id,omitempty"`
	DestClientID  int64  `json:"dest_client_id,omitempty"`
	DestRouted    bool   `json:"dest_routed,omitempty"`

	// Port restricts tcp/udp rules to one destination port, 0 = any.
	Port   int      `json:"port,omitempty"`
	Proto  Protocol `json:"proto"`
	Action Action   `json:"action"`
}

// ServerIdentity is the server-side WireGuard identity and endpoint.
type ServerIdentity struct {
	PrivateKey string `json:"private_key,omitempty"`
	PublicKey  string `json:"public_key"`
	Endpoint   string `json:"endpoint"`
	ListenPort int    `json:"listen_port"`
}

// MarshalJSON masks the server private key in API responses.
func (s ServerIdentity) MarshalJSON() ([]byte, error) {
	type Alias ServerIdentity
	aux := &struct {
		Alias
		PrivateKey string `json:"private_key,omitempty"`
	}{
		Alias: (Alias)(s),
	}
	if s.PrivateKey != "" {
		aux.PrivateKey = "******"
	}
	return json.Marshal(aux)
}

// Snapshot is the full desired state at one instant. It is the sole
// input to the compiler.
type Snapshot struct {
	Networks []Network      `json:"networks"`
	Clients  []Client       `json:"clients"`
	Rules    []AccessRule   `json:"rules"`
	Server   ServerIdentity `json:"server"`
}

// Sort orders all collections by primary key. The compiler relies on
// this for byte-identical output across runs.
func (s *Snapshot) Sort() {
	sort.Slice(s.Networks, func(i, j int) bool { return s.Networks[i].ID < s.Networks[j].ID })
	sort.Slice(s.Clients, func(i, j int) bool { return s.Clients[i].ID < s.Clients[j].ID })
	sort.Slice(s.Rules, func(i, j int) bool { return s.Rules[i].ID < s.Rules[j].ID })
	for i := range s.Clients {
		c := &s.Clients[i]
		sort.Slice(c.NetworkIDs, func(a, b int) bool { return c.NetworkIDs[a] < c.NetworkIDs[b] })
		sort.Strings(c.RoutedCIDRs)
	}
}

// NetworkByID returns the network with the given id, or nil.
func (s *Snapshot) NetworkByID(id int64) *Network {
	for i := range s.Networks {
		if s.Networks[i].ID == id {
			return &s.Networks[i]
		}
	}
	return nil
}

// ClientByID returns the client with the given id, or nil.
func (s *Snapshot) ClientByID(id int64) *Client {
	for i := range s.Clients {
		if s.Clients[i].ID == id {
			return &s.Clients[i]
		}
	}
	return nil
}

// ClientByPublicKey returns the client with the given public key, or nil.
func (s *Snapshot) ClientByPublicKey(key string) *Client {
	for i := range s.Clients {
		if s.Clients[i].PublicKey == key {
			return &s.Clients[i]
		}
	}
	return nil
}

// ClientNetworks returns the client's member networks in snapshot order.
func (s *Snapshot) ClientNetworks(c *Client) []Network {
	nets := make([]Network, 0, len(c.NetworkIDs))
	for _, id := range c.NetworkIDs {
		if n := s.NetworkByID(id); n != nil {
			nets = append(nets, *n)
		}
	}
	return nets
}

// RulesForClient returns the rules whose source is the given client,
// preserving snapshot order.
func (s *Snapshot) RulesForClient(clientID int64) []AccessRule {
	var out []AccessRule
	for _, r := range s.Rules {
		if r.SourceClientID == clientID {
			out = append(out, r)
		}
	}
	return out
}
