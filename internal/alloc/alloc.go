// Package alloc assigns each client a host octet that is valid and free
// in every network it belongs to. The octet is the client's host number
// relative to the network base, so its address in network N is always
// base(N) + octet.
package alloc

import (
	"errors"
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"

	"wgsteward/internal/model"
)

// ErrAllocationExhausted is returned when no octet in [2,254] is free in
// every requested network.
var ErrAllocationExhausted = errors.New("no free host octet satisfies all requested networks")

// octetMin skips host 1, conventionally the server's own interface address.
const (
	octetMin = 2
	octetMax = 254
)

// Taken maps network ID to the set of octets already claimed by other
// clients in that network.
type Taken map[int64]map[int]bool

// Next returns the smallest octet that is a usable host address in every
// given network and claimed in none of them.
func Next(networks []model.Network, taken Taken) (int, error) {
	for octet := octetMin; octet <= octetMax; octet++ {
		if usableInAll(octet, networks, taken) {
			return octet, nil
		}
	}
	return 0, ErrAllocationExhausted
}

// Assign returns the octet for a client joining the given networks.
// A client that already holds an octet keeps it as long as it remains
// usable and unclaimed everywhere; allocation is stable, never re-packed.
func Assign(client *model.Client, networks []model.Network, taken Taken) (int, error) {
	if client.Octet != 0 && usableInAll(client.Octet, networks, taken) {
		return client.Octet, nil
	}
	return Next(networks, taken)
}

func usableInAll(octet int, networks []model.Network, taken Taken) bool {
	for _, n := range networks {
		if taken[n.ID][octet] {
			return false
		}
		if !usable(&n, octet) {
			return false
		}
	}
	return true
}

// usable reports whether octet maps to a real host in n: inside the
// subnet, not the network or broadcast address, and not the server's
// own interface address.
func usable(n *model.Network, octet int) bool {
	_, ipnet, err := net.ParseCIDR(n.CIDR)
	if err != nil {
		return false
	}
	ip, err := cidr.Host(ipnet, octet)
	if err != nil {
		return false
	}
	_, broadcast := cidr.AddressRange(ipnet)
	if ip.Equal(broadcast) {
		return false
	}
	if ip.String() == n.InterfaceIP() {
		return false
	}
	return true
}

// ClientAddr returns the client's /32 host route in the given network,
// e.g. "10.0.1.5/32".
func ClientAddr(n *model.Network, octet int) (string, error) {
	_, ipnet, err := net.ParseCIDR(n.CIDR)
	if err != nil {
		return "", fmt.Errorf("network %q has invalid CIDR: %w", n.Name, err)
	}
	ip, err := cidr.Host(ipnet, octet)
	if err != nil {
		return "", fmt.Errorf("octet %d does not fit in %s: %w", octet, n.CIDR, err)
	}
	return ip.String() + "/32", nil
}

// TakenFromSnapshot builds the per-network claimed-octet map from the
// current desired state, excluding the given client (0 to exclude none).
func TakenFromSnapshot(s *model.Snapshot, excludeClientID int64) Taken {
	taken := make(Taken)
	for i := range s.Clients {
		c := &s.Clients[i]
		if c.ID == excludeClientID {
			continue
		}
		for _, id := range c.NetworkIDs {
			if taken[id] == nil {
				taken[id] = make(map[int]bool)
			}
			taken[id][c.Octet] = true
		}
	}
	return taken
}
