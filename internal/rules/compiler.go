package rules

import (
	"fmt"
	"net"
	"sort"

	"wgsteward/internal/alloc"
	"wgsteward/internal/model"
)

// Compile turns the snapshot's access rules into per-client ordered
// directives plus the rendered firewall script for the given tunnel
// interface. The snapshot must already be validated and sorted.
func Compile(snap *model.Snapshot, iface string) (*Result, error) {
	if iface == "" {
		iface = "wg0"
	}
	res := &Result{}

	for i := range snap.Clients {
		c := &snap.Clients[i]
		if !c.Enabled {
			continue
		}
		cr, err := compileClient(snap, c)
		if err != nil {
			return nil, err
		}
		res.Clients = append(res.Clients, *cr)

		// Masquerade only what the gateway itself advertises; clients
		// merely granted access to a routed subnet get no NAT.
		for _, routed := range c.RoutedCIDRs {
			res.NAT = append(res.NAT, NATDirective{
				GatewayID:   c.ID,
				GatewayName: c.Name,
				CIDR:        routed,
			})
		}
	}

	sort.Slice(res.Clients, func(i, j int) bool { return res.Clients[i].ClientID < res.Clients[j].ClientID })
	sort.Slice(res.NAT, func(i, j int) bool {
		if res.NAT[i].GatewayID != res.NAT[j].GatewayID {
			return res.NAT[i].GatewayID < res.NAT[j].GatewayID
		}
		return res.NAT[i].CIDR < res.NAT[j].CIDR
	})

	res.Script = renderScript(res, iface)
	return res, nil
}

func compileClient(snap *model.Snapshot, c *model.Client) (*ClientRules, error) {
	cr := &ClientRules{ClientID: c.ID, Name: c.Name}

	srcAddrs, err := clientAddrs(snap, c)
	if err != nil {
		return nil, err
	}

	clientRules := snap.RulesForClient(c.ID)

	// Explicit denies first so a broad accept cannot shadow them.
	// The sort is stable: snapshot order is preserved within each group.
	ordered := make([]model.AccessRule, len(clientRules))
	copy(ordered, clientRules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Action == model.ActionDrop && ordered[j].Action != model.ActionDrop
	})

	for i := range ordered {
		r := &ordered[i]
		dests, err := resolveDestination(snap, r)
		if err != nil {
			return nil, err
		}
		for _, src := range srcAddrs {
			for _, dst := range dests {
				cr.Directives = append(cr.Directives, Directive{
					Source: src,
					Dest:   dst,
					Port:   r.Port,
					Proto:  r.Proto,
					Action: r.Action,
				})
			}
		}
	}

	cr.FullTunnel = isFullTunnel(clientRules)

	// Trailing default deny, scoped to this client's source addresses.
	for _, src := range srcAddrs {
		cr.Directives = append(cr.Directives, Directive{
			Source:  src,
			Action:  model.ActionDrop,
			Default: true,
		})
	}
	return cr, nil
}

// isFullTunnel reports whether the client's sole rule is an unrestricted
// accept of all IPv4 traffic.
func isFullTunnel(clientRules []model.AccessRule) bool {
	if len(clientRules) != 1 {
		return false
	}
	r := clientRules[0]
	return r.Action == model.ActionAccept &&
		r.DestCIDR == "0.0.0.0/0" &&
		r.Port == 0 &&
		(r.Proto == "" || r.Proto == model.ProtoAll)
}

// clientAddrs resolves a client's /32 address in each member network.
func clientAddrs(snap *model.Snapshot, c *model.Client) ([]string, error) {
	nets := snap.ClientNetworks(c)
	addrs := make([]string, 0, len(nets))
	for i := range nets {
		addr, err := alloc.ClientAddr(&nets[i], c.Octet)
		if err != nil {
			return nil, fmt.Errorf("client %q in network %q: %w", c.Name, nets[i].Name, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// resolveDestination expands a rule's destination into concrete CIDRs.
func resolveDestination(snap *model.Snapshot, r *model.AccessRule) ([]string, error) {
	switch {
	case r.DestCIDR != "":
		if _, _, err := net.ParseCIDR(r.DestCIDR); err == nil {
			return []string{r.DestCIDR}, nil
		}
		// Bare host address, treat as /32.
		return []string{r.DestCIDR + "/32"}, nil

	case r.DestNetworkID != 0:
		n := snap.NetworkByID(r.DestNetworkID)
		if n == nil {
			return nil, fmt.Errorf("rule %d references unknown network %d", r.ID, r.DestNetworkID)
		}
		return []string{n.CIDR}, nil

	case r.DestClientID != 0:
		dst := snap.ClientByID(r.DestClientID)
		if dst == nil {
			return nil, fmt.Errorf("rule %d references unknown client %d", r.ID, r.DestClientID)
		}
		if r.DestRouted {
			if !dst.IsGateway() {
				return nil, fmt.Errorf("rule %d: client %q has no routed subnets", r.ID, dst.Name)
			}
			return dst.RoutedCIDRs, nil
		}
		return clientAddrs(snap, dst)
	}
	return nil, fmt.Errorf("rule %d has no destination", r.ID)
}
