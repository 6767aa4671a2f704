// Package rules compiles declarative access rules into the ordered
// packet-filter directives and the firewall script applied alongside the
// WireGuard interface.
package rules

import (
	"fmt"
	"strings"

	"wgsteward/internal/model"
)

// Directive is one 5-tuple filter directive. Empty Source or Dest means
// "any". Proto "all" or empty means any protocol, Port 0 means any port.
type Directive struct {
	Source string
	Dest   string
	Port   int
	Proto  model.Protocol
	Action model.Action

	// Default marks the non-client-authored trailing deny.
	Default bool
}

// String renders the directive in iptables argument form, without the
// chain. Used both by the script renderer and by operator previews.
func (d *Directive) String() string {
	var parts []string
	if d.Source != "" {
		parts = append(parts, "-s "+d.Source)
	}
	if d.Dest != "" {
		parts = append(parts, "-d "+d.Dest)
	}
	if d.Proto != "" && d.Proto != model.ProtoAll {
		parts = append(parts, "-p "+string(d.Proto))
	}
	if d.Port != 0 && (d.Proto == model.ProtoTCP || d.Proto == model.ProtoUDP) {
		parts = append(parts, fmt.Sprintf("--dport %d", d.Port))
	}
	parts = append(parts, "-j "+string(d.Action))
	return strings.Join(parts, " ")
}

// NATDirective masquerades traffic leaving the tunnel toward one of a
// gateway client's routed subnets.
type NATDirective struct {
	GatewayID   int64
	GatewayName string
	CIDR        string
}

// ClientRules is the compiled ordered ruleset for one client.
type ClientRules struct {
	ClientID int64
	Name     string
	// Directives is ordered: all DROPs, then all ACCEPTs, then the
	// trailing default deny.
	Directives []Directive
	// FullTunnel is set when the client's only rule is an unrestricted
	// ACCEPT to 0.0.0.0/0; the compiler widens AllowedIPs accordingly.
	FullTunnel bool
}

// Result is the output of compiling all access rules of a snapshot.
type Result struct {
	// Clients holds per-client rulesets ordered by client ID. Disabled
	// clients are absent.
	Clients []ClientRules
	// NAT holds masquerade directives for gateway routed subnets only.
	NAT []NATDirective
	// Script is the rendered firewall script, stable and diffable.
	Script string
}

// ClientByID returns the compiled ruleset for a client, or nil.
func (r *Result) ClientByID(id int64) *ClientRules {
	for i := range r.Clients {
		if r.Clients[i].ClientID == id {
			return &r.Clients[i]
		}
	}
	return nil
}
