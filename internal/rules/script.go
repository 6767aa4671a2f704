package rules

import (
	"fmt"
	"strings"
)

// Chain names used in the generated script. Rules are staged into the
// temp chain and swapped in with a rename, so the live rule set is
// replaced with practically zero gap.
const (
	accessChain = "WGS_ACCESS"
	tempChain   = "WGS_ACCESS_TMP"
)

// ScriptBuilder accumulates shell lines for the firewall script.
type ScriptBuilder struct {
	lines []string
}

// NewScriptBuilder creates an empty builder.
func NewScriptBuilder() *ScriptBuilder {
	return &ScriptBuilder{lines: make([]string, 0, 64)}
}

// AddLine appends a raw line.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// AddCmd appends an indented command inside a shell function body.
func (b *ScriptBuilder) AddCmd(format string, args ...any) {
	b.lines = append(b.lines, "  "+fmt.Sprintf(format, args...))
}

// Build returns the script text.
func (b *ScriptBuilder) Build() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// renderScript renders the full apply/remove firewall script. Output is
// deterministic for a given Result so artifacts stay diffable.
func renderScript(res *Result, iface string) string {
	b := NewScriptBuilder()

	b.AddLine("#!/bin/bash")
	b.AddLine("# Generated WireGuard firewall script. Do not edit; regenerated on every apply.")
	b.AddLine("")
	b.AddLine("COMMAND=$1")
	b.AddLine("")
	b.AddLine("apply_rules() {")

	// Global baseline: default deny for routed traffic, allow return
	// traffic for established flows.
	b.AddCmd("iptables -P FORWARD DROP")
	b.AddCmd("iptables -C FORWARD -m conntrack --ctstate RELATED,ESTABLISHED -j ACCEPT 2>/dev/null || iptables -I FORWARD -m conntrack --ctstate RELATED,ESTABLISHED -j ACCEPT")
	b.AddCmd("iptables -N %s 2>/dev/null || iptables -F %s", tempChain, tempChain)

	for _, cr := range res.Clients {
		b.AddCmd("# client %s", cr.Name)
		for _, d := range cr.Directives {
			b.AddCmd("iptables -A %s -i %s %s", tempChain, iface, d.String())
		}
	}

	// Swap: insert the staged chain, drop the old one, rename.
	b.AddCmd("iptables -I FORWARD -j %s", tempChain)
	b.AddCmd("iptables -D FORWARD -j %s 2>/dev/null || true", accessChain)
	b.AddCmd("iptables -F %s 2>/dev/null || true", accessChain)
	b.AddCmd("iptables -X %s 2>/dev/null || true", accessChain)
	b.AddCmd("iptables -E %s %s", tempChain, accessChain)

	// Masquerade gateway routed subnets so return traffic finds its way
	// back into the tunnel.
	for _, nat := range res.NAT {
		b.AddCmd("# gateway %s", nat.GatewayName)
		b.AddCmd("iptables -t nat -C POSTROUTING -d %s -j MASQUERADE 2>/dev/null || iptables -t nat -A POSTROUTING -d %s -j MASQUERADE", nat.CIDR, nat.CIDR)
	}

	b.AddLine("}")
	b.AddLine("")
	b.AddLine("remove_rules() {")
	b.AddCmd("iptables -D FORWARD -j %s 2>/dev/null || true", accessChain)
	b.AddCmd("iptables -F %s 2>/dev/null || true", accessChain)
	b.AddCmd("iptables -X %s 2>/dev/null || true", accessChain)
	for _, nat := range res.NAT {
		b.AddCmd("iptables -t nat -D POSTROUTING -d %s -j MASQUERADE 2>/dev/null || true", nat.CIDR)
	}
	// Restore a permissive policy so tearing down the VPN cannot lock
	// out unrelated forwarding.
	b.AddCmd("iptables -P FORWARD ACCEPT")
	b.AddLine("}")
	b.AddLine("")
	b.AddLine(`case "$COMMAND" in`)
	b.AddLine("  apply)")
	b.AddLine("    apply_rules")
	b.AddLine("    ;;")
	b.AddLine("  remove)")
	b.AddLine("    remove_rules")
	b.AddLine("    ;;")
	b.AddLine("  *)")
	b.AddLine(`    echo "Usage: $0 {apply|remove}"`)
	b.AddLine("    exit 1")
	b.AddLine("    ;;")
	b.AddLine("esac")

	return b.Build()
}
