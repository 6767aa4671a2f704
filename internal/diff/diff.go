// Package diff classifies how disruptive the jump from the last-applied
// artifact to a freshly compiled candidate would be, so the coordinator
// can pick the least invasive activation strategy and operators can
// review a change before committing it.
package diff

import (
	"fmt"
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	"wgsteward/internal/compile"
)

// Scope orders change classes by disruption.
type Scope int

const (
	// ScopeNone means the artifacts are identical.
	ScopeNone Scope = iota
	// ScopeRulesOnly means only the firewall script changed.
	ScopeRulesOnly
	// ScopePeersOnly means the peer set changed but the interface
	// section did not; peers can be synced without a restart.
	ScopePeersOnly
	// ScopeFull means the interface section changed and the device
	// needs a teardown and recreate.
	ScopeFull
)

func (s Scope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeRulesOnly:
		return "rules-only"
	case ScopePeersOnly:
		return "peers-only"
	case ScopeFull:
		return "full"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// PeerRef identifies a peer in a summary. The client ID lets an
// operator undo the underlying client change.
type PeerRef struct {
	Name     string `json:"name"`
	ClientID int64  `json:"client_id"`
}

// Summary is the operator-facing description of a classified change.
type Summary struct {
	Scope Scope `json:"-"`

	ScopeName        string    `json:"scope"`
	InterfaceChanged bool      `json:"interface_changed"`
	PeersChanged     bool      `json:"peers_changed"`
	RulesChanged     bool      `json:"rules_changed"`
	AddedPeers       []PeerRef `json:"added_peers,omitempty"`
	RemovedPeers     []PeerRef `json:"removed_peers,omitempty"`
	ModifiedPeers    []PeerRef `json:"modified_peers,omitempty"`

	// ConfigDiff and RulesDiff are unified diffs of the rendered
	// artifact texts, for human review.
	ConfigDiff string `json:"config_diff,omitempty"`
	RulesDiff  string `json:"rules_diff,omitempty"`
}

// Classify compares the last-applied artifact against a candidate. A
// nil previous means nothing has ever been applied; everything is new
// and the scope is full.
func Classify(previous, candidate *compile.Artifact) *Summary {
	sum := &Summary{}
	if previous == nil {
		sum.Scope = ScopeFull
		sum.InterfaceChanged = true
		sum.PeersChanged = len(candidate.Peers) > 0
		sum.RulesChanged = candidate.FirewallScript != ""
		for _, p := range candidate.Peers {
			sum.AddedPeers = append(sum.AddedPeers, PeerRef{Name: p.Name, ClientID: p.ClientID})
		}
		sum.ScopeName = sum.Scope.String()
		sum.ConfigDiff = unified("last-applied", "candidate", "", candidate.InterfaceConf)
		sum.RulesDiff = unified("last-applied", "candidate", "", candidate.FirewallScript)
		return sum
	}

	sum.InterfaceChanged = !interfaceEqual(&previous.Interface, &candidate.Interface)
	sum.RulesChanged = previous.FirewallScript != candidate.FirewallScript
	diffPeers(previous, candidate, sum)

	switch {
	case sum.InterfaceChanged:
		sum.Scope = ScopeFull
	case sum.PeersChanged:
		sum.Scope = ScopePeersOnly
	case sum.RulesChanged:
		sum.Scope = ScopeRulesOnly
	default:
		sum.Scope = ScopeNone
	}
	sum.ScopeName = sum.Scope.String()

	if previous.InterfaceConf != candidate.InterfaceConf {
		sum.ConfigDiff = unified("last-applied", "candidate", previous.InterfaceConf, candidate.InterfaceConf)
	}
	if sum.RulesChanged {
		sum.RulesDiff = unified("last-applied", "candidate", previous.FirewallScript, candidate.FirewallScript)
	}
	return sum
}

// interfaceEqual compares the fields whose change forces a device
// restart. A network add or remove always shows up here because the
// address list is the union of all network interface addresses.
func interfaceEqual(a, b *compile.InterfaceDescriptor) bool {
	if a.Name != b.Name || a.PrivateKey != b.PrivateKey ||
		a.ListenPort != b.ListenPort || a.MTU != b.MTU {
		return false
	}
	if len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}

func diffPeers(previous, candidate *compile.Artifact, sum *Summary) {
	prev := make(map[string]*compile.Peer, len(previous.Peers))
	for i := range previous.Peers {
		prev[previous.Peers[i].PublicKey] = &previous.Peers[i]
	}
	seen := make(map[string]bool, len(candidate.Peers))

	for i := range candidate.Peers {
		c := &candidate.Peers[i]
		seen[c.PublicKey] = true
		p, ok := prev[c.PublicKey]
		if !ok {
			sum.AddedPeers = append(sum.AddedPeers, PeerRef{Name: c.Name, ClientID: c.ClientID})
			continue
		}
		if !peerEqual(p, c) {
			sum.ModifiedPeers = append(sum.ModifiedPeers, PeerRef{Name: c.Name, ClientID: c.ClientID})
		}
	}
	for i := range previous.Peers {
		p := &previous.Peers[i]
		if !seen[p.PublicKey] {
			sum.RemovedPeers = append(sum.RemovedPeers, PeerRef{Name: p.Name, ClientID: p.ClientID})
		}
	}
	sortRefs(sum.AddedPeers)
	sortRefs(sum.RemovedPeers)
	sortRefs(sum.ModifiedPeers)
	sum.PeersChanged = len(sum.AddedPeers)+len(sum.RemovedPeers)+len(sum.ModifiedPeers) > 0
}

func peerEqual(a, b *compile.Peer) bool {
	if a.Name != b.Name || a.PresharedKey != b.PresharedKey ||
		a.PersistentKeepalive != b.PersistentKeepalive {
		return false
	}
	if len(a.AllowedIPs) != len(b.AllowedIPs) {
		return false
	}
	for i := range a.AllowedIPs {
		if a.AllowedIPs[i] != b.AllowedIPs[i] {
			return false
		}
	}
	return true
}

func sortRefs(refs []PeerRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
}

func unified(fromName, toName, from, to string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}
