package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgsteward/internal/model"
)

func testSnapshot() *model.Snapshot {
	return &model.Snapshot{
		Networks: []model.Network{
			{ID: 1, Name: "office", CIDR: "10.0.1.0/24", InterfaceAddress: "10.0.1.1/24"},
			{ID: 2, Name: "lab", CIDR: "10.0.2.0/24", InterfaceAddress: "10.0.2.1/24"},
		},
		Clients: []model.Client{
			{ID: 1, Name: "alice", Octet: 2, Enabled: true, NetworkIDs: []int64{1}},
			{ID: 2, Name: "bob", Octet: 3, Enabled: true, NetworkIDs: []int64{1, 2}},
			{ID: 3, Name: "branch", Octet: 4, Enabled: true, NetworkIDs: []int64{1},
				RoutedCIDRs: []string{"192.168.20.0/24"}},
		},
		Server: model.ServerIdentity{ListenPort: 51820},
	}
}

func TestDropPrecedesAccept(t *testing.T) {
	snap := testSnapshot()
	snap.Rules = []model.AccessRule{
		{ID: 1, SourceClientID: 1, DestNetworkID: 1, Proto: model.ProtoAll, Action: model.ActionAccept},
		{ID: 2, SourceClientID: 1, DestCIDR: "10.0.1.50/32", Proto: model.ProtoAll, Action: model.ActionDrop},
	}

	res, err := Compile(snap, "wg0")
	require.NoError(t, err)

	cr := res.ClientByID(1)
	require.NotNil(t, cr)

	lastDrop, firstAccept := -1, -1
	for i, d := range cr.Directives {
		if d.Default {
			continue
		}
		if d.Action == model.ActionDrop && lastDrop < i {
			lastDrop = i
		}
		if d.Action == model.ActionAccept && firstAccept == -1 {
			firstAccept = i
		}
	}
	require.NotEqual(t, -1, firstAccept)
	assert.Less(t, lastDrop, firstAccept, "every DROP must precede every ACCEPT")
}

func TestDefaultDenyIsLast(t *testing.T) {
	snap := testSnapshot()
	snap.Rules = []model.AccessRule{
		{ID: 1, SourceClientID: 2, DestNetworkID: 2, Proto: model.ProtoTCP, Port: 443, Action: model.ActionAccept},
	}

	res, err := Compile(snap, "wg0")
	require.NoError(t, err)

	for _, cr := range res.Clients {
		require.NotEmpty(t, cr.Directives, "client %s", cr.Name)
		last := cr.Directives[len(cr.Directives)-1]
		assert.True(t, last.Default, "client %s must end with default deny", cr.Name)
		assert.Equal(t, model.ActionDrop, last.Action)
	}
}

func TestDestinationNetworkReference(t *testing.T) {
	snap := testSnapshot()
	snap.Rules = []model.AccessRule{
		{ID: 1, SourceClientID: 1, DestNetworkID: 2, Proto: model.ProtoAll, Action: model.ActionAccept},
	}

	res, err := Compile(snap, "wg0")
	require.NoError(t, err)

	cr := res.ClientByID(1)
	require.NotNil(t, cr)
	assert.Equal(t, "10.0.2.0/24", cr.Directives[0].Dest)
	assert.Equal(t, "10.0.1.2/32", cr.Directives[0].Source)
}

func TestDestinationClientReference(t *testing.T) {
	snap := testSnapshot()
	snap.Rules = []model.AccessRule{
		// bob is in both networks, so alice gets one directive per
		// address bob holds.
		{ID: 1, SourceClientID: 1, DestClientID: 2, Proto: model.ProtoAll, Action: model.ActionAccept},
	}

	res, err := Compile(snap, "wg0")
	require.NoError(t, err)

	cr := res.ClientByID(1)
	require.NotNil(t, cr)

	var dests []string
	for _, d := range cr.Directives {
		if !d.Default {
			dests = append(dests, d.Dest)
		}
	}
	assert.ElementsMatch(t, []string{"10.0.1.3/32", "10.0.2.3/32"}, dests)
}

func TestDestinationRoutedViaGateway(t *testing.T) {
	snap := testSnapshot()
	snap.Rules = []model.AccessRule{
		{ID: 1, SourceClientID: 1, DestClientID: 3, DestRouted: true, Proto: model.ProtoAll, Action: model.ActionAccept},
	}

	res, err := Compile(snap, "wg0")
	require.NoError(t, err)

	cr := res.ClientByID(1)
	require.NotNil(t, cr)
	assert.Equal(t, "192.168.20.0/24", cr.Directives[0].Dest)
}

func TestDestinationRoutedRequiresGateway(t *testing.T) {
	snap := testSnapshot()
	snap.Rules = []model.AccessRule{
		// bob has no routed subnets.
		{ID: 1, SourceClientID: 1, DestClientID: 2, DestRouted: true, Proto: model.ProtoAll, Action: model.ActionAccept},
	}

	_, err := Compile(snap, "wg0")
	assert.Error(t, err)
}

func TestBareHostDestinationBecomesHostRoute(t *testing.T) {
	snap := testSnapshot()
	snap.Rules = []model.AccessRule{
		{ID: 1, SourceClientID: 1, DestCIDR: "8.8.8.8", Proto: model.ProtoUDP, Port: 53, Action: model.ActionAccept},
	}

	res, err := Compile(snap, "wg0")
	require.NoError(t, err)

	cr := res.ClientByID(1)
	require.NotNil(t, cr)
	assert.Equal(t, "8.8.8.8/32", cr.Directives[0].Dest)
}

func TestFullTunnelDetection(t *testing.T) {
	snap := testSnapshot()
	snap.Rules = []model.AccessRule{
		{ID: 1, SourceClientID: 1, DestCIDR: "0.0.0.0/0", Proto: model.ProtoAll, Action: model.ActionAccept},
	}

	res, err := Compile(snap, "wg0")
	require.NoError(t, err)

	assert.True(t, res.ClientByID(1).FullTunnel)
	assert.False(t, res.ClientByID(2).FullTunnel)
}

func TestFullTunnelRequiresUnrestrictedSingleRule(t *testing.T) {
	snap := testSnapshot()
	snap.Rules = []model.AccessRule{
		{ID: 1, SourceClientID: 1, DestCIDR: "0.0.0.0/0", Proto: model.ProtoTCP, Port: 443, Action: model.ActionAccept},
	}

	res, err := Compile(snap, "wg0")
	require.NoError(t, err)
	assert.False(t, res.ClientByID(1).FullTunnel, "port-restricted accept is not full tunnel")

	snap.Rules = append(snap.Rules, model.AccessRule{
		ID: 2, SourceClientID: 1, DestCIDR: "0.0.0.0/0", Proto: model.ProtoAll, Action: model.ActionAccept,
	})
	res, err = Compile(snap, "wg0")
	require.NoError(t, err)
	assert.False(t, res.ClientByID(1).FullTunnel, "full tunnel requires the accept to be the only rule")
}

func TestNATOnlyForGatewayRoutes(t *testing.T) {
	snap := testSnapshot()
	snap.Rules = []model.AccessRule{
		// alice may reach the branch subnet, but only the branch gateway
		// itself gets a masquerade entry.
		{ID: 1, SourceClientID: 1, DestClientID: 3, DestRouted: true, Proto: model.ProtoAll, Action: model.ActionAccept},
	}

	res, err := Compile(snap, "wg0")
	require.NoError(t, err)

	require.Len(t, res.NAT, 1)
	assert.Equal(t, int64(3), res.NAT[0].GatewayID)
	assert.Equal(t, "192.168.20.0/24", res.NAT[0].CIDR)
}

func TestDisabledClientExcluded(t *testing.T) {
	snap := testSnapshot()
	snap.Clients[0].Enabled = false

	res, err := Compile(snap, "wg0")
	require.NoError(t, err)
	assert.Nil(t, res.ClientByID(1))
	assert.NotContains(t, res.Script, "client alice")
}

func TestScriptDeterministic(t *testing.T) {
	snap := testSnapshot()
	snap.Rules = []model.AccessRule{
		{ID: 1, SourceClientID: 1, DestNetworkID: 1, Proto: model.ProtoAll, Action: model.ActionAccept},
		{ID: 2, SourceClientID: 2, DestCIDR: "10.0.1.9/32", Proto: model.ProtoAll, Action: model.ActionDrop},
	}

	first, err := Compile(snap, "wg0")
	require.NoError(t, err)
	second, err := Compile(snap, "wg0")
	require.NoError(t, err)
	assert.Equal(t, first.Script, second.Script, "same snapshot must render byte-identical scripts")
}

func TestScriptShape(t *testing.T) {
	snap := testSnapshot()
	res, err := Compile(snap, "wg7")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.Script, "#!/bin/bash"))
	assert.Contains(t, res.Script, "iptables -P FORWARD DROP")
	assert.Contains(t, res.Script, "-i wg7")
	assert.Contains(t, res.Script, "iptables -E WGS_ACCESS_TMP WGS_ACCESS")
	assert.Contains(t, res.Script, "MASQUERADE")
	assert.Contains(t, res.Script, "remove_rules")
}
