package main

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/wgsyncache/pkg/config"
	"github.com/irctrakz/wgsyncache/pkg/core"
	wg "github.com/irctrakz/wgsyncache/pkg/wireguard"
)

func TestSelfTestDefaultConfig(t *testing.T) {
	require.NoError(t, runSelfTest(config.DefaultConfig()))
}

func TestSelfTestSignedAndIPv6(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stack.Addresses = []string{"10.100.0.1", "fd00::1"}
	cfg.Listeners = []core.ListenerConfig{
		{Address: "10.100.0.1:179", SignatureKey: "bgp"},
		{Address: "[::]:443"},
	}
	require.NoError(t, runSelfTest(cfg))
}

func TestSelfTestNoRoute(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Routes = []core.RouteConfig{{Prefix: "10.9.0.0/16", MTU: 1400}}
	assert.Error(t, runSelfTest(cfg))
}

func TestSelfTestEndpoints(t *testing.T) {
	locals := []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("fd00::1")}

	dst, peer, err := selfTestEndpoints(locals, netip.MustParseAddrPort("[::]:22"))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("[fd00::1]:22"), dst)
	assert.True(t, peer.Is6())

	_, _, err = selfTestEndpoints(locals[:1], netip.MustParseAddrPort("[::]:22"))
	assert.Error(t, err)
}

func TestSummarizeHandshakes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	peers := []wg.PeerStatus{
		{PublicKey: "a", LastHandshake: now.Add(-10 * time.Second)},
		{PublicKey: "b", LastHandshake: now.Add(-10 * time.Minute)},
		{PublicKey: "c"},
	}
	got := summarizeHandshakes(peers, now)
	assert.Equal(t, map[string]uint64{"peers": 3, "fresh": 1, "stale": 2, "oldest_sec": 600, "newest_sec": 10}, got)
}
