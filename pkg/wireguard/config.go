package wireguard

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/irctrakz/wgsyncache/pkg/core"
)

// DefaultMTU is the plaintext MTU of the userspace TUN.
const DefaultMTU = 1380

// PeerConfig holds a single WireGuard peer configuration.
type PeerConfig struct {
	PublicKey              string   // base64
	AllowedIPs             []string // CIDRs
	Endpoint               string   // host:port
	PersistentKeepaliveSec int
}

// DeviceConfig holds the WireGuard device configuration.
type DeviceConfig struct {
	ListenPort int
	PrivateKey string // base64
	MTU        int
	Peers      []PeerConfig
	PCAPFile   string
}

// FromCore converts the file configuration.
func FromCore(c core.WireGuardConfig) DeviceConfig {
	d := DeviceConfig{
		ListenPort: c.ListenPort,
		PrivateKey: c.PrivateKey,
		MTU:        c.MTU,
		PCAPFile:   c.PCAPFile,
	}
	for _, p := range c.Peers {
		d.Peers = append(d.Peers, PeerConfig{
			PublicKey:              p.PublicKey,
			AllowedIPs:             append([]string(nil), p.AllowedIPs...),
			Endpoint:               p.Endpoint,
			PersistentKeepaliveSec: p.PersistentKeepalive,
		})
	}
	if d.MTU <= 0 {
		d.MTU = DefaultMTU
	}
	return d
}

// LoadFromEnv overlays environment variables on the configuration.
//
//	WG_PRIVATE_KEY  base64 private key
//	WG_LISTEN_PORT  UDP port (default 51820)
//	WG_MTU          plaintext MTU (default 1380)
//	WG_PCAP         capture file for plaintext frames
//	WG_PEERS        comma-separated peer indices, e.g. "0,1"
//
// For each index i in WG_PEERS: WG_PEER_i_PUBLIC_KEY, WG_PEER_i_ALLOWED_IPS
// (comma-separated CIDRs), WG_PEER_i_ENDPOINT and WG_PEER_i_KEEPALIVE.
// Peers from the environment replace any configured peers.
func (c *DeviceConfig) LoadFromEnv() error {
	if pk := strings.TrimSpace(os.Getenv("WG_PRIVATE_KEY")); pk != "" {
		c.PrivateKey = pk
	}
	if c.ListenPort == 0 {
		c.ListenPort = 51820
	}
	if v := strings.TrimSpace(os.Getenv("WG_LISTEN_PORT")); v != "" {
		x, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WG_LISTEN_PORT: %w", err)
		}
		c.ListenPort = x
	}
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if v := strings.TrimSpace(os.Getenv("WG_MTU")); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			c.MTU = x
		}
	}
	if v := strings.TrimSpace(os.Getenv("WG_PCAP")); v != "" {
		c.PCAPFile = v
	}

	idxs := strings.TrimSpace(os.Getenv("WG_PEERS"))
	if idxs == "" {
		return nil
	}
	var peers []PeerConfig
	for _, i := range splitCSV(idxs) {
		p := PeerConfig{
			PublicKey: strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_PUBLIC_KEY")),
			Endpoint:  strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_ENDPOINT")),
		}
		if allowed := strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_ALLOWED_IPS")); allowed != "" {
			p.AllowedIPs = splitCSV(allowed)
		}
		if ka := strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_KEEPALIVE")); ka != "" {
			if x, err := strconv.Atoi(ka); err == nil {
				p.PersistentKeepaliveSec = x
			}
		}
		if p.PublicKey != "" {
			peers = append(peers, p)
		}
	}
	c.Peers = peers
	return nil
}

// Validate checks keys, ports and prefixes.
func (c *DeviceConfig) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("wireguard: private key is required")
	}
	if _, err := decodeKey(c.PrivateKey); err != nil {
		return fmt.Errorf("wireguard: private key: %w", err)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("wireguard: invalid listen port %d", c.ListenPort)
	}
	for i, p := range c.Peers {
		if _, err := decodeKey(p.PublicKey); err != nil {
			return fmt.Errorf("wireguard: peer %d public key: %w", i, err)
		}
		for _, a := range p.AllowedIPs {
			if _, err := netip.ParsePrefix(a); err != nil {
				return fmt.Errorf("wireguard: peer %d allowed ip %q: %w", i, a, err)
			}
		}
	}
	return nil
}

func decodeKey(k string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(k))
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
