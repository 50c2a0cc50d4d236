package core

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("75s", "500ms") in both JSON and YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", b)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// CacheConfig sizes the SYN cache and its retransmit ladder.
type CacheConfig struct {
	// Buckets is the number of hash buckets.
	Buckets int `json:"buckets" yaml:"buckets"`

	// BucketLimit caps entries per bucket.
	BucketLimit int `json:"bucket_limit" yaml:"bucketLimit"`

	// CacheLimit caps entries across all buckets.
	CacheLimit int `json:"cache_limit" yaml:"cacheLimit"`

	// ArenaSize caps entry storage. Zero means CacheLimit+1.
	ArenaSize int `json:"arena_size" yaml:"arenaSize"`

	// MaxRetransmits is the last backoff step before an entry is dropped.
	MaxRetransmits int `json:"max_retransmits" yaml:"maxRetransmits"`

	// KeepInit is the total retransmit budget for a half-open connection.
	KeepInit Duration `json:"keep_init" yaml:"keepInit"`

	// RTTDefault is the base retransmit timeout.
	RTTDefault Duration `json:"rtt_default" yaml:"rttDefault"`

	RTOMin Duration `json:"rto_min" yaml:"rtoMin"`
	RTOMax Duration `json:"rto_max" yaml:"rtoMax"`

	// Backoff multiplies RTTDefault at each retransmit step.
	Backoff []int `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// StackConfig configures the userspace IP/TCP layer.
type StackConfig struct {
	// Addresses are the local addresses the stack answers for.
	Addresses []string `json:"addresses" yaml:"addresses"`

	// MTU is the link MTU toward WireGuard peers.
	MTU int `json:"mtu" yaml:"mtu"`

	// TTL is the IPv4 time-to-live on emitted datagrams.
	TTL int `json:"ttl" yaml:"ttl"`

	// HopLimit is the IPv6 hop limit on emitted datagrams.
	HopLimit int `json:"hop_limit" yaml:"hopLimit"`

	WindowScaling bool `json:"window_scaling" yaml:"windowScaling"`
	Timestamps    bool `json:"timestamps" yaml:"timestamps"`
	SACK          bool `json:"sack" yaml:"sack"`
	ECN           bool `json:"ecn" yaml:"ecn"`

	// Workers is the number of inbound processing goroutines.
	Workers int `json:"workers" yaml:"workers"`

	// QueueCap is the inbound queue capacity.
	QueueCap int `json:"queue_cap" yaml:"queueCap"`
}

// ListenerConfig declares a passive-open endpoint.
type ListenerConfig struct {
	// Address is ip:port. An unspecified IP listens on every stack address.
	Address string `json:"address" yaml:"address"`

	// Backlog caps connections waiting in the accept queue.
	Backlog int `json:"backlog" yaml:"backlog"`

	// RcvBuf is the receive buffer size; it bounds the advertised window.
	RcvBuf int `json:"rcv_buf" yaml:"rcvBuf"`

	// MSS overrides the advertised MSS when non-zero.
	MSS int `json:"mss,omitempty" yaml:"mss,omitempty"`

	// SignatureKey enables TCP-MD5 with this key.
	SignatureKey string `json:"signature_key,omitempty" yaml:"signatureKey,omitempty"`
}

// RouteConfig declares a route toward peers.
type RouteConfig struct {
	// Prefix is the destination prefix in CIDR notation.
	Prefix string `json:"prefix" yaml:"prefix"`

	// MTU is the path MTU for the prefix.
	MTU int `json:"mtu" yaml:"mtu"`

	// Name labels the route in logs.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// WireGuardConfig contains configuration for WireGuard.
type WireGuardConfig struct {
	// PrivateKey is the base64 WireGuard private key.
	PrivateKey string `json:"private_key" yaml:"privateKey"`

	// ListenPort is the UDP port for WireGuard.
	ListenPort int `json:"listen_port" yaml:"listenPort"`

	// MTU is the plaintext MTU of the userspace TUN.
	MTU int `json:"mtu" yaml:"mtu"`

	// Peers is a list of WireGuard peers.
	Peers []WireGuardPeer `json:"peers" yaml:"peers"`

	// PCAPFile tees plaintext frames to a capture file when set.
	PCAPFile string `json:"pcap_file,omitempty" yaml:"pcapFile,omitempty"`
}

// WireGuardPeer represents a WireGuard peer.
type WireGuardPeer struct {
	// PublicKey is the peer's base64 public key.
	PublicKey string `json:"public_key" yaml:"publicKey"`

	// AllowedIPs is a list of IP ranges that are allowed for this peer.
	AllowedIPs []string `json:"allowed_ips" yaml:"allowedIPs"`

	// Endpoint is the peer's endpoint address.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// PersistentKeepalive is the interval in seconds for sending keepalive packets.
	PersistentKeepalive int `json:"persistent_keepalive" yaml:"persistentKeepalive"`
}
