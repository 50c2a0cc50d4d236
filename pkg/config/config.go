// Package config loads the daemon configuration from files and the
// environment and converts it into the settings each package takes.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/irctrakz/wgsyncache/pkg/logging"
	"github.com/irctrakz/wgsyncache/pkg/stack"
	"github.com/irctrakz/wgsyncache/pkg/syncache"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Cache sizes the SYN cache.
	Cache core.CacheConfig `json:"cache" yaml:"cache"`

	// Stack configures the IP layer.
	Stack core.StackConfig `json:"stack" yaml:"stack"`

	// Listeners are the passive-open endpoints.
	Listeners []core.ListenerConfig `json:"listeners" yaml:"listeners"`

	// Routes are the prefixes reachable through WireGuard.
	Routes []core.RouteConfig `json:"routes" yaml:"routes"`

	// WireGuard contains the WireGuard configuration.
	WireGuard core.WireGuardConfig `json:"wireguard" yaml:"wireguard"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics controls the periodic report and the health endpoint.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// MetricsConfig controls observability endpoints.
type MetricsConfig struct {
	// Interval between metrics log lines. Zero disables the report.
	Interval core.Duration `json:"interval" yaml:"interval"`

	// HealthAddr is the listen address of the /health and /metrics
	// endpoints. Empty disables them.
	HealthAddr string `json:"health_addr" yaml:"healthAddr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Cache: core.CacheConfig{
			Buckets:        syncache.DefaultBuckets,
			BucketLimit:    syncache.DefaultBucketLimit,
			CacheLimit:     syncache.DefaultCacheLimit,
			MaxRetransmits: syncache.MaxRetransmitShift,
			KeepInit:       core.Duration(syncache.DefaultKeepInit),
			RTTDefault:     core.Duration(syncache.DefaultRTT),
			RTOMin:         core.Duration(syncache.DefaultRTOMin),
			RTOMax:         core.Duration(syncache.DefaultRTOMax),
		},
		Stack: core.StackConfig{
			Addresses:     []string{"10.100.0.1"},
			MTU:           1380,
			TTL:           64,
			HopLimit:      64,
			WindowScaling: true,
			Timestamps:    true,
			SACK:          true,
			Workers:       1,
			QueueCap:      1024,
		},
		Listeners: []core.ListenerConfig{
			{Address: "0.0.0.0:80", Backlog: 128, RcvBuf: stack.DefaultRcvBuf},
		},
		Routes: []core.RouteConfig{
			{Prefix: "0.0.0.0/0", MTU: 1380, Name: "default4"},
			{Prefix: "::/0", MTU: 1380, Name: "default6"},
		},
		WireGuard: core.WireGuardConfig{
			ListenPort: 51820,
			MTU:        1380,
			Peers:      []core.WireGuardPeer{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Metrics: MetricsConfig{
			HealthAddr: ":8080",
		},
	}
}

// LoadFromFile loads configuration from a .json, .yaml or .yml file on top
// of whatever config already holds.
func LoadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}
	return nil
}

// envReader collects the first parse error so LoadFromEnv reads straight
// through.
type envReader struct{ err error }

func (e *envReader) strVar(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) boolVar(key string, dst *bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		switch strings.ToLower(v) {
		case "yes", "on":
			b, err = true, nil
		case "no", "off":
			b, err = false, nil
		}
	}
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}

func (e *envReader) durationVar(key string, dst *core.Duration) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = core.Duration(d)
}

func (e *envReader) listVar(key string, dst *[]string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: %w", key, err)
	}
}

// LoadFromEnv overlays environment variables on config.
//
// STACK_LISTENERS is a comma-separated list of ip:port endpoints; when set it
// replaces the configured listeners, each with STACK_BACKLOG (default 128).
func LoadFromEnv(config *Config) error {
	e := &envReader{}

	e.intVar("SYNCACHE_BUCKETS", &config.Cache.Buckets)
	e.intVar("SYNCACHE_BUCKET_LIMIT", &config.Cache.BucketLimit)
	e.intVar("SYNCACHE_CACHE_LIMIT", &config.Cache.CacheLimit)
	e.intVar("SYNCACHE_ARENA_SIZE", &config.Cache.ArenaSize)
	e.intVar("SYNCACHE_MAX_RETRANSMITS", &config.Cache.MaxRetransmits)
	e.durationVar("SYNCACHE_KEEP_INIT", &config.Cache.KeepInit)
	e.durationVar("SYNCACHE_RTT_DEFAULT", &config.Cache.RTTDefault)
	e.durationVar("SYNCACHE_RTO_MIN", &config.Cache.RTOMin)
	e.durationVar("SYNCACHE_RTO_MAX", &config.Cache.RTOMax)

	e.listVar("STACK_ADDRESSES", &config.Stack.Addresses)
	e.intVar("STACK_MTU", &config.Stack.MTU)
	e.intVar("STACK_TTL", &config.Stack.TTL)
	e.intVar("STACK_HOP_LIMIT", &config.Stack.HopLimit)
	e.boolVar("STACK_WINDOW_SCALING", &config.Stack.WindowScaling)
	e.boolVar("STACK_TIMESTAMPS", &config.Stack.Timestamps)
	e.boolVar("STACK_SACK", &config.Stack.SACK)
	e.boolVar("STACK_ECN", &config.Stack.ECN)
	e.intVar("STACK_WORKERS", &config.Stack.Workers)
	e.intVar("STACK_QUEUE_CAP", &config.Stack.QueueCap)

	var listeners []string
	e.listVar("STACK_LISTENERS", &listeners)
	backlog := 128
	e.intVar("STACK_BACKLOG", &backlog)
	if len(listeners) > 0 {
		config.Listeners = config.Listeners[:0]
		for _, a := range listeners {
			config.Listeners = append(config.Listeners, core.ListenerConfig{Address: a, Backlog: backlog})
		}
	}

	e.strVar("LOGGING_LEVEL", &config.Logging.Level)
	e.strVar("LOGGING_FILE", &config.Logging.File)
	e.intVar("LOGGING_MAX_SIZE", &config.Logging.MaxSize)
	e.intVar("LOGGING_MAX_BACKUPS", &config.Logging.MaxBackups)
	e.intVar("LOGGING_MAX_AGE", &config.Logging.MaxAge)

	e.durationVar("METRICS_INTERVAL", &config.Metrics.Interval)
	e.strVar("METRICS_HEALTH_ADDR", &config.Metrics.HealthAddr)

	return e.err
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	cache := c.CacheOptions()
	if err := cache.Validate(); err != nil {
		return err
	}

	if c.Stack.MTU < 68 {
		return fmt.Errorf("invalid stack MTU: %d", c.Stack.MTU)
	}
	if c.Stack.TTL < 0 || c.Stack.TTL > 255 {
		return fmt.Errorf("invalid stack TTL: %d", c.Stack.TTL)
	}
	if c.Stack.HopLimit < 0 || c.Stack.HopLimit > 255 {
		return fmt.Errorf("invalid stack hop limit: %d", c.Stack.HopLimit)
	}
	if _, err := c.StackOptions(); err != nil {
		return err
	}
	if _, err := c.ListenConfigs(); err != nil {
		return err
	}
	for _, r := range c.Routes {
		if _, err := netip.ParsePrefix(r.Prefix); err != nil {
			return fmt.Errorf("invalid route prefix %q: %w", r.Prefix, err)
		}
		if r.MTU <= 0 {
			return fmt.Errorf("invalid route MTU for %s: %d", r.Prefix, r.MTU)
		}
	}

	if c.WireGuard.ListenPort < 0 || c.WireGuard.ListenPort > 65535 {
		return fmt.Errorf("invalid WireGuard listen port: %d", c.WireGuard.ListenPort)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if c.Metrics.Interval < 0 {
		return fmt.Errorf("invalid metrics interval: %s", c.Metrics.Interval)
	}
	return nil
}

// CacheOptions converts the cache and negotiation settings for syncache.New.
func (c *Config) CacheOptions() syncache.Config {
	sc := syncache.DefaultConfig()
	sc.Buckets = c.Cache.Buckets
	sc.BucketLimit = c.Cache.BucketLimit
	sc.CacheLimit = c.Cache.CacheLimit
	sc.ArenaSize = c.Cache.ArenaSize
	sc.MaxRetransmits = c.Cache.MaxRetransmits
	sc.KeepInit = c.Cache.KeepInit.Std()
	sc.RTTDefault = c.Cache.RTTDefault.Std()
	sc.RTOMin = c.Cache.RTOMin.Std()
	sc.RTOMax = c.Cache.RTOMax.Std()
	if len(c.Cache.Backoff) > 0 {
		sc.Backoff = append([]int(nil), c.Cache.Backoff...)
	}
	sc.WindowScaling = c.Stack.WindowScaling
	sc.Timestamps = c.Stack.Timestamps
	sc.SACK = c.Stack.SACK
	sc.ECN = c.Stack.ECN
	return sc
}

// StackOptions converts the IP-layer settings for stack.New.
func (c *Config) StackOptions() (stack.Config, error) {
	sc := stack.Config{
		MTU:      c.Stack.MTU,
		TTL:      uint8(c.Stack.TTL),
		HopLimit: uint8(c.Stack.HopLimit),
	}
	for _, a := range c.Stack.Addresses {
		ip, err := netip.ParseAddr(a)
		if err != nil {
			return sc, fmt.Errorf("invalid stack address %q: %w", a, err)
		}
		sc.Addresses = append(sc.Addresses, ip)
	}
	return sc, nil
}

// ListenConfigs converts the listener list for stack.Listen.
func (c *Config) ListenConfigs() ([]stack.ListenConfig, error) {
	out := make([]stack.ListenConfig, 0, len(c.Listeners))
	for _, l := range c.Listeners {
		ap, err := netip.ParseAddrPort(l.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid listener address %q: %w", l.Address, err)
		}
		if ap.Port() == 0 {
			return nil, fmt.Errorf("listener %s: port required", l.Address)
		}
		if l.MSS < 0 || l.MSS > 65535 {
			return nil, fmt.Errorf("listener %s: invalid MSS %d", l.Address, l.MSS)
		}
		lc := stack.ListenConfig{
			Addr:    ap,
			Backlog: l.Backlog,
			RcvBuf:  l.RcvBuf,
			MSS:     uint16(l.MSS),
		}
		if l.SignatureKey != "" {
			lc.SignatureKey = []byte(l.SignatureKey)
		}
		out = append(out, lc)
	}
	return out, nil
}

// RouteTable builds the route table.
func (c *Config) RouteTable() (*stack.RouteTable, error) {
	t := stack.NewRouteTable()
	for _, r := range c.Routes {
		p, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			return nil, fmt.Errorf("invalid route prefix %q: %w", r.Prefix, err)
		}
		if err := t.Add(p, r.MTU, r.Name); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	core.SetDebugMode(level == logging.DebugLevel)

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			filepath.Dir(c.Logging.File),
			filepath.Base(c.Logging.File),
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}
	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
