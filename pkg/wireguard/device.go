package wireguard

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/conn"
	wgdev "golang.zx2c4.com/wireguard/device"

	"github.com/irctrakz/wgsyncache/pkg/logging"
)

// DeviceHandle is a minimal lifecycle for the WG device.
type DeviceHandle interface {
	Close() error
	// IpcGet returns the current device state in UAPI text form.
	IpcGet() (string, error)
	// RebindListenPort updates the device's UDP listen port (0 = random).
	RebindListenPort(port int) error
}

type wgHandle struct {
	dev  *wgdev.Device
	stop chan struct{}
}

func (h *wgHandle) Close() error {
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	if h.dev != nil {
		h.dev.Close()
	}
	return nil
}

func (h *wgHandle) IpcGet() (string, error) {
	if h == nil || h.dev == nil {
		return "", fmt.Errorf("nil device")
	}
	return h.dev.IpcGet()
}

func (h *wgHandle) RebindListenPort(port int) error {
	if h == nil || h.dev == nil {
		return fmt.Errorf("nil device")
	}
	if port < 0 {
		port = 0
	}
	if err := h.dev.IpcSet(fmt.Sprintf("listen_port=%d\n", port)); err != nil {
		return fmt.Errorf("IpcSet listen_port: %w", err)
	}
	return nil
}

// PeerStatus is one peer section of the UAPI state dump.
type PeerStatus struct {
	PublicKey     string // hex, as UAPI reports it
	Endpoint      string
	LastHandshake time.Time
	RxBytes       uint64
	TxBytes       uint64
}

// ParsePeerStatus extracts peer sections from an IpcGet dump.
func ParsePeerStatus(state string) []PeerStatus {
	var out []PeerStatus
	var cur *PeerStatus
	for _, line := range strings.Split(state, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if k == "public_key" {
			out = append(out, PeerStatus{PublicKey: v})
			cur = &out[len(out)-1]
			continue
		}
		if cur == nil {
			continue
		}
		switch k {
		case "endpoint":
			cur.Endpoint = v
		case "last_handshake_time_sec":
			if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
				cur.LastHandshake = time.Unix(sec, 0)
			}
		case "rx_bytes":
			cur.RxBytes, _ = strconv.ParseUint(v, 10, 64)
		case "tx_bytes":
			cur.TxBytes, _ = strconv.ParseUint(v, 10, 64)
		}
	}
	return out
}

// ShortKey abbreviates a key for log output.
func ShortKey(k string) string {
	if len(k) > 16 {
		return k[:8] + "..." + k[len(k)-8:]
	}
	return k
}

func logPeerStatus(p PeerStatus) {
	hs := "never"
	if !p.LastHandshake.IsZero() {
		hs = time.Since(p.LastHandshake).Truncate(time.Second).String() + " ago"
	}
	logging.Component("wireguard").WithFields(logrus.Fields{
		"peer":      ShortKey(p.PublicKey),
		"handshake": hs,
		"endpoint":  p.Endpoint,
		"rx":        p.RxBytes,
		"tx":        p.TxBytes,
	}).Info("peer status")
}

func monitorHandshakes(h *wgHandle, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			state, err := h.IpcGet()
			if err != nil {
				logging.Warnf("WireGuard handshake monitor: %v", err)
				continue
			}
			for _, p := range ParsePeerStatus(state) {
				logPeerStatus(p)
			}
		}
	}
}

// DeviceOptions tunes device startup.
type DeviceOptions struct {
	// Verbose routes wireguard-go's verbose log into debug output.
	Verbose bool
	// MonitorEvery enables the periodic peer status log when non-zero.
	MonitorEvery time.Duration
}

func newLogger(verbose bool) *wgdev.Logger {
	entry := logging.Component("wireguard")
	l := &wgdev.Logger{
		Verbosef: wgdev.DiscardLogf,
		Errorf:   entry.Errorf,
	}
	if verbose {
		l.Verbosef = entry.Debugf
	}
	return l
}

// UAPIConfig renders the device configuration in UAPI text form with keys
// converted from base64 to hex.
func UAPIConfig(cfg DeviceConfig) (string, error) {
	priv, err := decodeKey(cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\nlisten_port=%d\nreplace_peers=true\n", hex.EncodeToString(priv), cfg.ListenPort)
	for i, p := range cfg.Peers {
		pub, err := decodeKey(p.PublicKey)
		if err != nil {
			return "", fmt.Errorf("peer %d public key: %w", i, err)
		}
		fmt.Fprintf(&b, "public_key=%s\n", hex.EncodeToString(pub))
		for _, ip := range p.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", ip)
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
		}
		if p.PersistentKeepaliveSec > 0 {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", p.PersistentKeepaliveSec)
		}
	}
	return b.String(), nil
}

// StartDevice starts a wireguard-go device bound to cfg.ListenPort that
// exchanges plaintext through tun.
func StartDevice(cfg DeviceConfig, tun *WGTun, opts DeviceOptions) (DeviceHandle, error) {
	if tun == nil {
		return nil, fmt.Errorf("nil tun")
	}
	uapi, err := UAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	dev := wgdev.NewDevice(tun, conn.NewDefaultBind(), newLogger(opts.Verbose))
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, fmt.Errorf("IpcSet: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("device up: %w", err)
	}
	logging.Infof("wireguard device up on UDP :%d with %d peer(s)", cfg.ListenPort, len(cfg.Peers))

	if state, err := dev.IpcGet(); err == nil {
		for _, p := range ParsePeerStatus(state) {
			logging.Debugf("WG peer configured: %s endpoint=%q", ShortKey(p.PublicKey), p.Endpoint)
		}
	}

	h := &wgHandle{dev: dev}
	if opts.MonitorEvery > 0 {
		h.stop = make(chan struct{})
		go monitorHandshakes(h, opts.MonitorEvery, h.stop)
	}
	return h, nil
}
