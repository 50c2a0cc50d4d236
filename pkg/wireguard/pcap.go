package wireguard

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/irctrakz/wgsyncache/pkg/logging"
)

const pcapSnapLen = 65535

// PCAPTee writes plaintext frames to a raw-IP capture.
type PCAPTee struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	failed bool
	now    func() time.Time
}

// OpenPCAP creates (truncating) a capture file at path.
func OpenPCAP(path string) (*PCAPTee, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcap: %w", err)
	}
	t, err := NewPCAPTee(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	t.closer = f
	logging.Infof("PCAP capture enabled: %s", path)
	return t, nil
}

// NewPCAPTee writes the file header to w and returns a tee on it.
func NewPCAPTee(w io.Writer) (*PCAPTee, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pcapSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &PCAPTee{w: pw, now: time.Now}, nil
}

// Write records one frame. The first write error disables the tee.
func (t *PCAPTee) Write(b []byte) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed {
		return
	}
	n := len(b)
	if n > pcapSnapLen {
		n = pcapSnapLen
	}
	ci := gopacket.CaptureInfo{Timestamp: t.now(), CaptureLength: n, Length: len(b)}
	if err := t.w.WritePacket(ci, b[:n]); err != nil {
		t.failed = true
		logging.Warnf("PCAP write failed, capture disabled: %v", err)
	}
}

// Close closes the underlying file, if the tee owns one.
func (t *PCAPTee) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = true
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
