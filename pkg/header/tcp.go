// Package header parses and builds the TCP headers exchanged during the
// passive-open handshake.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// TCPMinimumSize is the size of a TCP header without options.
const TCPMinimumSize = 20

// TCPMaxWindow is the largest unscaled window a header can carry.
const TCPMaxWindow = 65535

// TCPMaxWindowShift is the largest window-scale shift accepted (RFC 7323).
const TCPMaxWindowShift = 14

// Flags is the TCP control-bit set.
type Flags uint8

// TCP control bits.
const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

// Has reports whether all bits of x are set in f.
func (f Flags) Has(x Flags) bool { return f&x == x }

func (f Flags) String() string {
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}
	var parts []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ErrTruncated is returned when a buffer is shorter than the header it claims to hold.
var ErrTruncated = errors.New("header: truncated")

// TCP is a decoded TCP header.
type TCP struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset int // header length in bytes
	Flags      Flags
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	Options    Options
	Payload    []byte
}

// ParseTCP decodes the TCP header at the start of b. Options are parsed with
// SYN semantics when the SYN bit is set.
func ParseTCP(b []byte) (TCP, error) {
	var h TCP
	if len(b) < TCPMinimumSize {
		return h, fmt.Errorf("tcp header: %w (%d bytes)", ErrTruncated, len(b))
	}
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.Seq = binary.BigEndian.Uint32(b[4:8])
	h.Ack = binary.BigEndian.Uint32(b[8:12])
	h.DataOffset = int(b[12]>>4) * 4
	h.Flags = Flags(b[13])
	h.Window = binary.BigEndian.Uint16(b[14:16])
	h.Checksum = binary.BigEndian.Uint16(b[16:18])
	h.Urgent = binary.BigEndian.Uint16(b[18:20])
	if h.DataOffset < TCPMinimumSize || h.DataOffset > len(b) {
		return h, fmt.Errorf("tcp header: bad data offset %d for %d bytes", h.DataOffset, len(b))
	}
	h.Options = ParseOptions(b[TCPMinimumSize:h.DataOffset], h.Flags.Has(FlagSYN))
	h.Payload = b[h.DataOffset:]
	return h, nil
}

// Fields are the fixed header values of a segment to be built.
type Fields struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   Flags
	Window  uint16
}
