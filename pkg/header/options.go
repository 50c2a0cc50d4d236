package header

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Option kinds used by the handshake.
const (
	OptionEOL           = layers.TCPOptionKindEndList
	OptionNOP           = layers.TCPOptionKindNop
	OptionMSS           = layers.TCPOptionKindMSS
	OptionWindowScale   = layers.TCPOptionKindWindowScale
	OptionSACKPermitted = layers.TCPOptionKindSACKPermitted
	OptionTimestamps    = layers.TCPOptionKindTimestamps
	OptionSignature     = layers.TCPOptionKind(19) // RFC 2385
)

// On-the-wire option lengths, kind and length bytes included.
const (
	optionLenMSS           = 4
	optionLenWindowScale   = 3
	optionLenSACKPermitted = 2
	optionLenTimestamps    = 10
	optionLenSignature     = 18

	// SignatureSize is the size of the TCP-MD5 digest.
	SignatureSize = 16

	// MaxOptionsSize is the room left for options by the 4-bit data offset.
	MaxOptionsSize = 40
)

// Options holds the handshake options found in a segment.
type Options struct {
	MSS    uint16
	HasMSS bool

	WindowScale    uint8
	HasWindowScale bool

	SACKPermitted bool

	TSVal uint32
	TSEcr uint32
	HasTS bool

	Signature    []byte
	HasSignature bool
	// SignatureOffset is the offset of the digest bytes from the start of
	// the TCP header, valid when HasSignature is set.
	SignatureOffset int
}

// ParseOptions walks the option bytes of a TCP header. MSS and window scale
// are only honoured on SYN segments. A malformed length ends the walk and the
// options seen so far are kept.
func ParseOptions(b []byte, syn bool) Options {
	var o Options
	for i := 0; i < len(b); {
		kind := layers.TCPOptionKind(b[i])
		if kind == OptionEOL {
			break
		}
		if kind == OptionNOP {
			i++
			continue
		}
		if i+1 >= len(b) {
			break
		}
		l := int(b[i+1])
		if l < 2 || i+l > len(b) {
			break
		}
		data := b[i+2 : i+l]
		switch kind {
		case OptionMSS:
			if l == optionLenMSS && syn {
				o.MSS = binary.BigEndian.Uint16(data)
				o.HasMSS = true
			}
		case OptionWindowScale:
			if l == optionLenWindowScale && syn {
				o.WindowScale = data[0]
				if o.WindowScale > TCPMaxWindowShift {
					o.WindowScale = TCPMaxWindowShift
				}
				o.HasWindowScale = true
			}
		case OptionSACKPermitted:
			if l == optionLenSACKPermitted && syn {
				o.SACKPermitted = true
			}
		case OptionTimestamps:
			if l == optionLenTimestamps {
				o.TSVal = binary.BigEndian.Uint32(data[0:4])
				o.TSEcr = binary.BigEndian.Uint32(data[4:8])
				o.HasTS = true
			}
		case OptionSignature:
			if l == optionLenSignature {
				o.Signature = append([]byte(nil), data...)
				o.HasSignature = true
				o.SignatureOffset = TCPMinimumSize + i + 2
			}
		}
		i += l
	}
	return o
}

// OptionBuilder collects typed option records in emission order. The records
// are padded once, at serialization time.
type OptionBuilder struct {
	opts   []layers.TCPOption
	size   int
	sigOff int
}

// NewOptionBuilder returns an empty builder.
func NewOptionBuilder() *OptionBuilder {
	return &OptionBuilder{sigOff: -1}
}

func (b *OptionBuilder) add(kind layers.TCPOptionKind, data []byte) *OptionBuilder {
	b.opts = append(b.opts, layers.TCPOption{
		OptionType:   kind,
		OptionLength: uint8(2 + len(data)),
		OptionData:   data,
	})
	b.size += 2 + len(data)
	return b
}

// MSS appends a maximum-segment-size option.
func (b *OptionBuilder) MSS(mss uint16) *OptionBuilder {
	d := make([]byte, 2)
	binary.BigEndian.PutUint16(d, mss)
	return b.add(OptionMSS, d)
}

// WindowScale appends a window-scale option.
func (b *OptionBuilder) WindowScale(shift uint8) *OptionBuilder {
	return b.add(OptionWindowScale, []byte{shift})
}

// SACKPermitted appends a SACK-permitted option.
func (b *OptionBuilder) SACKPermitted() *OptionBuilder {
	return b.add(OptionSACKPermitted, nil)
}

// Timestamp appends a timestamp option.
func (b *OptionBuilder) Timestamp(val, ecr uint32) *OptionBuilder {
	d := make([]byte, 8)
	binary.BigEndian.PutUint32(d[0:4], val)
	binary.BigEndian.PutUint32(d[4:8], ecr)
	return b.add(OptionTimestamps, d)
}

// Signature appends a zeroed TCP-MD5 option. The digest is filled in by
// SignSegment once the rest of the segment is final.
func (b *OptionBuilder) Signature() *OptionBuilder {
	b.sigOff = TCPMinimumSize + b.size + 2
	return b.add(OptionSignature, make([]byte, SignatureSize))
}

// Len returns the unpadded option length.
func (b *OptionBuilder) Len() int { return b.size }

// SignatureOffset returns the digest offset within the serialized header, or
// -1 when no signature option was added.
func (b *OptionBuilder) SignatureOffset() int { return b.sigOff }

// Options returns the collected records.
func (b *OptionBuilder) Options() []layers.TCPOption { return b.opts }

// Marshal serializes a TCP header with the collected options. The checksum
// field is left zero.
func (b *OptionBuilder) Marshal(f Fields) ([]byte, error) {
	if b.size > MaxOptionsSize {
		return nil, fmt.Errorf("tcp options: %d bytes exceed %d", b.size, MaxOptionsSize)
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(f.SrcPort),
		DstPort: layers.TCPPort(f.DstPort),
		Seq:     f.Seq,
		Ack:     f.Ack,
		FIN:     f.Flags.Has(FlagFIN),
		SYN:     f.Flags.Has(FlagSYN),
		RST:     f.Flags.Has(FlagRST),
		PSH:     f.Flags.Has(FlagPSH),
		ACK:     f.Flags.Has(FlagACK),
		URG:     f.Flags.Has(FlagURG),
		ECE:     f.Flags.Has(FlagECE),
		CWR:     f.Flags.Has(FlagCWR),
		Window:  f.Window,
		Options: b.opts,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := tcp.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		return nil, fmt.Errorf("serialize tcp: %w", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}
