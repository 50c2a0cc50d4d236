package header

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synWithOptions(opts []byte) []byte {
	seg := make([]byte, TCPMinimumSize+len(opts))
	binary.BigEndian.PutUint16(seg[0:2], 40000)
	binary.BigEndian.PutUint16(seg[2:4], 80)
	binary.BigEndian.PutUint32(seg[4:8], 100)
	seg[12] = byte((TCPMinimumSize+len(opts))/4) << 4
	seg[13] = byte(FlagSYN)
	binary.BigEndian.PutUint16(seg[14:16], 29200)
	copy(seg[TCPMinimumSize:], opts)
	return seg
}

func TestParseTCPSynOptions(t *testing.T) {
	opts := []byte{
		2, 4, 0x05, 0xb4, // MSS 1460
		4, 2, // SACK permitted
		8, 10, 0, 0, 0, 7, 0, 0, 0, 0, // TS val=7
		1,        // NOP
		3, 3, 20, // WS 20, clamped
	}
	h, err := ParseTCP(synWithOptions(opts))
	require.NoError(t, err)
	assert.Equal(t, uint16(40000), h.SrcPort)
	assert.Equal(t, uint32(100), h.Seq)
	assert.True(t, h.Flags.Has(FlagSYN))

	want := Options{
		MSS: 1460, HasMSS: true,
		WindowScale: TCPMaxWindowShift, HasWindowScale: true,
		SACKPermitted: true,
		TSVal:         7, HasTS: true,
	}
	if diff := cmp.Diff(want, h.Options, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
}

func TestParseOptionsIgnoresMSSWithoutSyn(t *testing.T) {
	o := ParseOptions([]byte{2, 4, 0x05, 0xb4, 3, 3, 7}, false)
	assert.False(t, o.HasMSS)
	assert.False(t, o.HasWindowScale)
}

func TestParseOptionsStopsOnMalformedLength(t *testing.T) {
	o := ParseOptions([]byte{4, 2, 8, 40, 0, 0}, true)
	assert.True(t, o.SACKPermitted)
	assert.False(t, o.HasTS)

	o = ParseOptions([]byte{2, 0, 2, 4, 1, 1}, true)
	assert.False(t, o.HasMSS)

	// Trailing kind byte with no length.
	o = ParseOptions([]byte{1, 1, 2}, true)
	assert.False(t, o.HasMSS)
}

func TestParseTCPRejectsBadOffsets(t *testing.T) {
	_, err := ParseTCP(make([]byte, 10))
	assert.ErrorIs(t, err, ErrTruncated)

	seg := synWithOptions(nil)
	seg[12] = 15 << 4
	_, err = ParseTCP(seg)
	assert.Error(t, err)

	seg[12] = 2 << 4
	_, err = ParseTCP(seg)
	assert.Error(t, err)
}

func TestOptionBuilderMarshal(t *testing.T) {
	b := NewOptionBuilder().MSS(1400).WindowScale(7).SACKPermitted().Timestamp(5, 9)
	assert.Equal(t, 4+3+2+10, b.Len())
	assert.Equal(t, -1, b.SignatureOffset())

	seg, err := b.Marshal(Fields{SrcPort: 80, DstPort: 40000, Seq: 1, Ack: 101, Flags: FlagSYN | FlagACK, Window: 65535})
	require.NoError(t, err)
	assert.Zero(t, len(seg)%4, "header must be padded to 4 bytes")
	assert.Equal(t, TCPMinimumSize+20, len(seg))

	h, err := ParseTCP(seg)
	require.NoError(t, err)
	assert.Equal(t, FlagSYN|FlagACK, h.Flags)
	assert.Equal(t, uint32(101), h.Ack)
	assert.Equal(t, uint16(1400), h.Options.MSS)
	assert.Equal(t, uint8(7), h.Options.WindowScale)
	assert.True(t, h.Options.SACKPermitted)
	assert.Equal(t, uint32(5), h.Options.TSVal)
	assert.Equal(t, uint32(9), h.Options.TSEcr)
	// Option order on the wire is MSS first.
	assert.Equal(t, byte(OptionMSS), seg[TCPMinimumSize])
}

func TestSignRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	key := []byte("secret")

	b := NewOptionBuilder().MSS(1400).Signature()
	seg, err := b.Marshal(Fields{SrcPort: 179, DstPort: 50000, Seq: 7, Ack: 8, Flags: FlagSYN | FlagACK, Window: 1000})
	require.NoError(t, err)
	require.NoError(t, SignSegment(src, dst, seg, b.SignatureOffset(), key))
	SetTCPChecksum(src, dst, seg)
	assert.True(t, VerifyTCPChecksum(src, dst, seg))

	h, err := ParseTCP(seg)
	require.NoError(t, err)
	require.True(t, h.Options.HasSignature)
	assert.Equal(t, b.SignatureOffset(), h.Options.SignatureOffset)
	assert.NoError(t, VerifySignature(src, dst, seg, h, key))
	assert.Error(t, VerifySignature(src, dst, seg, h, []byte("wrong")))

	unsigned, err := ParseTCP(synWithOptions(nil))
	require.NoError(t, err)
	assert.ErrorIs(t, VerifySignature(src, dst, synWithOptions(nil), unsigned, key), ErrNoSignature)
}

func TestChecksumIPv6(t *testing.T) {
	src := netip.MustParseAddr("fd00::1")
	dst := netip.MustParseAddr("fd00::2")
	seg := synWithOptions([]byte{2, 4, 0x05, 0x00})
	SetTCPChecksum(src, dst, seg)
	assert.True(t, VerifyTCPChecksum(src, dst, seg))
	seg[5] ^= 0xff
	assert.False(t, VerifyTCPChecksum(src, dst, seg))
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
	assert.Equal(t, "none", Flags(0).String())
}
