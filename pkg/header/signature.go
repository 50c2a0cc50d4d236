package header

import (
	"crypto/md5"
	"crypto/subtle"
	"errors"
	"net/netip"
)

var (
	// ErrNoSignature is returned when a segment lacks a TCP-MD5 option.
	ErrNoSignature = errors.New("header: no signature option")
	// ErrBadSignature is returned when the digest does not match.
	ErrBadSignature = errors.New("header: signature mismatch")
)

// digest computes the RFC 2385 digest: pseudo-header, the fixed header with a
// zero checksum, the payload and the key. Options are not covered.
func digest(src, dst netip.Addr, seg []byte, dataOffset int, key []byte) []byte {
	h := md5.New()
	h.Write(PseudoHeader(src, dst, ProtocolTCP, len(seg)))
	fixed := make([]byte, TCPMinimumSize)
	copy(fixed, seg[:TCPMinimumSize])
	fixed[16], fixed[17] = 0, 0
	h.Write(fixed)
	h.Write(seg[dataOffset:])
	h.Write(key)
	return h.Sum(nil)
}

// SignSegment fills in the digest of a segment whose signature option starts
// its data at off. It must run after every other header field is final.
func SignSegment(src, dst netip.Addr, seg []byte, off int, key []byte) error {
	if off < TCPMinimumSize || off+SignatureSize > len(seg) {
		return ErrNoSignature
	}
	dataOffset := int(seg[12]>>4) * 4
	if dataOffset > len(seg) {
		return ErrTruncated
	}
	copy(seg[off:off+SignatureSize], digest(src, dst, seg, dataOffset, key))
	return nil
}

// VerifySignature checks the TCP-MD5 digest carried by a parsed segment.
func VerifySignature(src, dst netip.Addr, seg []byte, h TCP, key []byte) error {
	if !h.Options.HasSignature {
		return ErrNoSignature
	}
	want := digest(src, dst, seg, h.DataOffset, key)
	if subtle.ConstantTimeCompare(want, h.Options.Signature) != 1 {
		return ErrBadSignature
	}
	return nil
}
