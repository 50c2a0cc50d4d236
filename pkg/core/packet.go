package core

import (
	"sync/atomic"
)

// debugMode makes packets copy their buffers on every access.
var debugMode uint32

// SetDebugMode toggles copying of packet data. With it off,
// packets alias the buffers they were built from.
func SetDebugMode(enabled bool) {
	if enabled {
		atomic.StoreUint32(&debugMode, 1)
	} else {
		atomic.StoreUint32(&debugMode, 0)
	}
}

// IsDebugMode returns whether debug mode is enabled
func IsDebugMode() bool {
	return atomic.LoadUint32(&debugMode) == 1
}

// Packet is one raw IP datagram.
type Packet interface {
	// Data returns the datagram bytes. In debug mode it is a copy.
	Data() []byte

	// Length returns the datagram length.
	Length() int
}

// pooledPacket borrows its buffer from a pool and gives it back on release.
type pooledPacket struct {
	data     []byte
	releaser func([]byte)
}

// NewPooledPacket wraps a pool buffer. releaser may be nil.
func NewPooledPacket(data []byte, releaser func([]byte)) Packet {
	if data == nil {
		data = make([]byte, 0)
	}
	return &pooledPacket{data: data, releaser: releaser}
}

func (p *pooledPacket) Data() []byte { return p.data }
func (p *pooledPacket) Length() int  { return len(p.data) }

// Released reports whether the buffer went back to its pool already.
func (p *pooledPacket) Released() bool { return p.data == nil }

// ReleasePacket returns a pooled packet's buffer. Other packets are ignored.
func ReleasePacket(p Packet) {
	pp, ok := p.(*pooledPacket)
	if !ok || pp.releaser == nil || len(pp.data) == 0 {
		return
	}
	pp.releaser(pp.data)
	pp.data = nil
	pp.releaser = nil
}

// SimplePacket is a Packet over a plain byte slice.
type SimplePacket struct {
	data []byte
}

// NewPacket wraps data. In debug mode the bytes are copied first.
func NewPacket(data []byte) Packet {
	if data == nil {
		return &SimplePacket{data: make([]byte, 0)}
	}
	if IsDebugMode() {
		return &SimplePacket{data: append([]byte(nil), data...)}
	}
	return &SimplePacket{data: data}
}

// Data returns the packet data
func (p *SimplePacket) Data() []byte {
	if IsDebugMode() {
		return append([]byte(nil), p.data...)
	}
	return p.data
}

// Length returns the packet length
func (p *SimplePacket) Length() int {
	return len(p.data)
}

// ClonePacket returns a packet that owns a private copy of p's bytes, for
// handing across goroutines.
func ClonePacket(p Packet) Packet {
	return &SimplePacket{data: append([]byte(nil), p.Data()...)}
}
