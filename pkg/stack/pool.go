package stack

import "sync"

// Frame buffers for inbound datagrams. Anything larger than the biggest
// class is allocated directly and never pooled.
const (
	frameSmall = 2048
	frameLarge = 16384
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, frameSmall); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, frameLarge); return &b }}
)

func frameGet(n int) []byte {
	switch {
	case n <= frameSmall:
		return (*poolSmall.Get().(*[]byte))[:n]
	case n <= frameLarge:
		return (*poolLarge.Get().(*[]byte))[:n]
	default:
		return make([]byte, n)
	}
}

func framePut(b []byte) {
	switch cap(b) {
	case frameSmall:
		bb := b[:frameSmall]
		poolSmall.Put(&bb)
	case frameLarge:
		bb := b[:frameLarge]
		poolLarge.Put(&bb)
	}
}
