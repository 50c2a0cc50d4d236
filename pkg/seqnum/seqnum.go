// Package seqnum implements modular arithmetic on 32-bit TCP sequence numbers.
package seqnum

// Value is a TCP sequence number.
type Value uint32

// Size is the length of a sequence number window.
type Size uint32

// InRange reports v ∈ [a, b).
func (v Value) InRange(a, b Value) bool {
	return v-a < b-a
}

// InWindow reports v ∈ [first, first+size).
func (v Value) InWindow(first Value, size Size) bool {
	return v.InRange(first, first.Add(size))
}

// Add returns v + s.
func (v Value) Add(s Size) Value {
	return v + Value(s)
}
