package core

// PacketProcessor consumes IP datagrams. Implementations must not retain
// the packet's buffer after returning unless they copied it.
type PacketProcessor interface {
	ProcessPacket(packet Packet) error
}

// ProcessorFunc adapts a function to PacketProcessor.
type ProcessorFunc func(Packet) error

// ProcessPacket calls f.
func (f ProcessorFunc) ProcessPacket(p Packet) error { return f(p) }

// MetricsSource is anything that can report flat counters.
type MetricsSource interface {
	Metrics() map[string]uint64
}
