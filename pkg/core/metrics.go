package core

// StackMetrics counts traffic through the IP layer.
type StackMetrics struct {
	// PacketsReceived is the number of datagrams handed to the stack.
	PacketsReceived uint64

	// PacketsSent is the number of datagrams emitted toward peers.
	PacketsSent uint64

	// BytesReceived is the number of bytes handed to the stack.
	BytesReceived uint64

	// BytesSent is the number of bytes emitted toward peers.
	BytesSent uint64

	// Malformed counts datagrams that failed to parse.
	Malformed uint64

	// NoListener counts segments for ports nobody listens on.
	NoListener uint64

	// BadChecksum counts segments with an invalid TCP checksum.
	BadChecksum uint64

	// BadSyn counts SYNs dropped before reaching the cache.
	BadSyn uint64

	// BacklogDrops counts SYNs refused because the accept queue was full.
	BacklogDrops uint64

	// ResetsSent counts RSTs generated by the stack.
	ResetsSent uint64

	// ICMPReceived counts ICMP errors processed.
	ICMPReceived uint64

	// Accepted counts connections delivered to an accept queue.
	Accepted uint64

	// Errors counts send failures.
	Errors uint64
}

// TUNMetrics counts frames crossing the WireGuard plaintext boundary.
type TUNMetrics struct {
	// FramesFromWG is the number of frames WireGuard decrypted for us.
	FramesFromWG uint64

	// FramesToWG is the number of frames queued for encryption.
	FramesToWG uint64

	// BytesFromWG is the number of bytes WireGuard decrypted for us.
	BytesFromWG uint64

	// BytesToWG is the number of bytes queued for encryption.
	BytesToWG uint64

	// QueueDrops counts frames lost to a full outbound queue.
	QueueDrops uint64
}
