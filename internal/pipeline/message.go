package pipeline

// Message is a complete application message: a raw datagram, a single
// fragment, a reassembled multi-fragment message or a TCP line.
type Message struct {
	Payload []byte
	Tags    []string
}
