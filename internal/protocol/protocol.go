// Package protocol defines the fixed-size message exchanged by the demo
// producer and consumer. Both processes must agree on the exact layout; the
// struct is flat so its bytes can live in the shared mapping.
package protocol

// Message is an eight-word (64-byte) payload. The correctness run fills
// every word with the message's sequence number so the consumer can detect
// loss, reordering, or corruption with a single comparison per word.
type Message struct {
	Words [8]uint64
}

// New returns a message with every word set to seq.
func New(seq uint64) Message {
	var m Message
	m.Fill(seq)
	return m
}

// Fill sets every word to seq.
func (m *Message) Fill(seq uint64) {
	for i := range m.Words {
		m.Words[i] = seq
	}
}

// Check reports whether every word equals seq.
func (m *Message) Check(seq uint64) bool {
	for _, w := range m.Words {
		if w != seq {
			return false
		}
	}
	return true
}
