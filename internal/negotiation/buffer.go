package negotiation

import "slices"

// messageBuffer holds outbound messages until a sink is attached. Order is
// preserved and nothing is dropped: a message the sink refuses stays at the
// head of the queue together with everything queued after it.
type messageBuffer struct {
	pending []Message
}

func (b *messageBuffer) push(m Message) {
	b.pending = append(b.pending, m)
}

func (b *messageBuffer) len() int { return len(b.pending) }

// drain hands every pending message to send in FIFO order and reports how
// many were accepted.
func (b *messageBuffer) drain(send func(Message) error) (int, error) {
	for i, m := range b.pending {
		if err := send(m); err != nil {
			b.pending = slices.Clone(b.pending[i:])
			return i, err
		}
	}
	n := len(b.pending)
	b.pending = nil
	return n, nil
}
