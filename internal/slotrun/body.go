package slotrun

import (
	"io"
	"sync"
)

// entityBody wraps a response body so the slot learns the three facts
// the state machine's WaitingForResponseEntitySubscription and
// WaitingForEndOfResponseEntity states need: a consumer started
// reading (onResponseEntitySubscribed), the entity was read to
// completion (onResponseEntityCompleted), or reading stopped short
// (onResponseEntityFailed).
//
// Grounded on net/http's own transport.go bodyEOFSignal: that type
// exists for exactly this reason (the transport needs to know when a
// response body has been fully drained so it can return the
// connection to the pool), and there is no third-party library for
// "tell me when my caller stops reading an io.ReadCloser" — it is
// inherently protocol-plumbing code.
type entityBody struct {
	io.ReadCloser

	once    sync.Once
	onFirst func()
	onDone  func(err error) // err is nil for a clean EOF
	settled sync.Once
}

func newEntityBody(rc io.ReadCloser, onFirst func(), onDone func(err error)) *entityBody {
	return &entityBody{ReadCloser: rc, onFirst: onFirst, onDone: onDone}
}

func (b *entityBody) Read(p []byte) (int, error) {
	b.once.Do(b.onFirst)

	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.settle(nil)
	} else if err != nil {
		b.settle(err)
	}
	return n, err
}

func (b *entityBody) Close() error {
	// A bare Close with no prior Read (status/headers-only consumer, or
	// a discarded/empty body) never ran onFirst, so the state machine is
	// still waiting on a subscription event: fire it now so this reads
	// as subscribe-then-fail instead of an event state never declared.
	b.once.Do(b.onFirst)
	// A Close before the body was read to EOF means the consumer gave
	// up early; surface that as an entity failure rather than silently
	// treating the connection as reusable.
	b.settle(io.ErrUnexpectedEOF)
	return b.ReadCloser.Close()
}

func (b *entityBody) settle(err error) {
	b.settled.Do(func() {
		b.onDone(err)
	})
}
