package stream

import (
	"sync"

	"github.com/corestream/ntio"
)

// cancellable is implemented by any pending operation that tracks a
// caller-provided Token.
type cancellable interface {
	// cancelOp attempts to cancel the operation. It returns
	// ntio.CodeInvalid if the operation is already past the point of no
	// return (per §4.7's per-operation monotonicity rules), in which
	// case the operation completes normally rather than with
	// cancelled.
	cancelOp() error
}

// cancelRegistry tracks pending operations by Token, so Socket.Cancel
// can find and cancel the right one. A zero Token is never registered
// (NoToken means "no cancellation token supplied").
type cancelRegistry struct {
	mu      sync.Mutex
	pending map[Token]cancellable
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{pending: make(map[Token]cancellable)}
}

func (r *cancelRegistry) register(tok Token, c cancellable) {
	if tok == NoToken {
		return
	}
	r.mu.Lock()
	r.pending[tok] = c
	r.mu.Unlock()
}

func (r *cancelRegistry) unregister(tok Token) {
	if tok == NoToken {
		return
	}
	r.mu.Lock()
	delete(r.pending, tok)
	r.mu.Unlock()
}

// cancel looks up tok and invokes its cancelOp, returning CodeInvalid if
// tok is unknown (already completed, or never registered).
func (r *cancelRegistry) cancel(tok Token) error {
	r.mu.Lock()
	c, ok := r.pending[tok]
	r.mu.Unlock()
	if !ok {
		return ntio.New(ntio.CodeInvalid)
	}
	return c.cancelOp()
}

// Cancel cancels the pending operation registered under tok, per §6's
// cancel(token) and §4.7's per-operation monotonicity rules. It is a
// no-op error (CodeInvalid) if tok names no currently pending operation.
func (s *Socket) Cancel(tok Token) error {
	return s.cancels.cancel(tok)
}
