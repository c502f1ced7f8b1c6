package session

import (
	"context"
	"fmt"
	"sync"
)

// ErrBusy is returned by AssertUnlocked when a session already has an
// active turn.
var ErrBusy = fmt.Errorf("session busy: a turn is already in progress")

// Token is the handle returned by Lock.Acquire. The holder of a Token is
// the only caller allowed to run a turn for its session; Release must run
// on every exit path (success, error, or panic recovery upstream).
type Token struct {
	sessionID string
	ctx       context.Context
	lock      *Lock
}

// Done reports the cancellation signal for this token. The turn loop
// observes it at suspension points (between steps, at stream read
// boundaries) and unwinds when it fires.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Release frees the session for the next turn. Safe to call more than
// once; only the first call has an effect.
func (t *Token) Release() {
	t.lock.release(t.sessionID)
}

// Lock enforces spec.md §4.6: at most one active turn per sessionID, with
// a cancellation signal for in-flight turns. Grounded on the teacher's
// Processor.sessions map (internal/session/processor.go), which tracked a
// per-session context.CancelFunc under a single mutex — this type pulls
// that pattern out of Processor into a standalone, reusable component.
type Lock struct {
	mu      sync.Mutex
	holders map[string]context.CancelFunc
}

// NewLock creates an empty session lock registry.
func NewLock() *Lock {
	return &Lock{holders: make(map[string]context.CancelFunc)}
}

// Acquire takes exclusive ownership of sessionID's turn slot. It returns
// ErrBusy if another turn already holds it. The returned Token's context
// is canceled either by Cancel(sessionID) or by parent ctx's own
// cancellation, whichever comes first.
func (l *Lock) Acquire(ctx context.Context, sessionID string) (*Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.holders[sessionID]; held {
		return nil, ErrBusy
	}

	tokenCtx, cancel := context.WithCancel(ctx)
	l.holders[sessionID] = cancel
	return &Token{sessionID: sessionID, ctx: tokenCtx, lock: l}, nil
}

// AssertUnlocked returns ErrBusy if sessionID currently has an active
// turn, without taking the lock. Used by read-only endpoints (e.g.
// session status) that need to report busy-ness without contending for
// the slot itself.
func (l *Lock) AssertUnlocked(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.holders[sessionID]; held {
		return ErrBusy
	}
	return nil
}

// Cancel requests cancellation of sessionID's in-flight turn, if any. It is
// a no-op if the session has no active turn. The turn loop observes the
// cancellation at its next suspension point; Cancel does not wait for it
// to unwind.
func (l *Lock) Cancel(sessionID string) {
	l.mu.Lock()
	cancel, held := l.holders[sessionID]
	l.mu.Unlock()
	if held {
		cancel()
	}
}

func (l *Lock) release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, held := l.holders[sessionID]; held {
		cancel()
		delete(l.holders, sessionID)
	}
}
