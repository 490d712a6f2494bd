package loft

import "sync"

// sessionLeases is an in-process lease keyed by session id. The assembler
// holds a session's lease for the whole list, reconstruct, cleanup sequence
// so that two concurrent Assemble calls for the same session cannot race on
// the chunk listing or the target key; the loser fails loudly instead of
// relying on the storage backend's last-write-wins semantics.
type sessionLeases struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newSessionLeases() *sessionLeases {
	return &sessionLeases{held: make(map[string]struct{})}
}

// acquire takes the lease for sessionID, returning false if it is already
// held.
func (l *sessionLeases) acquire(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[sessionID]; taken {
		return false
	}
	l.held[sessionID] = struct{}{}
	return true
}

// release gives up the lease for sessionID. Releasing an unheld lease is a
// no-op.
func (l *sessionLeases) release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, sessionID)
}
