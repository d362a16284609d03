package session

import (
	"context"
	"sync"
)

// CancelToken is a revocable handle owned by one session. Revoking it cancels
// the session's request context; revoking twice is a no-op.
type CancelToken struct {
	once    sync.Once
	done    chan struct{}
	release context.CancelFunc
}

func newCancelToken(release context.CancelFunc) *CancelToken {
	return &CancelToken{done: make(chan struct{}), release: release}
}

// Revoke cancels the token. It reports whether this call did the revoking.
func (t *CancelToken) Revoke() bool {
	revoked := false
	t.once.Do(func() {
		close(t.done)
		if t.release != nil {
			t.release()
		}
		revoked = true
	})
	return revoked
}

// Revoked reports whether Revoke has been called.
func (t *CancelToken) Revoked() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
