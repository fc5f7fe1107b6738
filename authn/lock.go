package authn

import "context"

// fairLock is a mutex whose waiters are served in arrival order. Goroutines
// blocked sending on a channel are queued FIFO, and a receive hands the slot
// straight to the oldest waiter, so a late arrival cannot barge in.
type fairLock struct {
	slot chan struct{}
}

func newFairLock() *fairLock {
	return &fairLock{slot: make(chan struct{}, 1)}
}

// lock blocks until the lock is held or ctx is done.
func (l *fairLock) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *fairLock) unlock() {
	<-l.slot
}
