package queue

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// lane admits one request at a time in arrival order. Waiters whose context
// ends before their turn are dropped from the pending list.
type lane struct {
	id      string
	policy  LanePolicy
	limiter *rate.Limiter

	mu      sync.Mutex
	busy    bool
	waiters *list.List // of chan struct{}
}

func newLane(id string, p LanePolicy) *lane {
	l := &lane{id: id, policy: p, waiters: list.New()}
	if p.RatePerSecond > 0 {
		burst := p.Burst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(p.RatePerSecond), burst)
	}
	return l
}

func (l *lane) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if !l.busy && l.waiters.Len() == 0 {
		l.busy = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	el := l.waiters.PushBack(ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ch:
			// handed the token while giving up; pass it on
			l.mu.Unlock()
			l.release()
		default:
			l.waiters.Remove(el)
			l.mu.Unlock()
		}
		return ctx.Err()
	}
}

// release hands the token to the oldest waiter, or frees the lane.
func (l *lane) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if front := l.waiters.Front(); front != nil {
		l.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	l.busy = false
}

func (l *lane) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}

func (l *lane) inFlight() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy
}
