package broker

import "sync"

// admission is the counted-slot gate in front of the handshake state
// machine. Sessions beyond the ceiling queue in strict FIFO order; a slot
// freed by one session transfers directly to the queue head.
type admission struct {
	mu      sync.Mutex
	slots   int
	active  int
	waiters []*waiter
	onDepth func(int)
}

// waiter's channel closes when a slot is assigned. A waiter that stops
// waiting must call cancel so a racing grant cannot leak the slot.
type waiter struct {
	ch chan struct{}
}

func newAdmission(capacity int, onDepth func(int)) *admission {
	if capacity < 1 {
		capacity = 1
	}
	return &admission{slots: capacity, onDepth: onDepth}
}

// acquire grants immediately when a slot is free and nobody is queued,
// otherwise appends the caller to the queue.
func (a *admission) acquire() *waiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := &waiter{ch: make(chan struct{})}
	if a.slots > 0 && len(a.waiters) == 0 {
		a.slots--
		a.active++
		close(w.ch)
		return w
	}
	a.waiters = append(a.waiters, w)
	a.notifyDepth()
	return w
}

// cancel abandons a waiter. If the grant landed before the caller got here,
// the slot is passed on instead of leaking.
func (a *admission) cancel(w *waiter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, q := range a.waiters {
		if q == w {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			a.notifyDepth()
			return
		}
	}
	a.releaseLocked()
}

// release frees the caller's slot, handing it to the queue head if one is
// waiting.
func (a *admission) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
}

func (a *admission) releaseLocked() {
	a.active--
	if len(a.waiters) > 0 {
		w := a.waiters[0]
		a.waiters = a.waiters[1:]
		a.active++
		close(w.ch)
		a.notifyDepth()
		return
	}
	a.slots++
}

func (a *admission) activeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *admission) queuedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}

func (a *admission) notifyDepth() {
	if a.onDepth != nil {
		a.onDepth(len(a.waiters))
	}
}
