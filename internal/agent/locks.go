package agent

import "sync"

// threadLocks serializes pipeline runs per thread identifier. Turns on
// different threads run in parallel; a user message and a heartbeat
// landing on the same thread take turns, so history appends and food
// log writes never interleave.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for a thread, creating it on first use, and
// returns the unlock func. Locks are never removed: the thread set is
// tiny (one user plus the heartbeat).
func (t *threadLocks) lock(thread string) func() {
	t.mu.Lock()
	m, ok := t.locks[thread]
	if !ok {
		m = &sync.Mutex{}
		t.locks[thread] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}
