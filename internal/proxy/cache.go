package proxy

import "sync"

// sessionEntry is what the cache stores per source: the producer handle
// the dispatcher pushes onto, and the session object itself.
type sessionEntry struct {
	queue   *SessionQueue
	session *Session
}

// sessionCache is the mapping from SourceEndpoint to (queue, Session). It
// is the only shared mutable state between the dispatcher and the
// per-session loops, and the sole arbiter of the at-most-one-session-per-
// source invariant.
//
// Mutations always take the exclusive lock; the dispatcher's entry-or-
// insert pattern needs it anyway, so lookups have no separate read-only
// path. Only len takes the shared lock.
type sessionCache struct {
	mu      sync.RWMutex
	entries map[SourceEndpoint]*sessionEntry
}

func newSessionCache() *sessionCache {
	return &sessionCache{
		entries: make(map[SourceEndpoint]*sessionEntry),
	}
}

// getOrCreate returns the existing entry for source if one is present.
// Otherwise it calls create to build a new session and queue, inserts the
// result, and returns it with created=true. create is invoked under the
// exclusive lock, so at most one session is ever constructed per source
// even under concurrent arrivals. If create fails, no entry is inserted
// and the error is returned to the caller.
func (c *sessionCache) getOrCreate(source SourceEndpoint, create func() (*Session, error)) (entry *sessionEntry, created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[source]; ok {
		return existing, false, nil
	}

	session, err := create()
	if err != nil {
		return nil, false, err
	}

	entry = &sessionEntry{
		queue:   newSessionQueue(),
		session: session,
	}
	c.entries[source] = entry
	return entry, true, nil
}

// remove deletes the entry for source if it is still the one passed in.
// The entry parameter guards against removing a newer session that
// replaced the one a stale caller observed. Removal is idempotent.
func (c *sessionCache) remove(source SourceEndpoint, entry *sessionEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.entries[source]; ok && current == entry {
		delete(c.entries, source)
	}
}

// len reports the number of live sessions, used by metrics and tests.
func (c *sessionCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
