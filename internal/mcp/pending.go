package mcp

import "sync"

// reply is what a waiter receives: the response message or the error
// that ended the wait.
type reply struct {
	msg *Message
	err error
}

// pendingSet maps correlation ids to single-use waiters. Each entry is
// removed exactly once, by whichever of resolve, remove, or failAll
// reaches it first.
type pendingSet struct {
	mu      sync.Mutex
	waiters map[string]chan reply
}

// add registers key and returns its waiter. The channel is buffered so
// resolving never blocks on a caller that has already given up.
func (p *pendingSet) add(key string) <-chan reply {
	ch := make(chan reply, 1)
	p.mu.Lock()
	if p.waiters == nil {
		p.waiters = make(map[string]chan reply)
	}
	p.waiters[key] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers r to the waiter for key and removes it. It reports
// false if no such waiter exists (late or unsolicited response).
func (p *pendingSet) resolve(key string, r reply) bool {
	p.mu.Lock()
	ch, ok := p.waiters[key]
	delete(p.waiters, key)
	p.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

// remove drops the waiter for key without resolving it.
func (p *pendingSet) remove(key string) {
	p.mu.Lock()
	delete(p.waiters, key)
	p.mu.Unlock()
}

// failAll resolves every waiter with err and empties the set. It
// returns the number of waiters failed.
func (p *pendingSet) failAll(err error) int {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- reply{err: err}
	}
	return len(waiters)
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
