package snapshot

import (
	"sync"
)

type subCh = chan string // carries new ETags

// Notifier fans snapshot changes out to subscribers.
type Notifier struct {
	mu   *sync.Mutex
	subs map[subCh]struct{}
}

func newNotifier() Notifier {
	return Notifier{mu: &sync.Mutex{}, subs: make(map[subCh]struct{})}
}

// Subscribe registers a listener and returns its channel and an unsubscribe func.
func (n Notifier) Subscribe() (<-chan string, func()) {
	ch := make(subCh, 1)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, ch)
			close(ch)
			n.mu.Unlock()
		})
	}
	return ch, unsub
}

// publishUpdate notifies all listeners (non-blocking).
func (n Notifier) publishUpdate(etag string) {
	n.mu.Lock()
	for ch := range n.subs {
		select {
		case ch <- etag:
		default: // if a listener is slow, skip instead of blocking
		}
	}
	n.mu.Unlock()
}
