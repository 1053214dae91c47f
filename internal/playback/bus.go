package playback

import (
	"sync"
	"sync/atomic"
)

// bus fans updates out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses that update.
type bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

func newBus() *bus {
	return &bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives controller updates until Close is called.
type Subscription struct {
	b    *bus
	ch   chan Update
	once sync.Once
}

// C returns the update channel. It is closed by Close.
func (s *Subscription) C() <-chan Update {
	return s.ch
}

// Close detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		close(s.ch)
		s.b.mu.Unlock()
	})
}

func (b *bus) subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	s := &Subscription{b: b, ch: make(chan Update, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *bus) publish(u Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- u:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) closeAll() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
