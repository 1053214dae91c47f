package playback

import (
	"sync"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine"
)

// session is one engine bound to one manifest. Every callback registered on
// the engine goes through guard, so nothing from a torn-down session can
// reach the controller even if the engine keeps emitting.
type session struct {
	id  uint64
	url string
	eng engine.Engine

	subs []engine.Subscription

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	polling  bool

	detachOnce sync.Once
	resetOnce  sync.Once
}

func newSession(id uint64, url string, eng engine.Engine) *session {
	return &session{
		id:   id,
		url:  url,
		eng:  eng,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// enter registers an in-flight callback. It returns false once the session
// is closed.
func (s *session) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *session) exit() {
	s.inflight.Done()
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// guard wraps fn so it only runs while the session is open.
func (s *session) guard(fn func(*session, engine.Event)) engine.Handler {
	return func(ev engine.Event) {
		if !s.enter() {
			return
		}
		defer s.exit()
		fn(s, ev)
	}
}

// startPolling runs c.tick on every tick until shutdown or tick returns
// false.
func (s *session) startPolling(c *Controller) {
	s.mu.Lock()
	s.polling = true
	s.mu.Unlock()

	ticker := c.cfg.NewTicker(c.cfg.PollInterval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C():
				if !s.enter() {
					return
				}
				ok := c.tick(s)
				s.exit()
				if !ok {
					return
				}
			}
		}
	}()
}

// shutdown closes the session and stops the poll goroutine, waiting for it
// to exit.
func (s *session) shutdown() {
	s.close()
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	polling := s.polling
	s.mu.Unlock()
	if polling {
		<-s.done
	}
}

// detach unsubscribes every handler and waits for callbacks already running.
func (s *session) detach() {
	s.detachOnce.Do(func() {
		s.close()
		for _, sub := range s.subs {
			if sub != nil {
				sub.Unsubscribe()
			}
		}
		s.inflight.Wait()
	})
}
