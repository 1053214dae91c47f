package ffengine

import (
	"sync"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine"
)

// Surface is the render target for ffmpeg engines. ffmpeg decodes to a null
// sink, so the surface only tracks which engine owns it and that engine's
// dropped frame counter. The counter survives ffmpeg restarts within one
// engine and starts over for each new owner.
type Surface struct {
	mu      sync.Mutex
	owner   string
	dropped int64
}

func NewSurface() *Surface {
	return &Surface{}
}

// Attach binds the surface to owner and clears the dropped-frame counter.
// Binding to a second owner fails with engine.ErrTargetInUse until the first
// releases it. Re-attaching the current owner keeps the counter.
func (s *Surface) Attach(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == owner {
		return nil
	}
	if s.owner != "" {
		return engine.ErrTargetInUse
	}
	s.owner = owner
	s.dropped = 0
	return nil
}

// Release unbinds owner. Releasing a surface owned by someone else is a
// no-op.
func (s *Surface) Release(owner string) {
	s.mu.Lock()
	if s.owner == owner {
		s.owner = ""
	}
	s.mu.Unlock()
}

func (s *Surface) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// AddDropped adds n to the dropped-frame counter.
func (s *Surface) AddDropped(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.dropped += n
	s.mu.Unlock()
}

// DroppedFrames implements engine.RenderTarget.
func (s *Surface) DroppedFrames() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped, nil
}

var _ engine.BoundTarget = (*Surface)(nil)
