package ffengine

import (
	"errors"
	"testing"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine"
)

func TestSurface_ExclusiveAttach(t *testing.T) {
	s := NewSurface()

	if err := s.Attach("engine-1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Attach("engine-1"); err != nil {
		t.Errorf("re-Attach by owner: %v", err)
	}
	if err := s.Attach("engine-2"); !errors.Is(err, engine.ErrTargetInUse) {
		t.Errorf("Attach by second owner = %v, want ErrTargetInUse", err)
	}

	s.Release("engine-2")
	if s.Owner() != "engine-1" {
		t.Errorf("Release by non-owner changed owner to %q", s.Owner())
	}

	s.Release("engine-1")
	if err := s.Attach("engine-2"); err != nil {
		t.Errorf("Attach after release: %v", err)
	}
}

func TestSurface_DroppedFramesPerOwner(t *testing.T) {
	s := NewSurface()
	_ = s.Attach("engine-1")
	s.AddDropped(3)
	s.AddDropped(-5)

	// Re-attaching the same owner keeps the count.
	_ = s.Attach("engine-1")
	if n, _ := s.DroppedFrames(); n != 3 {
		t.Errorf("DroppedFrames() after re-attach = %d, want 3", n)
	}

	s.Release("engine-1")
	if n, _ := s.DroppedFrames(); n != 3 {
		t.Errorf("DroppedFrames() after release = %d, want 3", n)
	}

	_ = s.Attach("engine-2")
	if n, _ := s.DroppedFrames(); n != 0 {
		t.Errorf("DroppedFrames() for new owner = %d, want 0", n)
	}
	s.AddDropped(2)

	if n, err := s.DroppedFrames(); err != nil || n != 2 {
		t.Errorf("DroppedFrames() = %d, %v; want 2", n, err)
	}
}
