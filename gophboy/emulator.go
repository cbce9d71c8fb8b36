package gophboy

import (
	"github.com/arlojanssen/gophboy/debug"
	"github.com/arlojanssen/gophboy/input/action"
	"github.com/arlojanssen/gophboy/timing"
	"github.com/arlojanssen/gophboy/video"
)

// Emulator is the interface for all emulator implementations
type Emulator interface {
	RunUntilFrame() error
	GetCurrentFrame() *video.FrameBuffer
	HandleAction(act action.Action, pressed bool)
	ExtractDebugData() *debug.CompleteDebugData
	SetFrameLimiter(limiter timing.Limiter)
	ResetFrameTiming()
}

var _ Emulator = (*Machine)(nil)
