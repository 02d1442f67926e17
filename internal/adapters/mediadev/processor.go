package mediadev

import (
	"image"
	"sync/atomic"

	"github.com/pion/mediadevices/pkg/io/video"

	"github.com/dkeye/televisit/internal/core"
)

type procBox struct{ p core.FrameProcessor }

// switchProcessor sits in the video pipeline for the life of a track so
// effects can be swapped without reopening the camera.
type switchProcessor struct {
	v atomic.Pointer[procBox]
}

func (s *switchProcessor) Set(p core.FrameProcessor) {
	if p == nil {
		s.v.Store(nil)
		return
	}
	s.v.Store(&procBox{p: p})
}

func (s *switchProcessor) transform(r video.Reader) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil {
			return nil, func() {}, err
		}
		box := s.v.Load()
		if box == nil {
			return img, release, nil
		}
		out := box.p.Process(img)
		if release != nil {
			release()
		}
		return out, func() {}, nil
	})
}
