// Package effects provides the background effect processors.
package effects

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"

	"github.com/dkeye/televisit/internal/core"
)

// Blur softens the frame by scaling it down and back up. Factor is the
// downscale divisor; larger means blurrier.
type Blur struct {
	Factor int
	closed atomic.Bool
}

var _ core.FrameProcessor = (*Blur)(nil)

func (b *Blur) Process(img image.Image) image.Image {
	if b.closed.Load() || b.Factor <= 1 {
		return img
	}
	bounds := img.Bounds()
	w, h := bounds.Dx()/b.Factor, bounds.Dy()/b.Factor
	if w < 1 || h < 1 {
		return img
	}
	small := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, bounds, draw.Src, nil)
	out := image.NewRGBA(bounds)
	draw.BiLinear.Scale(out, bounds, small, small.Bounds(), draw.Src, nil)
	return out
}

func (b *Blur) Close() { b.closed.Store(true) }

// Loader builds processors for background modes.
type Loader struct {
	LightFactor int
	FullFactor  int
}

func NewLoader() *Loader {
	return &Loader{LightFactor: 4, FullFactor: 12}
}

var _ core.EffectLoader = (*Loader)(nil)

// Load returns nil for BackgroundNone.
func (l *Loader) Load(ctx context.Context, mode core.BackgroundMode) (core.FrameProcessor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var factor int
	switch mode {
	case core.BackgroundNone:
		return nil, nil
	case core.BackgroundLightBlur:
		factor = l.LightFactor
	case core.BackgroundFullBlur:
		factor = l.FullFactor
	default:
		return nil, fmt.Errorf("effects: unknown background mode %q", mode)
	}
	log.Debug().Str("module", "adapters.effects").Str("mode", string(mode)).Int("factor", factor).Msg("effect loaded")
	return &Blur{Factor: factor}, nil
}
