package rtc

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/televisit/internal/core"
)

// PacketSource is implemented by capture tracks that can be read as RTP.
type PacketSource interface {
	Codec() webrtc.RTPCodecCapability
	NewPacketReader(ssrc uint32, mtu int) (PacketReader, error)
}

type PacketReader interface {
	ReadPackets() ([]*rtp.Packet, error)
	Close() error
}

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// outTrack is one published local track and its RTP pump.
type outTrack struct {
	src     core.LocalTrack
	rtp     *webrtc.TrackLocalStaticRTP
	sender  *webrtc.RTPSender
	state   atomic.Int32 // Zero by default (TrackStateOk)
	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func defaultCodec(kind core.TrackKind) webrtc.RTPCodecCapability {
	if kind == core.KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func newOutTrack(src core.LocalTrack) (*outTrack, error) {
	codec := defaultCodec(src.Kind())
	if ps, ok := src.(PacketSource); ok {
		codec = ps.Codec()
	}
	t, err := webrtc.NewTrackLocalStaticRTP(codec, src.ID(), "televisit")
	if err != nil {
		return nil, err
	}
	ot := &outTrack{src: src, rtp: t}
	if !src.IsEnabled() {
		ot.MarkMuted()
	}
	return ot, nil
}

func (ot *outTrack) GetState() TrackState { return TrackState(ot.state.Load()) }
func (ot *outTrack) MarkOk()              { ot.state.Store(int32(TrackStateOk)) }
func (ot *outTrack) MarkMuted()           { ot.state.Store(int32(TrackStateMuted)) }
func (ot *outTrack) MarkDelete()          { ot.state.Store(int32(TrackStateDelete)) }

func (ot *outTrack) ssrc() uint32 {
	if ot.sender == nil {
		return 0
	}
	enc := ot.sender.GetParameters().Encodings
	if len(enc) == 0 {
		return 0
	}
	return uint32(enc[0].SSRC)
}

// syncEnabled folds the source's enabled flag into the state and reports a
// change.
func (ot *outTrack) syncEnabled() (enabled, changed bool) {
	enabled = ot.src.IsEnabled()
	switch st := ot.GetState(); {
	case st == TrackStateDelete:
		return enabled, false
	case enabled && st == TrackStateMuted:
		ot.MarkOk()
		return true, true
	case !enabled && st == TrackStateOk:
		ot.MarkMuted()
		return false, true
	}
	return enabled, false
}

// pump reads RTP from the source and writes it to the peer until ctx is done
// or either side fails. onToggle runs when the source was muted or unmuted.
func (ot *outTrack) pump(ctx context.Context, mtu int, logger *zerolog.Logger, onToggle func(enabled bool)) {
	ps, ok := ot.src.(PacketSource)
	if !ok {
		logger.Warn().Str("track", ot.src.ID()).Msg("track has no packet source")
		return
	}
	reader, err := ps.NewPacketReader(ot.ssrc(), mtu)
	if err != nil {
		logger.Error().Err(err).Str("track", ot.src.ID()).Msg("open packet reader")
		ot.MarkDelete()
		return
	}
	defer reader.Close()

	for {
		select {
		case <-ctx.Done():
			ot.MarkDelete()
			return
		default:
		}
		pkts, err := reader.ReadPackets()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error().Err(err).Str("track", ot.src.ID()).Msg("read RTP error, stopping")
			}
			ot.MarkDelete()
			return
		}
		if enabled, changed := ot.syncEnabled(); changed && onToggle != nil {
			onToggle(enabled)
		}

		switch ot.GetState() {
		case TrackStateDelete:
			return
		case TrackStateMuted:
			continue
		}
		for _, pkt := range pkts {
			if err := ot.rtp.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("track", ot.src.ID()).Msg("write RTP error, marking track as delete")
				ot.MarkDelete()
				return
			}
		}
	}
}

func (ot *outTrack) stop() {
	ot.MarkDelete()
	if ot.cancel != nil {
		ot.cancel()
	}
}
