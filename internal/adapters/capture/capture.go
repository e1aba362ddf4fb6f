// Package capture implements media.Capture on pion/mediadevices. Drivers
// (camera, microphone, screen) are registered by the binary through blank
// imports.
package capture

import (
	"context"
	"fmt"

	"github.com/dkeye/peershare/internal/media"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"
)

type mediaFunc func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)

type Devices struct {
	userMedia    mediaFunc
	displayMedia mediaFunc
	enumerate    func() []mediadevices.MediaDeviceInfo
	codecs       *mediadevices.CodecSelector
}

type Option func(*Devices)

// WithCodecSelector sets the encoders used when captured tracks are sent
// over a peer connection. Without one, tracks are local only and calls
// negotiate receive-only.
func WithCodecSelector(s *mediadevices.CodecSelector) Option {
	return func(d *Devices) { d.codecs = s }
}

func NewDevices(opts ...Option) *Devices {
	d := &Devices{
		userMedia:    mediadevices.GetUserMedia,
		displayMedia: mediadevices.GetDisplayMedia,
		enumerate:    mediadevices.EnumerateDevices,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ListDevices reports the cameras and microphones of the registered drivers.
func (d *Devices) ListDevices(ctx context.Context) ([]media.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos := d.enumerate()
	out := make([]media.Device, 0, len(infos))
	for _, info := range infos {
		var kind media.Kind
		switch info.Kind {
		case mediadevices.VideoInput:
			kind = media.KindVideo
		case mediadevices.AudioInput:
			kind = media.KindAudio
		default:
			continue
		}
		out = append(out, media.Device{ID: info.DeviceID, Kind: kind, Label: info.Label})
	}
	log.Debug().Str("module", "adapters.capture").Int("devices", len(out)).Msg("devices enumerated")
	return out, nil
}

func (d *Devices) GetLocalMedia(ctx context.Context, c media.Constraints) (media.Stream, error) {
	return d.acquire(ctx, "user", d.userMedia, c)
}

func (d *Devices) GetDisplayMedia(ctx context.Context, c media.Constraints) (media.Stream, error) {
	return d.acquire(ctx, "display", d.displayMedia, c)
}

// ApplyConstraints resizes and rate-limits frames of a video track acquired
// here. Other tracks return media.ErrUnsupportedTrack.
func (d *Devices) ApplyConstraints(_ context.Context, t media.Track, c media.VideoConstraints) error {
	tr, ok := t.(*track)
	if !ok || tr.Kind() != media.KindVideo {
		return media.ErrUnsupportedTrack
	}
	tr.apply(c)
	return nil
}

func (d *Devices) acquire(ctx context.Context, source string, get mediaFunc, c media.Constraints) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msc := streamConstraints(c)
	msc.Codec = d.codecs

	ms, err := get(msc)
	if err != nil {
		return nil, fmt.Errorf("get %s media: %w", source, err)
	}

	stream := media.NewStream("stream_" + uuid.NewString())
	for _, t := range ms.GetTracks() {
		kind := media.Kind(t.Kind().String())
		var reader frameSource
		if kind == media.KindVideo {
			if vt, ok := t.(interface{ NewReader(bool) video.Reader }); ok {
				reader = vt.NewReader(false)
			}
		}
		tr := newTrack(t, kind, reader)
		tr.sendable = d.codecs != nil
		if kind == media.KindVideo && c.Video != nil {
			tr.apply(*c.Video)
		}
		stream.Add(tr)
	}
	log.Info().Str("module", "adapters.capture").Str("source", source).Str("stream_id", stream.ID()).
		Int("tracks", len(stream.Tracks())).Msg("media acquired")
	return stream, nil
}

func streamConstraints(c media.Constraints) mediadevices.MediaStreamConstraints {
	msc := mediadevices.MediaStreamConstraints{}
	if c.Audio {
		audioDevice := c.AudioDevice
		msc.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if audioDevice != "" {
				mc.DeviceID = prop.StringExact(audioDevice)
			}
		}
	}
	if c.Video != nil {
		msc.Video = videoOption(*c.Video, c.VideoDevice)
	}
	return msc
}

func videoOption(vc media.VideoConstraints, deviceID string) func(*mediadevices.MediaTrackConstraints) {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.StringExact(deviceID)
		}
		if vc.Width.Ideal > 0 {
			c.Width = prop.Int(vc.Width.Ideal)
		}
		if vc.Height.Ideal > 0 {
			c.Height = prop.Int(vc.Height.Ideal)
		}
		if vc.FrameRate.Ideal > 0 {
			c.FrameRate = prop.Float(float64(vc.FrameRate.Ideal))
		}
	}
}
