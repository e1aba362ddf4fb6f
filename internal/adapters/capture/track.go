package capture

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/dkeye/peershare/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// frameSource matches mediadevices' video.Reader.
type frameSource interface {
	Read() (img image.Image, release func(), err error)
}

type sourceTrack interface {
	ID() string
	Close() error
}

// track wraps a device track. Video frames are copied out of the driver
// buffer, scaled to the applied size and thinned to the applied rate.
type track struct {
	media.TrackState
	src    sourceTrack
	kind   media.Kind
	reader frameSource
	now    func() time.Time
	// sendable is set when the stream was acquired with an encoder
	sendable bool

	mu   sync.Mutex
	size media.Resolution
	fps  int
	last time.Time
}

func newTrack(src sourceTrack, kind media.Kind, reader frameSource) *track {
	return &track{src: src, kind: kind, reader: reader, now: time.Now}
}

func (t *track) ID() string      { return t.src.ID() }
func (t *track) Kind() media.Kind { return t.kind }

// TrackLocal exposes the device track for sending when the driver track
// is RTP capable and an encoder was configured for it.
func (t *track) TrackLocal() (webrtc.TrackLocal, bool) {
	if !t.sendable {
		return nil, false
	}
	tl, ok := t.src.(webrtc.TrackLocal)
	return tl, ok
}

func (t *track) Stop() {
	if !t.MarkStopped() {
		return
	}
	if err := t.src.Close(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.capture").Str("track_id", t.ID()).Msg("track close failed")
	}
}

func (t *track) apply(c media.VideoConstraints) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.size = media.Resolution{Width: bounded(c.Width), Height: bounded(c.Height)}
	t.fps = bounded(c.FrameRate)
}

func (t *track) constraints() (media.Resolution, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size, t.fps
}

// ReadFrame returns the next frame that fits the applied rate. A disabled
// track yields black frames of the same size.
func (t *track) ReadFrame(ctx context.Context) (image.Image, error) {
	if t.reader == nil {
		return nil, media.ErrUnsupportedTrack
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.Stopped() {
			return nil, io.EOF
		}
		img, release, err := t.reader.Read()
		if err != nil {
			return nil, err
		}
		size, fps := t.constraints()
		if !t.due(fps) {
			if release != nil {
				release()
			}
			continue
		}
		out := t.copyFrame(img, size)
		if release != nil {
			release()
		}
		return out, nil
	}
}

func (t *track) due(fps int) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if fps > 0 && !t.last.IsZero() && now.Sub(t.last) < time.Second/time.Duration(fps) {
		return false
	}
	t.last = now
	return true
}

func (t *track) copyFrame(img image.Image, size media.Resolution) *image.RGBA {
	b := img.Bounds()
	if size.Width <= 0 || size.Height <= 0 {
		size = media.Resolution{Width: b.Dx(), Height: b.Dy()}
	}
	out := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	if !t.Enabled() {
		return out
	}
	if size.Width == b.Dx() && size.Height == b.Dy() {
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
	draw.ApproxBiLinear.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

// bounded picks the ideal value, capped by max when both are set.
func bounded(r media.IntRange) int {
	if r.Max > 0 && (r.Ideal <= 0 || r.Ideal > r.Max) {
		return r.Max
	}
	return r.Ideal
}
