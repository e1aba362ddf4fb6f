package media

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"time"

	"github.com/dkeye/peershare/internal/periodic"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// drawInterval paces the redraw loop at display refresh rate.
const drawInterval = time.Second / 60

// Raster redraws a full-fidelity source into an off-screen surface of a
// controlled size and emits copies of it at a controlled frame rate. Size
// and rate change without touching the source capture.
type Raster struct {
	src   FrameReader
	limit Resolution

	mu      sync.RWMutex
	surface *image.RGBA
	fps     int
	drawn   bool
	ctx     context.Context
	drawer  *periodic.Task
	emitter *periodic.Task

	// scratch is only touched by the draw loop
	scratch *image.RGBA

	track    *rasterTrack
	stream   *BasicStream
	ended    chan struct{}
	endOnce  sync.Once
	stopOnce sync.Once
}

type RasterOption func(*Raster)

// WithSurfaceLimit caps the surface size. Larger resolutions are scaled
// down to fit, keeping their aspect ratio. A zero limit means no cap.
func WithSurfaceLimit(limit Resolution) RasterOption {
	return func(r *Raster) { r.limit = limit }
}

func NewRaster(src FrameReader, res Resolution, fps int, opts ...RasterOption) *Raster {
	r := &Raster{
		src:   src,
		fps:   max(1, fps),
		ended: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.surface = newSurface(res.Fit(r.limit))
	r.track = &rasterTrack{
		id:     "screen_" + uuid.NewString(),
		frames: make(chan *image.RGBA, 1),
		done:   make(chan struct{}),
	}
	r.stream = NewStream("screen_stream_"+uuid.NewString(), r.track)
	return r
}

// Start launches the draw and emit loops. They run until Stop or ctx ends.
func (r *Raster) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	r.drawer = periodic.Start(ctx, drawInterval, r.drawOnce)
	r.emitter = periodic.Start(ctx, frameInterval(r.fps), r.emitOnce)
}

func (r *Raster) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		drawer, emitter := r.drawer, r.emitter
		r.drawer, r.emitter = nil, nil
		r.mu.Unlock()

		drawer.Stop()
		emitter.Stop()
		r.end()
		r.track.Stop()
	})
}

// Ended is closed once the raster stops producing frames, either through
// Stop or because the source ended.
func (r *Raster) Ended() <-chan struct{} { return r.ended }

func (r *Raster) Stream() Stream { return r.stream }

func (r *Raster) Track() Track { return r.track }

// Resolution is the surface size, after the limit is applied.
func (r *Raster) Resolution() Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.surface.Bounds()
	return Resolution{Width: b.Dx(), Height: b.Dy()}
}

func (r *Raster) FrameRate() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fps
}

// SetResolution swaps the surface. The next drawn frame fills it.
func (r *Raster) SetResolution(res Resolution) {
	if res.Width <= 0 || res.Height <= 0 {
		return
	}
	res = res.Fit(r.limit)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.surface.Bounds().Dx() == res.Width && r.surface.Bounds().Dy() == res.Height {
		return
	}
	r.surface = newSurface(res)
	r.drawn = false
}

// SetFrameRate restarts the emit loop at the new rate.
func (r *Raster) SetFrameRate(fps int) {
	fps = max(1, fps)
	r.mu.Lock()
	if r.fps == fps {
		r.mu.Unlock()
		return
	}
	r.fps = fps
	old := r.emitter
	r.emitter = nil
	ctx := r.ctx
	r.mu.Unlock()

	old.Stop()
	if ctx == nil {
		return
	}
	select {
	case <-r.ended:
		return
	default:
	}
	task := periodic.Start(ctx, frameInterval(fps), r.emitOnce)
	r.mu.Lock()
	if r.emitter != nil {
		// a concurrent SetFrameRate won
		r.mu.Unlock()
		task.Stop()
		return
	}
	r.emitter = task
	r.mu.Unlock()
}

// drawOnce scales the next source frame into scratch without holding the
// lock, then swaps scratch and surface. A resize that lands mid-scale
// discards the frame.
func (r *Raster) drawOnce(ctx context.Context) {
	select {
	case <-r.ended:
		return
	default:
	}
	frame, err := r.src.ReadFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			log.Info().Str("module", "media").Msg("screen source ended")
			r.end()
			return
		}
		log.Debug().Err(err).Str("module", "media").Msg("screen frame read failed")
		return
	}
	if frame == nil {
		return
	}

	r.mu.RLock()
	bounds := r.surface.Bounds()
	r.mu.RUnlock()
	if r.scratch == nil || r.scratch.Bounds() != bounds {
		r.scratch = image.NewRGBA(bounds)
	}
	draw.ApproxBiLinear.Scale(r.scratch, bounds, frame, frame.Bounds(), draw.Src, nil)

	r.mu.Lock()
	if r.surface.Bounds() == bounds {
		r.surface, r.scratch = r.scratch, r.surface
		r.drawn = true
	}
	r.mu.Unlock()
}

func (r *Raster) emitOnce(context.Context) {
	if !r.track.Enabled() {
		return
	}
	r.mu.RLock()
	if !r.drawn {
		r.mu.RUnlock()
		return
	}
	out := r.track.buffer(r.surface.Bounds())
	copy(out.Pix, r.surface.Pix)
	r.mu.RUnlock()

	r.track.publish(out)
}

func (r *Raster) end() {
	r.endOnce.Do(func() { close(r.ended) })
}

func newSurface(res Resolution) *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, res.Width, res.Height))
}

func frameInterval(fps int) time.Duration {
	return time.Second / time.Duration(max(1, fps))
}

// rasterTrack is the synthetic video track fed by the emit loop. Only the
// latest frame is kept for a slow reader. A frame returned by ReadFrame
// stays valid until the next ReadFrame call; after that its buffer is
// reused for a later frame.
type rasterTrack struct {
	TrackState
	id     string
	frames chan *image.RGBA
	done   chan struct{}

	mu   sync.Mutex
	free []*image.RGBA
	held *image.RGBA
}

// maxFreeFrames bounds the recycled buffers: one queued, one held by the
// reader and one being filled are all that can be live.
const maxFreeFrames = 2

func (t *rasterTrack) ID() string { return t.id }
func (t *rasterTrack) Kind() Kind { return KindVideo }

func (t *rasterTrack) Stop() {
	if t.MarkStopped() {
		close(t.done)
	}
}

func (t *rasterTrack) ReadFrame(ctx context.Context) (image.Image, error) {
	select {
	case f := <-t.frames:
		t.mu.Lock()
		t.recycleLocked(t.held)
		t.held = f
		t.mu.Unlock()
		return f, nil
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// buffer hands out a recycled frame of the given bounds, or a new one.
func (t *rasterTrack) buffer(bounds image.Rectangle) *image.RGBA {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.free) > 0 {
		f := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		if f.Bounds() == bounds {
			return f
		}
	}
	return image.NewRGBA(bounds)
}

func (t *rasterTrack) recycleLocked(f *image.RGBA) {
	if f != nil && len(t.free) < maxFreeFrames {
		t.free = append(t.free, f)
	}
}

func (t *rasterTrack) publish(f *image.RGBA) {
	if t.Stopped() {
		return
	}
	select {
	case t.frames <- f:
		return
	default:
	}
	select {
	case dropped := <-t.frames:
		t.mu.Lock()
		t.recycleLocked(dropped)
		t.mu.Unlock()
	default:
	}
	select {
	case t.frames <- f:
	default:
		t.mu.Lock()
		t.recycleLocked(f)
		t.mu.Unlock()
	}
}
