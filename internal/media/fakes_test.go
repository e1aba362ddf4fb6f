package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeTrack struct {
	TrackState
	id   string
	kind Kind
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() Kind { return t.kind }
func (t *fakeTrack) Stop()      { t.MarkStopped() }

// frameTrack serves a solid frame until ended.
type frameTrack struct {
	fakeTrack
	size  image.Rectangle
	fill  color.RGBA
	ended atomic.Bool
}

func newFrameTrack(id string, w, h int) *frameTrack {
	return &frameTrack{
		fakeTrack: fakeTrack{id: id, kind: KindVideo},
		size:      image.Rect(0, 0, w, h),
		fill:      color.RGBA{R: 255, A: 255},
	}
}

func (t *frameTrack) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.ended.Load() || t.Stopped() {
		return nil, io.EOF
	}
	img := image.NewRGBA(t.size)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = t.fill.R, t.fill.G, t.fill.B, t.fill.A
	}
	return img, nil
}

type fakeCapture struct {
	mu           sync.Mutex
	localCalls   int
	displayCalls int
	localErr     error
	displayErr   error
	applyErr     error
	applied      []VideoConstraints
	lastLocal    Constraints
	display      *BasicStream
	screen       *frameTrack
	devices      []Device
	devicesErr   error
}

func (f *fakeCapture) ListDevices(context.Context) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devicesErr != nil {
		return nil, f.devicesErr
	}
	return append([]Device(nil), f.devices...), nil
}

func (f *fakeCapture) GetLocalMedia(_ context.Context, c Constraints) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localCalls++
	f.lastLocal = c
	if f.localErr != nil {
		return nil, f.localErr
	}
	return NewStream(fmt.Sprintf("local_%d", f.localCalls),
		&fakeTrack{id: "mic", kind: KindAudio},
		&fakeTrack{id: "cam", kind: KindVideo},
	), nil
}

func (f *fakeCapture) GetDisplayMedia(context.Context, Constraints) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displayCalls++
	if f.displayErr != nil {
		return nil, f.displayErr
	}
	f.screen = newFrameTrack("display", 64, 36)
	f.display = NewStream("display", f.screen)
	return f.display, nil
}

func (f *fakeCapture) ApplyConstraints(_ context.Context, _ Track, c VideoConstraints) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakeCapture) appliedConstraints() []VideoConstraints {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]VideoConstraints(nil), f.applied...)
}
