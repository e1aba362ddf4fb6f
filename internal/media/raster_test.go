package media

import (
	"context"
	"image"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFrame(t *testing.T, r FrameReader) image.Image {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := r.ReadFrame(ctx)
	require.NoError(t, err)
	return f
}

func TestRasterScalesIntoSurface(t *testing.T) {
	src := newFrameTrack("src", 100, 50)
	r := NewRaster(src, Resolution{Width: 20, Height: 10}, 100)
	r.Start(context.Background())
	defer r.Stop()

	out, ok := r.Track().(FrameReader)
	require.True(t, ok)
	f := readFrame(t, out)
	assert.Equal(t, image.Rect(0, 0, 20, 10), f.Bounds())
	red, _, _, alpha := f.At(10, 5).RGBA()
	assert.Equal(t, uint32(0xffff), red)
	assert.Equal(t, uint32(0xffff), alpha)

	r.SetResolution(Resolution{Width: 8, Height: 4})
	assert.Equal(t, Resolution{Width: 8, Height: 4}, r.Resolution())
	assert.Eventually(t, func() bool {
		return readFrame(t, out).Bounds() == image.Rect(0, 0, 8, 4)
	}, time.Second, time.Millisecond)
}

func TestRasterFrameRateChange(t *testing.T) {
	r := NewRaster(newFrameTrack("src", 16, 16), Resolution{Width: 16, Height: 16}, 50)
	r.Start(context.Background())
	defer r.Stop()

	r.SetFrameRate(200)
	assert.Equal(t, 200, r.FrameRate())
	readFrame(t, r.Track().(FrameReader))

	r.SetFrameRate(0)
	assert.Equal(t, 1, r.FrameRate())
}

func TestRasterStopEndsTrack(t *testing.T) {
	r := NewRaster(newFrameTrack("src", 16, 16), Resolution{Width: 16, Height: 16}, 100)
	r.Start(context.Background())
	r.Stop()
	r.Stop()

	select {
	case <-r.Ended():
	default:
		t.Fatal("raster not ended after Stop")
	}
	_, err := r.Track().(FrameReader).ReadFrame(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestRasterEndsWithSource(t *testing.T) {
	src := newFrameTrack("src", 16, 16)
	r := NewRaster(src, Resolution{Width: 16, Height: 16}, 100)
	r.Start(context.Background())
	defer r.Stop()

	src.ended.Store(true)
	select {
	case <-r.Ended():
	case <-time.After(time.Second):
		t.Fatal("raster did not notice the source ending")
	}
}

func TestRasterDisabledTrackEmitsNothing(t *testing.T) {
	r := NewRaster(newFrameTrack("src", 16, 16), Resolution{Width: 16, Height: 16}, 100)
	r.Track().SetEnabled(false)
	r.Start(context.Background())
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Track().(FrameReader).ReadFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRasterSurfaceLimit(t *testing.T) {
	r := NewRaster(newFrameTrack("src", 32, 18), ScreenHigh, 100, WithSurfaceLimit(Resolution{Width: 64, Height: 64}))
	assert.Equal(t, Resolution{Width: 64, Height: 36}, r.Resolution())

	r.SetResolution(ScreenLow)
	assert.Equal(t, Resolution{Width: 64, Height: 35}, r.Resolution())

	r.SetResolution(Resolution{Width: 16, Height: 9})
	assert.Equal(t, Resolution{Width: 16, Height: 9}, r.Resolution(), "sizes under the cap are kept")
}

func TestRasterRecyclesReleasedFrames(t *testing.T) {
	r := NewRaster(newFrameTrack("src", 16, 16), Resolution{Width: 16, Height: 16}, 200)
	r.Start(context.Background())
	defer r.Stop()
	out := r.Track().(FrameReader)

	seen := make(map[*image.RGBA]struct{})
	for range 50 {
		f, ok := readFrame(t, out).(*image.RGBA)
		require.True(t, ok)
		seen[f] = struct{}{}
	}
	assert.LessOrEqual(t, len(seen), maxFreeFrames+2)
}

func TestResolutionFit(t *testing.T) {
	limit := Resolution{Width: 1280, Height: 720}
	assert.Equal(t, Resolution{Width: 1280, Height: 720}, ScreenHigh.Fit(limit))
	assert.Equal(t, ScreenLow, ScreenLow.Fit(limit))
	assert.Equal(t, ScreenHigh, ScreenHigh.Fit(Resolution{}))
	assert.Equal(t, Resolution{Width: 1, Height: 1}, Resolution{Width: 1000, Height: 1000}.Fit(Resolution{Width: 1, Height: 1}))
}
