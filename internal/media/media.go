// Package media holds the adaptive media controller and the capture
// capabilities it drives.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
)

var (
	ErrUnsupportedTrack = errors.New("track does not support this operation")
	ErrFPSOutOfRange    = errors.New("fps out of range")
	ErrInvalidFPSConfig = errors.New("invalid fps config")
	ErrUnknownDevice    = errors.New("unknown device")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a single capture or synthetic media track.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// FrameReader is implemented by video tracks that expose decoded frames.
type FrameReader interface {
	ReadFrame(ctx context.Context) (image.Image, error)
}

type Stream interface {
	ID() string
	Tracks() []Track
	Stop()
}

type Resolution struct {
	Width  int `mapstructure:"width" json:"width"`
	Height int `mapstructure:"height" json:"height"`
}

// Fit scales r down to fit inside limit, keeping the aspect ratio. A limit
// with a zero side leaves r unchanged.
func (r Resolution) Fit(limit Resolution) Resolution {
	if limit.Width <= 0 || limit.Height <= 0 || (r.Width <= limit.Width && r.Height <= limit.Height) {
		return r
	}
	if limit.Width*r.Height <= limit.Height*r.Width {
		return Resolution{Width: limit.Width, Height: max(1, r.Height*limit.Width/r.Width)}
	}
	return Resolution{Width: max(1, r.Width*limit.Height/r.Height), Height: limit.Height}
}

func (r Resolution) String() string { return fmt.Sprintf("%dx%d", r.Width, r.Height) }

// Label is the short vertical-resolution name, e.g. "720p".
func (r Resolution) Label() string { return fmt.Sprintf("%dp", r.Height) }

// IntRange is a constraint with an ideal and an upper bound. Zero means unset.
type IntRange struct {
	Ideal int `json:"ideal,omitempty"`
	Max   int `json:"max,omitempty"`
}

type VideoConstraints struct {
	Width     IntRange `json:"width"`
	Height    IntRange `json:"height"`
	FrameRate IntRange `json:"frameRate"`
}

// Constraints select what a capture call acquires. A nil Video means audio
// only. Empty device ids let the capture layer pick.
type Constraints struct {
	Audio       bool
	Video       *VideoConstraints
	AudioDevice string
	VideoDevice string
}

// Device is a capture input that can be selected by id.
type Device struct {
	ID    string `json:"deviceId"`
	Kind  Kind   `json:"kind"`
	Label string `json:"label"`
}

// Capture is the device layer: camera, microphone and display capture.
type Capture interface {
	ListDevices(ctx context.Context) ([]Device, error)
	GetLocalMedia(ctx context.Context, c Constraints) (Stream, error)
	GetDisplayMedia(ctx context.Context, c Constraints) (Stream, error)
	ApplyConstraints(ctx context.Context, t Track, c VideoConstraints) error
}

// FirstTrack returns the first track of kind k in s, or nil.
func FirstTrack(s Stream, k Kind) Track {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks() {
		if t.Kind() == k {
			return t
		}
	}
	return nil
}

// BasicStream is a fixed set of tracks under one id.
type BasicStream struct {
	id     string
	mu     sync.Mutex
	tracks []Track
}

func NewStream(id string, tracks ...Track) *BasicStream {
	return &BasicStream{id: id, tracks: tracks}
}

func (s *BasicStream) ID() string { return s.id }

func (s *BasicStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Add appends t unless a track with the same id is already present.
func (s *BasicStream) Add(t Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.tracks {
		if have.ID() == t.ID() {
			return false
		}
	}
	s.tracks = append(s.tracks, t)
	return true
}

func (s *BasicStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// TrackState carries the enabled and stopped flags shared by track
// implementations.
type TrackState struct {
	disabled atomic.Bool
	stopped  atomic.Bool
}

func (s *TrackState) Enabled() bool      { return !s.disabled.Load() }
func (s *TrackState) SetEnabled(on bool) { s.disabled.Store(!on) }
func (s *TrackState) Stopped() bool      { return s.stopped.Load() }

// MarkStopped reports whether this call performed the transition.
func (s *TrackState) MarkStopped() bool { return s.stopped.CompareAndSwap(false, true) }
