package media

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/dkeye/peershare/internal/periodic"
	"github.com/dkeye/peershare/internal/quality"
	"github.com/rs/zerolog/log"
)

type Role string

const (
	RoleLocal  Role = "local"
	RoleRemote Role = "remote"
	RoleScreen Role = "screen"
)

// Observer receives controller events. StreamChanged gets a nil stream when
// the role's stream is released.
type Observer interface {
	FPSChanged(fps int)
	QualityChanged(s quality.Sample)
	Adapted(a Adaptation)
	StreamChanged(role Role, s Stream)
}

type ObserverFuncs struct {
	OnFPS     func(int)
	OnQuality func(quality.Sample)
	OnAdapted func(Adaptation)
	OnStream  func(Role, Stream)
}

func (f ObserverFuncs) FPSChanged(fps int) {
	if f.OnFPS != nil {
		f.OnFPS(fps)
	}
}

func (f ObserverFuncs) QualityChanged(s quality.Sample) {
	if f.OnQuality != nil {
		f.OnQuality(s)
	}
}

func (f ObserverFuncs) Adapted(a Adaptation) {
	if f.OnAdapted != nil {
		f.OnAdapted(a)
	}
}

func (f ObserverFuncs) StreamChanged(role Role, s Stream) {
	if f.OnStream != nil {
		f.OnStream(role, s)
	}
}

// Controller owns local capture, the screen-share raster and the
// adaptation loop for one call.
type Controller struct {
	capture Capture
	sampler *quality.Sampler
	clock   periodic.TimeProvider

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	cfg         Config
	fps         int
	local       Stream
	audioDevice string
	videoDevice string
	remote      Stream
	display     Stream
	raster      *Raster
	resolution  Resolution
	lastScore   float64
	adaptations []Adaptation
	adaptTask   *periodic.Task
	observers   map[uint64]Observer
	nextID      uint64

	unsubscribe func()
	closeOnce   sync.Once
}

type Option func(*Controller)

func WithTimeProvider(tp periodic.TimeProvider) Option {
	return func(c *Controller) { c.clock = tp }
}

// NewController subscribes to sampler for the lifetime of the controller.
func NewController(cfg Config, capture Capture, sampler *quality.Sampler, opts ...Option) (*Controller, error) {
	if err := cfg.FPS.Validate(); err != nil {
		return nil, err
	}
	if cfg.AdaptInterval <= 0 {
		cfg.AdaptInterval = DefaultConfig().AdaptInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		capture:    capture,
		sampler:    sampler,
		clock:      periodic.RealTimeProvider{},
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		fps:        cfg.FPS.Default,
		resolution: ScreenHigh,
		lastScore:  1,
		observers:  make(map[uint64]Observer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubscribe = sampler.Subscribe(quality.ObserverFuncs{
		OnChanged: func(s quality.Sample) {
			c.notify(func(o Observer) { o.QualityChanged(s) })
			c.adaptScreen(s)
		},
		OnLost: func(quality.Sample) {
			c.adaptScreen(quality.WorstCase(c.clock.Now()))
		},
		OnRestored: func(quality.Sample) {
			c.adaptScreen(c.sampler.Current())
		},
	})
	return c, nil
}

func (c *Controller) Subscribe(o Observer) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.observers[id] = o
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) FPSConfig() FPSConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.FPS
}

// SetFPSConfig replaces the configuration and resets the target to its default.
func (c *Controller) SetFPSConfig(cfg FPSConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg.FPS = cfg
	c.fps = cfg.Default
	c.mu.Unlock()
	return nil
}

func (c *Controller) SetTargetFPS(fps int) error {
	c.mu.Lock()
	if fps < c.cfg.FPS.Min || fps > c.cfg.FPS.Max {
		lo, hi := c.cfg.FPS.Min, c.cfg.FPS.Max
		c.mu.Unlock()
		return fmt.Errorf("%w: must be between %d and %d", ErrFPSOutOfRange, lo, hi)
	}
	c.fps = fps
	c.mu.Unlock()

	log.Info().Str("module", "media").Int("fps", fps).Msg("target fps set")
	c.notify(func(o Observer) { o.FPSChanged(fps) })
	return nil
}

func (c *Controller) TargetFPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

// VideoConstraints derives camera constraints from the latest sample.
func (c *Controller) VideoConstraints() VideoConstraints {
	score := c.sampler.Current().Score
	c.mu.Lock()
	defer c.mu.Unlock()
	return DirectConstraints(score, c.fps, c.cfg.FPS)
}

func (c *Controller) Recommend(s quality.Sample) Recommendation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Recommend(s.Score, c.cfg.FPS.Levels)
}

func (c *Controller) Quality() quality.Sample { return c.sampler.Current() }

// UpdateQuality feeds a sample through the sampler as if it had been measured.
func (c *Controller) UpdateQuality(s quality.Sample) { c.sampler.Update(s) }

// LocalMedia acquires camera and microphone once and returns the same
// stream on later calls. Acquisition failures are returned to the caller.
func (c *Controller) LocalMedia(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.local != nil {
		s := c.local
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	stream, err := c.capture.GetLocalMedia(ctx, c.localConstraints())
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("local media acquisition failed")
		return nil, fmt.Errorf("acquire local media: %w", err)
	}

	c.mu.Lock()
	if c.local != nil {
		existing := c.local
		c.mu.Unlock()
		stream.Stop()
		return existing, nil
	}
	c.local = stream
	c.mu.Unlock()

	log.Info().Str("module", "media").Str("stream_id", stream.ID()).Int("tracks", len(stream.Tracks())).Msg("local media acquired")
	c.notify(func(o Observer) { o.StreamChanged(RoleLocal, stream) })
	return stream, nil
}

func (c *Controller) localConstraints() Constraints {
	vc := c.VideoConstraints()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Constraints{Audio: true, Video: &vc, AudioDevice: c.audioDevice, VideoDevice: c.videoDevice}
}

func (c *Controller) ListDevices(ctx context.Context) ([]Device, error) {
	devices, err := c.capture.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// SetSourceDevice selects the camera or microphone with the given id for
// local media. A stream that is already live is re-acquired from the new
// device and replaces the old one; the old one is stopped and mute state
// carries over. On failure the previous device and stream stay in place.
func (c *Controller) SetSourceDevice(ctx context.Context, deviceID string) error {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return err
	}
	var dev *Device
	for i := range devices {
		if devices[i].ID == deviceID {
			dev = &devices[i]
			break
		}
	}
	if dev == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	c.mu.Lock()
	prevAudio, prevVideo := c.audioDevice, c.videoDevice
	switch dev.Kind {
	case KindAudio:
		c.audioDevice = dev.ID
	case KindVideo:
		c.videoDevice = dev.ID
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: device kind %q", ErrUnsupportedTrack, dev.Kind)
	}
	live := c.local != nil
	c.mu.Unlock()

	log.Info().Str("module", "media").Str("device_id", dev.ID).Str("kind", string(dev.Kind)).Str("label", dev.Label).Msg("source device selected")
	if !live {
		return nil
	}

	stream, err := c.capture.GetLocalMedia(ctx, c.localConstraints())
	if err != nil {
		c.mu.Lock()
		c.audioDevice, c.videoDevice = prevAudio, prevVideo
		c.mu.Unlock()
		log.Error().Err(err).Str("module", "media").Str("device_id", dev.ID).Msg("device switch failed")
		return fmt.Errorf("acquire local media: %w", err)
	}

	c.mu.Lock()
	old := c.local
	if old == nil {
		// closed while acquiring
		c.mu.Unlock()
		stream.Stop()
		return nil
	}
	for _, k := range []Kind{KindAudio, KindVideo} {
		if prev, next := FirstTrack(old, k), FirstTrack(stream, k); prev != nil && next != nil {
			next.SetEnabled(prev.Enabled())
		}
	}
	c.local = stream
	c.mu.Unlock()

	old.Stop()
	log.Info().Str("module", "media").Str("stream_id", stream.ID()).Msg("local media switched")
	c.notify(func(o Observer) { o.StreamChanged(RoleLocal, stream) })
	return nil
}

func (c *Controller) LocalStream() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Controller) SetRemoteStream(s Stream) {
	c.mu.Lock()
	c.remote = s
	c.mu.Unlock()
	c.notify(func(o Observer) { o.StreamChanged(RoleRemote, s) })
}

func (c *Controller) RemoteStream() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// ToggleMute flips the local audio track and returns its new state. It
// returns false when there is no local audio.
func (c *Controller) ToggleMute() bool { return c.toggle(KindAudio) }

// ToggleVideo is ToggleMute for the local video track.
func (c *Controller) ToggleVideo() bool { return c.toggle(KindVideo) }

func (c *Controller) toggle(k Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := FirstTrack(c.local, k)
	if t == nil {
		return false
	}
	t.SetEnabled(!t.Enabled())
	return t.Enabled()
}

// StartScreenShare captures the display at full fidelity and returns the
// synthetic stream produced by the raster. A running share is returned as is.
func (c *Controller) StartScreenShare(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.raster != nil {
		s := c.raster.Stream()
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	display, err := c.capture.GetDisplayMedia(ctx, Constraints{
		Audio: true,
		Video: &VideoConstraints{
			Width:     IntRange{Ideal: ScreenHigh.Width, Max: ScreenHigh.Width},
			Height:    IntRange{Ideal: ScreenHigh.Height, Max: ScreenHigh.Height},
			FrameRate: IntRange{Ideal: 60, Max: 60},
		},
	})
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("display capture failed")
		return nil, fmt.Errorf("acquire display media: %w", err)
	}
	reader, ok := FirstTrack(display, KindVideo).(FrameReader)
	if !ok {
		display.Stop()
		return nil, fmt.Errorf("display stream has no readable video track: %w", ErrUnsupportedTrack)
	}

	sample := c.sampler.Current()
	c.mu.Lock()
	if c.raster != nil {
		s := c.raster.Stream()
		c.mu.Unlock()
		display.Stop()
		return s, nil
	}
	r := NewRaster(reader, ScreenHigh, AdaptiveFrameRate(sample.Score, c.cfg.FPS.Levels), WithSurfaceLimit(c.cfg.MaxSurface))
	r.Start(c.ctx)
	c.display = display
	c.raster = r
	c.resolution = ScreenHigh
	c.mu.Unlock()

	go func() {
		<-r.Ended()
		c.endScreenShare(r)
	}()

	log.Info().Str("module", "media").Str("stream_id", r.Stream().ID()).Int("fps", r.FrameRate()).Msg("screen share started")
	c.notify(func(o Observer) { o.StreamChanged(RoleScreen, r.Stream()) })
	c.adaptScreen(sample)
	return r.Stream(), nil
}

func (c *Controller) StopScreenShare() {
	c.mu.Lock()
	r := c.raster
	c.mu.Unlock()
	if r != nil {
		c.endScreenShare(r)
	}
}

// endScreenShare releases r if it is still the active share.
func (c *Controller) endScreenShare(r *Raster) {
	c.mu.Lock()
	if c.raster != r {
		c.mu.Unlock()
		return
	}
	display := c.display
	c.raster, c.display = nil, nil
	c.mu.Unlock()

	r.Stop()
	if display != nil {
		display.Stop()
	}
	log.Info().Str("module", "media").Msg("screen share stopped")
	c.notify(func(o Observer) { o.StreamChanged(RoleScreen, nil) })
}

func (c *Controller) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raster != nil
}

func (c *Controller) ScreenStream() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raster == nil {
		return nil
	}
	return c.raster.Stream()
}

// Resolution is the current screen-share output size.
func (c *Controller) Resolution() Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolution
}

func (c *Controller) Adaptations() []Adaptation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Adaptation, len(c.adaptations))
	copy(out, c.adaptations)
	return out
}

// adaptScreen applies a new raster size when the classified resolution
// differs from the current one and the last adaptation is either more than
// 0.1 in score away or at least 10s old.
func (c *Controller) adaptScreen(s quality.Sample) {
	now := c.clock.Now()

	c.mu.Lock()
	r := c.raster
	if r == nil {
		c.mu.Unlock()
		return
	}
	if n := len(c.adaptations); n > 0 {
		recent := now.Sub(c.adaptations[n-1].Timestamp) < adaptMinGap
		if recent && math.Abs(s.Score-c.lastScore) <= adaptScoreDelta {
			c.mu.Unlock()
			return
		}
	}
	target := ClassifyScreen(s, c.cfg.FPS.Levels)
	if target.Resolution == c.resolution {
		c.mu.Unlock()
		return
	}
	from := c.resolution
	c.resolution = target.Resolution
	c.lastScore = s.Score
	a := Adaptation{Timestamp: now, Resolution: target.Resolution, FPS: target.FPS, Reason: target.Reason}
	c.adaptations = append(c.adaptations, a)
	if len(c.adaptations) > adaptHistory {
		c.adaptations = c.adaptations[len(c.adaptations)-adaptHistory:]
	}
	c.mu.Unlock()

	r.SetResolution(target.Resolution)
	r.SetFrameRate(target.FPS)

	log.Info().Str("module", "media").
		Str("from", from.String()).
		Str("to", target.Resolution.String()).
		Int("fps", target.FPS).
		Float64("score", s.Score).
		Float64("outbound_kbps", s.Outbound.Bandwidth).
		Float64("outbound_loss_pct", s.Outbound.PacketLoss).
		Msg(a.Reason)
	c.notify(func(o Observer) { o.Adapted(a) })
}

// applyDirect pushes fresh constraints onto the local camera track. A
// failure leaves the previous settings in place.
func (c *Controller) applyDirect(ctx context.Context) {
	c.mu.Lock()
	t := FirstTrack(c.local, KindVideo)
	c.mu.Unlock()
	if t == nil {
		return
	}
	vc := c.VideoConstraints()
	if err := c.capture.ApplyConstraints(ctx, t, vc); err != nil {
		log.Warn().Err(err).Str("module", "media").Str("track_id", t.ID()).Msg("failed to apply video constraints")
		return
	}
	log.Debug().Str("module", "media").Str("track_id", t.ID()).
		Int("width", vc.Width.Ideal).Int("height", vc.Height.Ideal).Int("fps", vc.FrameRate.Ideal).
		Msg("video constraints applied")
}

func (c *Controller) adaptTick(ctx context.Context) {
	c.mu.Lock()
	adaptive := c.cfg.FPS.Adaptive
	sharing := c.raster != nil
	c.mu.Unlock()
	if !adaptive {
		return
	}
	if sharing {
		c.adaptScreen(c.sampler.Current())
		return
	}
	c.applyDirect(ctx)
}

// StartMonitoring starts the sampler on src and the adaptation loop.
// Calling it again restarts both.
func (c *Controller) StartMonitoring(ctx context.Context, src quality.StatsSource) {
	c.sampler.Start(ctx, src)

	task := periodic.Start(ctx, c.cfg.AdaptInterval, c.adaptTick)
	c.mu.Lock()
	old := c.adaptTask
	c.adaptTask = task
	c.mu.Unlock()
	old.Stop()
	log.Info().Str("module", "media").Dur("interval", c.cfg.AdaptInterval).Msg("quality monitoring started")
}

// StopMonitoring stops both loops and waits for in-flight ticks.
func (c *Controller) StopMonitoring() {
	c.mu.Lock()
	task := c.adaptTask
	c.adaptTask = nil
	c.mu.Unlock()

	task.Stop()
	c.sampler.Stop()
}

func (c *Controller) Monitoring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adaptTask != nil
}

// Close stops the loops, detaches from the sampler and only then releases
// every stream.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.StopMonitoring()
		c.unsubscribe()
		c.StopScreenShare()

		c.mu.Lock()
		local, remote := c.local, c.remote
		c.local, c.remote = nil, nil
		c.mu.Unlock()

		if local != nil {
			local.Stop()
		}
		if remote != nil {
			remote.Stop()
		}
		c.cancel()
		log.Info().Str("module", "media").Msg("controller closed")
	})
}

func (c *Controller) notify(fn func(Observer)) {
	c.mu.Lock()
	observers := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	c.mu.Unlock()
	for _, o := range observers {
		fn(o)
	}
}
