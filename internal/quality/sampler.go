package quality

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dkeye/peershare/internal/periodic"
	"github.com/rs/zerolog/log"
)

const (
	ChangeScoreDelta     = 0.1
	ChangeLatencyDelta   = 100.0
	LostThreshold        = 0.2
	RestoredThreshold    = 0.5
	DefaultPoorThreshold = 0.3

	minHistory  = 10
	maxHistory  = 20
	trendWindow = 3
	trendDelta  = 0.1
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

type Config struct {
	Interval    time.Duration `mapstructure:"interval"`
	HistorySize int           `mapstructure:"history_size"`
}

func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, HistorySize: minHistory}
}

// Observer receives sampler events. Callbacks run on the sampling goroutine
// without the sampler lock held.
type Observer interface {
	QualityChanged(s Sample)
	ConnectionLost(s Sample)
	ConnectionRestored(s Sample)
}

// ObserverFuncs adapts optional funcs to Observer.
type ObserverFuncs struct {
	OnChanged  func(Sample)
	OnLost     func(Sample)
	OnRestored func(Sample)
}

func (f ObserverFuncs) QualityChanged(s Sample) {
	if f.OnChanged != nil {
		f.OnChanged(s)
	}
}

func (f ObserverFuncs) ConnectionLost(s Sample) {
	if f.OnLost != nil {
		f.OnLost(s)
	}
}

func (f ObserverFuncs) ConnectionRestored(s Sample) {
	if f.OnRestored != nil {
		f.OnRestored(s)
	}
}

// Sampler turns periodic stats snapshots into quality samples and keeps a
// bounded history of them.
type Sampler struct {
	mu        sync.RWMutex
	cfg       Config
	clock     periodic.TimeProvider
	current   Sample
	history   []Sample
	counters  Counters
	observers map[uint64]Observer
	nextID    uint64
	task      *periodic.Task
}

type Option func(*Sampler)

func WithTimeProvider(tp periodic.TimeProvider) Option {
	return func(s *Sampler) { s.clock = tp }
}

func NewSampler(cfg Config, opts ...Option) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	cfg.HistorySize = max(minHistory, min(maxHistory, cfg.HistorySize))
	s := &Sampler{
		cfg:       cfg,
		clock:     periodic.RealTimeProvider{},
		observers: make(map[uint64]Observer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current = Initial(s.clock.Now())
	return s
}

// Start samples src right away and then every interval until Stop. A
// running loop is replaced.
func (s *Sampler) Start(ctx context.Context, src StatsSource) {
	s.Stop()
	s.mu.Lock()
	s.counters = Counters{}
	s.task = periodic.Start(ctx, s.cfg.Interval, func(ctx context.Context) { s.Tick(ctx, src) }, periodic.Immediate())
	s.mu.Unlock()
	log.Info().Str("module", "quality").Dur("interval", s.cfg.Interval).Msg("sampling started")
}

// Stop halts the loop and waits for an in-flight tick.
func (s *Sampler) Stop() {
	s.mu.Lock()
	task := s.task
	s.task = nil
	s.mu.Unlock()
	if task != nil {
		task.Stop()
		log.Info().Str("module", "quality").Msg("sampling stopped")
	}
}

func (s *Sampler) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.task != nil
}

// Close stops sampling and drops every observer.
func (s *Sampler) Close() {
	s.Stop()
	s.mu.Lock()
	s.observers = make(map[uint64]Observer)
	s.mu.Unlock()
}

// Tick runs one sampling pass. A failed collection yields WorstCase.
func (s *Sampler) Tick(ctx context.Context, src StatsSource) Sample {
	report, err := src.Stats(ctx)
	now := s.clock.Now()

	var sample Sample
	if err != nil {
		log.Warn().Err(err).Str("module", "quality").Msg("stats collection failed, assuming worst case")
		sample = WorstCase(now)
	} else {
		s.mu.Lock()
		sample, s.counters = Analyze(report, s.counters, now)
		s.mu.Unlock()
	}
	s.Update(sample)
	return sample
}

// Update records a sample and fires the resulting events.
func (s *Sampler) Update(sample Sample) {
	s.mu.Lock()
	prev := s.current
	s.current = sample
	s.history = append(s.history, sample)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	changed := math.Abs(sample.Score-prev.Score) > ChangeScoreDelta ||
		math.Abs(sample.Latency-prev.Latency) > ChangeLatencyDelta
	lost := sample.Score < LostThreshold && prev.Score >= LostThreshold
	restored := sample.Score >= RestoredThreshold && prev.Score < RestoredThreshold

	log.Debug().Str("module", "quality").Float64("score", sample.Score).Float64("latency_ms", sample.Latency).
		Float64("loss_pct", sample.PacketLoss).Float64("bandwidth_kbps", sample.Bandwidth).Msg("sample")
	if lost {
		log.Warn().Str("module", "quality").Float64("score", sample.Score).Msg("connection lost")
	}
	if restored {
		log.Info().Str("module", "quality").Float64("score", sample.Score).Msg("connection restored")
	}

	for _, o := range observers {
		if changed {
			o.QualityChanged(sample)
		}
		if lost {
			o.ConnectionLost(sample)
		}
		if restored {
			o.ConnectionRestored(sample)
		}
	}
}

// Subscribe registers o and returns a func that removes it.
func (s *Sampler) Subscribe(o Observer) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.observers[id] = o
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Sampler) Current() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Sampler) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Sampler) ResetHistory() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

func (s *Sampler) Trend() Trend {
	return s.trend(func(x Sample) float64 { return x.Score })
}

func (s *Sampler) InboundTrend() Trend {
	return s.trend(func(x Sample) float64 { return x.Inbound.Score })
}

func (s *Sampler) OutboundTrend() Trend {
	return s.trend(func(x Sample) float64 { return x.Outbound.Score })
}

func (s *Sampler) trend(score func(Sample) float64) Trend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) < trendWindow {
		return TrendStable
	}
	recent := s.history[len(s.history)-trendWindow:]
	delta := score(recent[len(recent)-1]) - score(recent[0])
	switch {
	case delta > trendDelta:
		return TrendImproving
	case delta < -trendDelta:
		return TrendDegrading
	}
	return TrendStable
}

// Average is the mean of the samples taken within window of now. With no
// such samples it returns the current one.
func (s *Sampler) Average(window time.Duration) Sample {
	now := s.clock.Now()
	cutoff := now.Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var acc Sample
	n := 0
	for _, x := range s.history {
		if x.Timestamp.Before(cutoff) {
			continue
		}
		n++
		acc.Score += x.Score
		acc.Latency += x.Latency
		acc.PacketLoss += x.PacketLoss
		acc.Bandwidth += x.Bandwidth
		addDirection(&acc.Inbound, x.Inbound)
		addDirection(&acc.Outbound, x.Outbound)
	}
	if n == 0 {
		return s.current
	}
	f := float64(n)
	acc.Timestamp = now
	acc.Score /= f
	acc.Latency /= f
	acc.PacketLoss /= f
	acc.Bandwidth /= f
	divDirection(&acc.Inbound, f)
	divDirection(&acc.Outbound, f)
	return acc
}

func (s *Sampler) InboundPoor(threshold float64) bool {
	return s.Current().Inbound.Score < threshold
}

func (s *Sampler) OutboundPoor(threshold float64) bool {
	return s.Current().Outbound.Score < threshold
}

func addDirection(acc *Direction, d Direction) {
	acc.Score += d.Score
	acc.PacketLoss += d.PacketLoss
	acc.Bandwidth += d.Bandwidth
	acc.Jitter += d.Jitter
}

func divDirection(acc *Direction, n float64) {
	acc.Score /= n
	acc.PacketLoss /= n
	acc.Bandwidth /= n
	acc.Jitter /= n
}
