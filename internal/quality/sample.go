package quality

import (
	"math"
	"time"
)

type Dimensions struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frameRate"`
}

// Direction holds the metrics of one traffic direction. Packets counts
// received packets inbound and sent packets outbound.
type Direction struct {
	Score       float64     `json:"score"`
	PacketLoss  float64     `json:"packetLoss"`
	Bandwidth   float64     `json:"bandwidth"`
	Jitter      float64     `json:"jitter"`
	Packets     uint64      `json:"packets"`
	PacketsLost uint64      `json:"packetsLost"`
	Bytes       uint64      `json:"bytes"`
	Dimensions  *Dimensions `json:"dimensions,omitempty"`
}

// Sample is an immutable reduction of one stats snapshot. Latency and
// jitter are in milliseconds, bandwidth in kbps and loss in percent.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	Score      float64   `json:"score"`
	Latency    float64   `json:"latency"`
	PacketLoss float64   `json:"packetLoss"`
	Bandwidth  float64   `json:"bandwidth"`
	Inbound    Direction `json:"inbound"`
	Outbound   Direction `json:"outbound"`
}

// Counters carry byte totals between ticks for bandwidth estimation.
type Counters struct {
	InboundBytes  uint64
	OutboundBytes uint64
	At            time.Time
}

const mediaKind = "video"

// Analyze reduces a report to a Sample. prev holds the byte counters of the
// previous tick; the returned Counters replace them. A zero prev only seeds
// the counters and reports no bandwidth.
func Analyze(report Report, prev Counters, now time.Time) (Sample, Counters) {
	s := Sample{Timestamp: now}
	next := Counters{At: now}
	var elapsed float64
	if !prev.At.IsZero() {
		elapsed = now.Sub(prev.At).Seconds()
	}

	for _, e := range report {
		if e.Type == ReportCandidatePair && e.State == "succeeded" {
			s.Latency = e.Value(KeyCurrentRoundTripTime) * 1000
		}
	}

	if e, ok := report.Find(ReportInboundRTP, mediaKind); ok {
		in := &s.Inbound
		in.Packets = counter(e.Value(KeyPacketsReceived))
		in.PacketsLost = counter(e.Value(KeyPacketsLost))
		in.Bytes = counter(e.Value(KeyBytesReceived))
		in.Jitter = e.Value(KeyJitter) * 1000
		in.PacketLoss = lossPercent(in.PacketsLost, in.Packets)
		in.Bandwidth = kbps(prev.InboundBytes, in.Bytes, elapsed)
		in.Dimensions = dimensions(e)
		next.InboundBytes = in.Bytes
	}

	if e, ok := report.Find(ReportOutboundRTP, mediaKind); ok {
		out := &s.Outbound
		out.Packets = counter(e.Value(KeyPacketsSent))
		out.Bytes = counter(e.Value(KeyBytesSent))
		out.PacketsLost = counter(e.Value(KeyPacketsLost))
		out.Jitter = e.Value(KeyJitter) * 1000
		// the receiver's view of our stream is authoritative when present
		if remote, ok := report.Find(ReportRemoteInboundRTP, mediaKind); ok {
			out.PacketsLost = counter(remote.Value(KeyPacketsLost))
			out.Jitter = remote.Value(KeyJitter) * 1000
		}
		out.PacketLoss = lossPercent(out.PacketsLost, out.Packets)
		out.Bandwidth = kbps(prev.OutboundBytes, out.Bytes, elapsed)
		out.Dimensions = dimensions(e)
		next.OutboundBytes = out.Bytes
	}

	s.Inbound.Score = DirectionalScore(s.Inbound.PacketLoss, s.Inbound.Bandwidth, s.Inbound.Jitter)
	s.Outbound.Score = DirectionalScore(s.Outbound.PacketLoss, s.Outbound.Bandwidth, s.Outbound.Jitter)

	s.PacketLoss = (s.Inbound.PacketLoss + s.Outbound.PacketLoss) / 2
	s.Bandwidth = math.Max(s.Inbound.Bandwidth, s.Outbound.Bandwidth)
	s.Score = OverallScore(s.Latency, s.PacketLoss, s.Bandwidth, (s.Inbound.Jitter+s.Outbound.Jitter)/2)
	return s, next
}

// DirectionalScore weighs loss 0.5, bandwidth 0.3 and jitter 0.2.
func DirectionalScore(loss, bandwidth, jitter float64) float64 {
	return clamp01(lossScore(loss)*0.5 + bandwidthScore(bandwidth)*0.3 + jitterScore(jitter)*0.2)
}

// OverallScore weighs latency 0.3, loss 0.4, bandwidth 0.2 and jitter 0.1.
func OverallScore(latency, loss, bandwidth, jitter float64) float64 {
	latencyScore := math.Max(0, 1-latency/1000)
	return clamp01(latencyScore*0.3 + lossScore(loss)*0.4 + bandwidthScore(bandwidth)*0.2 + jitterScore(jitter)*0.1)
}

// WorstCase is the sample reported when statistics cannot be collected.
func WorstCase(now time.Time) Sample {
	dir := Direction{Score: 0.1, PacketLoss: 50, Bandwidth: 100, Jitter: 100}
	return Sample{
		Timestamp:  now,
		Score:      0.1,
		Latency:    9999,
		PacketLoss: 50,
		Bandwidth:  100,
		Inbound:    dir,
		Outbound:   dir,
	}
}

// Initial is the optimistic sample held before the first tick.
func Initial(now time.Time) Sample {
	dir := Direction{Score: 1}
	return Sample{Timestamp: now, Score: 1, Inbound: dir, Outbound: dir}
}

func lossScore(loss float64) float64      { return math.Max(0, 1-loss/10) }
func bandwidthScore(kbps float64) float64 { return math.Min(1, kbps/2000) }
func jitterScore(jitter float64) float64  { return math.Max(0, 1-jitter/100) }

func lossPercent(lost, got uint64) float64 {
	if lost+got == 0 {
		return 0
	}
	return float64(lost) / float64(lost+got) * 100
}

// kbps turns a byte counter delta into kilobits per second. A counter that
// went backwards (stream restart) yields 0.
func kbps(prevBytes, bytes uint64, elapsed float64) float64 {
	if elapsed <= 0 || bytes < prevBytes {
		return 0
	}
	return float64(bytes-prevBytes) * 8 / elapsed / 1000
}

func counter(v float64) uint64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return uint64(v)
}

func dimensions(e ReportEntry) *Dimensions {
	w, h := e.Value(KeyFrameWidth), e.Value(KeyFrameHeight)
	if w <= 0 || h <= 0 {
		return nil
	}
	return &Dimensions{Width: int(w), Height: int(h), FrameRate: e.Value(KeyFramesPerSecond)}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
