package quality

import "context"

type ReportType string

const (
	ReportCandidatePair    ReportType = "candidate-pair"
	ReportInboundRTP       ReportType = "inbound-rtp"
	ReportOutboundRTP      ReportType = "outbound-rtp"
	ReportRemoteInboundRTP ReportType = "remote-inbound-rtp"
)

// Stat keys follow the W3C webrtc-stats member names. Times are in seconds.
const (
	KeyCurrentRoundTripTime = "currentRoundTripTime"
	KeyPacketsReceived      = "packetsReceived"
	KeyPacketsSent          = "packetsSent"
	KeyPacketsLost          = "packetsLost"
	KeyBytesReceived        = "bytesReceived"
	KeyBytesSent            = "bytesSent"
	KeyJitter               = "jitter"
	KeyFrameWidth           = "frameWidth"
	KeyFrameHeight          = "frameHeight"
	KeyFramesPerSecond      = "framesPerSecond"
)

// ReportEntry is one opaque stats object from the media layer.
type ReportEntry struct {
	ID     string
	Type   ReportType
	Kind   string
	State  string
	Values map[string]float64
}

func (e ReportEntry) Value(key string) float64 {
	return e.Values[key]
}

// Report is a snapshot of transport statistics.
type Report []ReportEntry

// Find returns the first entry of type t whose kind matches (any kind when
// kind is empty).
func (r Report) Find(t ReportType, kind string) (ReportEntry, bool) {
	for _, e := range r {
		if e.Type == t && (kind == "" || e.Kind == kind) {
			return e, true
		}
	}
	return ReportEntry{}, false
}

// StatsSource is the media layer's queryable statistics.
type StatsSource interface {
	Stats(ctx context.Context) (Report, error)
}

type StatsSourceFunc func(ctx context.Context) (Report, error)

func (f StatsSourceFunc) Stats(ctx context.Context) (Report, error) { return f(ctx) }
