package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/peershare/internal/media"
	"github.com/dkeye/peershare/internal/quality"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportFromStats(t *testing.T) {
	stats := webrtc.StatsReport{
		"cp": webrtc.ICECandidatePairStats{
			ID:                   "cp",
			Type:                 webrtc.StatsTypeCandidatePair,
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: 0.05,
		},
		"in": webrtc.InboundRTPStreamStats{
			ID:              "in",
			Type:            webrtc.StatsTypeInboundRTP,
			Kind:            "video",
			PacketsReceived: 980,
			PacketsLost:     20,
			Jitter:          0.01,
			BytesReceived:   250_000,
		},
	}

	report, err := ReportFromStats(stats)
	require.NoError(t, err)
	require.Len(t, report, 2)
	assert.Equal(t, "cp", report[0].ID)

	pair, ok := report.Find(quality.ReportCandidatePair, "")
	require.True(t, ok)
	assert.Equal(t, "succeeded", pair.State)
	assert.InDelta(t, 0.05, pair.Value(quality.KeyCurrentRoundTripTime), 1e-9)

	in, ok := report.Find(quality.ReportInboundRTP, "video")
	require.True(t, ok)
	assert.InDelta(t, 980, in.Value(quality.KeyPacketsReceived), 1e-9)
	assert.InDelta(t, 20, in.Value(quality.KeyPacketsLost), 1e-9)
	assert.InDelta(t, 250_000, in.Value(quality.KeyBytesReceived), 1e-9)

	now := time.Unix(1_700_000_000, 0)
	sample, _ := quality.Analyze(report, quality.Counters{At: now.Add(-time.Second)}, now)
	assert.InDelta(t, 50, sample.Latency, 1e-9)
	assert.InDelta(t, 2, sample.Inbound.PacketLoss, 1e-9)
}

// pipe connects two negotiators in process.
type pipe struct {
	offers  chan offerMsg
	answers chan webrtc.SessionDescription
}

type offerMsg struct {
	from string
	sdp  webrtc.SessionDescription
}

type endpoint struct {
	self string
	p    *pipe
}

func (e endpoint) SendOffer(ctx context.Context, _ string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	e.p.offers <- offerMsg{from: e.self, sdp: offer}
	select {
	case a := <-e.p.answers:
		return a, nil
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
}

func (e endpoint) ReceiveOffer(ctx context.Context) (string, webrtc.SessionDescription, error) {
	select {
	case o := <-e.p.offers:
		return o.from, o.sdp, nil
	case <-ctx.Done():
		return "", webrtc.SessionDescription{}, ctx.Err()
	}
}

func (e endpoint) SendAnswer(_ context.Context, _ string, answer webrtc.SessionDescription) error {
	e.p.answers <- answer
	return nil
}

func TestNegotiatorOfferAnswer(t *testing.T) {
	p := &pipe{offers: make(chan offerMsg, 1), answers: make(chan webrtc.SessionDescription, 1)}
	caller := NewNegotiator(webrtc.Configuration{}, endpoint{self: "P1", p: p})
	callee := NewNegotiator(webrtc.Configuration{}, endpoint{self: "P2", p: p})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan error, 1)
	var calleeConn interface{ PeerID() string }
	go func() {
		conn, err := callee.Accept(ctx, nil)
		if err == nil {
			calleeConn = conn
			defer conn.Close()
		}
		accepted <- err
	}()

	conn, err := caller.Initiate(ctx, "P2", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, <-accepted)

	assert.Equal(t, "P2", conn.PeerID())
	assert.Equal(t, "P1", calleeConn.PeerID())

	_, err = conn.Stats(ctx)
	assert.NoError(t, err)
	require.NoError(t, conn.Close())
	_, err = conn.Stats(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

type sendTrack struct {
	media.TrackState
	local *webrtc.TrackLocalStaticSample
}

func newSendTrack(t *testing.T, id string) *sendTrack {
	t.Helper()
	tl, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "local")
	require.NoError(t, err)
	return &sendTrack{local: tl}
}

func (s *sendTrack) ID() string                            { return s.local.ID() }
func (s *sendTrack) Kind() media.Kind                      { return media.KindVideo }
func (s *sendTrack) Stop()                                 { s.MarkStopped() }
func (s *sendTrack) TrackLocal() (webrtc.TrackLocal, bool) { return s.local, true }

func TestReplaceLocalStream(t *testing.T) {
	conn, err := NewConnection(webrtc.Configuration{}, "P2")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.AddLocalStream(media.NewStream("cam", newSendTrack(t, "cam-1"))))
	require.NoError(t, conn.ReplaceLocalStream(media.NewStream("cam", newSendTrack(t, "cam-2"))))
	// nothing sendable keeps the current track
	require.NoError(t, conn.ReplaceLocalStream(media.NewStream("empty")))

	var ids []string
	for _, sender := range conn.pc.GetSenders() {
		if tr := sender.Track(); tr != nil {
			ids = append(ids, tr.ID())
		}
	}
	assert.Equal(t, []string{"cam-2"}, ids)
}
