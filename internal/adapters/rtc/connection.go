// Package rtc adapts pion PeerConnections to the call layer: remote
// streams, close and error events, and transport statistics.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/peershare/internal/media"
	"github.com/dkeye/peershare/internal/quality"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed           = errors.New("peer connection closed")
	ErrConnectionFailed = errors.New("peer connection failed")
)

func DefaultConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// TrackLocalProvider is implemented by local tracks that can be sent as is.
type TrackLocalProvider interface {
	TrackLocal() (webrtc.TrackLocal, bool)
}

type Connection struct {
	pc     *webrtc.PeerConnection
	peerID string
	remote *media.BasicStream

	mu       sync.Mutex
	onStream func(media.Stream)
	onClose  func()
	onError  func(error)
	onICE    func(webrtc.ICECandidateInit)
	closed   bool

	closeOnce sync.Once
}

func NewConnection(cfg webrtc.Configuration, peerID string) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &Connection{
		pc:     pc,
		peerID: peerID,
		remote: media.NewStream("remote_" + uuid.NewString()),
	}
	c.watch()
	return c, nil
}

func (c *Connection) watch() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "adapters.rtc").Str("peer_id", c.peerID).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "adapters.rtc").Str("peer_id", c.peerID).Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.fireError(ErrConnectionFailed)
			c.fireClose()
		case webrtc.PeerConnectionStateClosed:
			c.fireClose()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if cand != nil && fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "adapters.rtc").
			Str("peer_id", c.peerID).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if !c.remote.Add(&remoteTrack{track: track}) {
			return
		}
		c.mu.Lock()
		fn := c.onStream
		c.mu.Unlock()
		if fn != nil {
			fn(c.remote)
		}
	})
}

func (c *Connection) PeerID() string { return c.peerID }

// OnStream fires with the remote stream each time it gains a track.
func (c *Connection) OnStream(fn func(media.Stream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *Connection) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Connection) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddLocalStream sends the tracks that pion can carry directly and adds a
// receive-only transceiver for every kind left without one.
func (c *Connection) AddLocalStream(s media.Stream) error {
	sending := map[media.Kind]bool{}
	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		tl, ok := sendable(s, kind)
		if !ok {
			continue
		}
		if _, err := c.pc.AddTrack(tl); err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		sending[kind] = true
	}
	for kind, codec := range map[media.Kind]webrtc.RTPCodecType{
		media.KindAudio: webrtc.RTPCodecTypeAudio,
		media.KindVideo: webrtc.RTPCodecTypeVideo,
	} {
		if sending[kind] {
			continue
		}
		_, err := c.pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// ReplaceLocalStream puts the tracks of s on the existing senders of the
// same kind without renegotiating. Senders s has no track for keep theirs.
func (c *Connection) ReplaceLocalStream(s media.Stream) error {
	for _, sender := range c.pc.GetSenders() {
		cur := sender.Track()
		if cur == nil {
			continue
		}
		kind := media.Kind(cur.Kind().String())
		tl, ok := sendable(s, kind)
		if !ok {
			continue
		}
		if err := sender.ReplaceTrack(tl); err != nil {
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
		log.Info().Str("module", "adapters.rtc").Str("peer_id", c.peerID).Str("kind", string(kind)).Str("track_id", tl.ID()).Msg("local track replaced")
	}
	return nil
}

// sendable returns the first track of kind in s that pion can send as is.
func sendable(s media.Stream, kind media.Kind) (webrtc.TrackLocal, bool) {
	if s == nil {
		return nil, false
	}
	for _, t := range s.Tracks() {
		if t.Kind() != kind {
			continue
		}
		p, ok := t.(TrackLocalProvider)
		if !ok {
			continue
		}
		if tl, ok := p.TrackLocal(); ok {
			return tl, true
		}
	}
	return nil, false
}

// Offer creates the local offer and waits for candidate gathering.
func (c *Connection) Offer(ctx context.Context) (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocal(ctx, offer)
}

// Answer applies a remote offer and returns the gathered answer.
func (c *Connection) Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocal(ctx, answer)
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) setLocal(ctx context.Context, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.pc.LocalDescription(), nil
}

// Stats reports the transport statistics of the connection.
func (c *Connection) Stats(ctx context.Context) (quality.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return ReportFromStats(c.pc.GetStats())
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.onClose = nil
		c.mu.Unlock()
		if err = c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "adapters.rtc").Str("peer_id", c.peerID).Msg("close error")
		} else {
			log.Info().Str("module", "adapters.rtc").Str("peer_id", c.peerID).Msg("closed")
		}
		c.remote.Stop()
	})
	return err
}

func (c *Connection) fireClose() {
	c.mu.Lock()
	fn := c.onClose
	c.onClose = nil
	c.closed = true
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Connection) fireError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// remoteTrack exposes a received track. Its payload stays encoded, so it
// carries no frames.
type remoteTrack struct {
	media.TrackState
	track *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string       { return t.track.ID() }
func (t *remoteTrack) Kind() media.Kind { return media.Kind(t.track.Kind().String()) }
func (t *remoteTrack) Stop()            { t.MarkStopped() }
