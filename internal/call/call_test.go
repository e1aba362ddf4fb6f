package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/peershare/internal/media"
	"github.com/dkeye/peershare/internal/quality"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTrack struct {
	media.TrackState
	id   string
	kind media.Kind
}

func (t *stubTrack) ID() string       { return t.id }
func (t *stubTrack) Kind() media.Kind { return t.kind }
func (t *stubTrack) Stop()            { t.MarkStopped() }

type stubCapture struct {
	err     error
	local   *media.BasicStream
	devices []media.Device
}

func (c *stubCapture) ListDevices(context.Context) ([]media.Device, error) {
	return c.devices, nil
}

func (c *stubCapture) GetLocalMedia(context.Context, media.Constraints) (media.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.local = media.NewStream("local", &stubTrack{id: "mic", kind: media.KindAudio}, &stubTrack{id: "cam", kind: media.KindVideo})
	return c.local, nil
}

func (c *stubCapture) GetDisplayMedia(context.Context, media.Constraints) (media.Stream, error) {
	return nil, errors.New("no display")
}

func (c *stubCapture) ApplyConstraints(context.Context, media.Track, media.VideoConstraints) error {
	return nil
}

type fakeConn struct {
	peerID string

	mu              sync.Mutex
	onStream        func(media.Stream)
	onClose         func()
	onError         func(error)
	closed          int
	monitoringAtEnd bool
	monitoring      func() bool
	replaced        []media.Stream
}

func (c *fakeConn) ReplaceLocalStream(s media.Stream) error {
	c.mu.Lock()
	c.replaced = append(c.replaced, s)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) PeerID() string { return c.peerID }

func (c *fakeConn) Stats(context.Context) (quality.Report, error) { return quality.Report{}, nil }

func (c *fakeConn) OnStream(fn func(media.Stream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	if c.monitoring != nil {
		c.monitoringAtEnd = c.monitoring()
	}
	return nil
}

func (c *fakeConn) emitStream(s media.Stream) {
	c.mu.Lock()
	fn := c.onStream
	c.mu.Unlock()
	fn(s)
}

func (c *fakeConn) remoteClose() {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	fn()
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	fn(err)
}

type fakeNegotiator struct {
	conn     *fakeConn
	err      error
	dialed   string
	accepted bool
	local    media.Stream
}

func (n *fakeNegotiator) Initiate(_ context.Context, peerID string, local media.Stream) (MediaConnection, error) {
	n.dialed, n.local = peerID, local
	if n.err != nil {
		return nil, n.err
	}
	return n.conn, nil
}

func (n *fakeNegotiator) Accept(_ context.Context, local media.Stream) (MediaConnection, error) {
	n.accepted, n.local = true, local
	if n.err != nil {
		return nil, n.err
	}
	return n.conn, nil
}

func newSession(t *testing.T) (*Session, *fakeNegotiator, *stubCapture, *media.Controller) {
	t.Helper()
	capture := &stubCapture{}
	sampler := quality.NewSampler(quality.Config{Interval: 5 * time.Millisecond})
	cfg := media.DefaultConfig()
	cfg.AdaptInterval = 5 * time.Millisecond
	ctrl, err := media.NewController(cfg, capture, sampler)
	require.NoError(t, err)

	conn := &fakeConn{peerID: "P2", monitoring: ctrl.Monitoring}
	neg := &fakeNegotiator{conn: conn}
	s := NewSession(neg, ctrl)
	t.Cleanup(s.Hangup)
	return s, neg, capture, ctrl
}

func TestDialAndHangup(t *testing.T) {
	s, neg, capture, ctrl := newSession(t)
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Dial(context.Background(), "P2"))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "P2", neg.dialed)
	assert.Same(t, capture.local, neg.local)

	remote := media.NewStream("remote", &stubTrack{id: "rv", kind: media.KindVideo})
	neg.conn.emitStream(remote)
	assert.Same(t, remote, ctrl.RemoteStream())
	assert.True(t, ctrl.Monitoring())

	s.Hangup()
	s.Hangup()

	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, 1, neg.conn.closed)
	assert.False(t, neg.conn.monitoringAtEnd, "monitoring stops before the connection closes")
	assert.Nil(t, ctrl.LocalStream())
	for _, tr := range capture.local.Tracks() {
		assert.True(t, tr.(*stubTrack).Stopped())
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, s.Dial(context.Background(), "P2"), ErrEnded)
}

func TestAnswer(t *testing.T) {
	s, neg, _, _ := newSession(t)
	require.NoError(t, s.Answer(context.Background()))
	assert.True(t, neg.accepted)
	assert.ErrorIs(t, s.Answer(context.Background()), ErrBusy)
}

func TestNegotiationFailureReleasesMedia(t *testing.T) {
	s, neg, capture, ctrl := newSession(t)
	boom := errors.New("ice failed")
	neg.err = boom

	err := s.Dial(context.Background(), "P2")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Err(), boom)
	assert.Equal(t, StateEnded, s.State())
	assert.Nil(t, ctrl.LocalStream())
	assert.True(t, capture.local.Tracks()[0].(*stubTrack).Stopped())
}

func TestCaptureFailureIsFatal(t *testing.T) {
	s, neg, capture, _ := newSession(t)
	capture.err = errors.New("no camera")

	err := s.Dial(context.Background(), "P2")
	assert.ErrorIs(t, err, capture.err)
	assert.Empty(t, neg.dialed, "no negotiation without local media")
	assert.Equal(t, StateEnded, s.State())
}

func TestRemoteCloseEndsCall(t *testing.T) {
	s, neg, _, _ := newSession(t)
	require.NoError(t, s.Dial(context.Background(), "P2"))

	neg.conn.remoteClose()
	<-s.Done()
	assert.Equal(t, StateEnded, s.State())
	assert.NoError(t, s.Err())
}

func TestConnectionErrorEndsCall(t *testing.T) {
	s, neg, _, _ := newSession(t)
	require.NoError(t, s.Dial(context.Background(), "P2"))

	boom := errors.New("dtls failure")
	neg.conn.fail(boom)
	<-s.Done()
	assert.ErrorIs(t, s.Err(), boom)

	neg.conn.emitStream(media.NewStream("late"))
	assert.Equal(t, StateEnded, s.State())
}

func TestDeviceSwitchFollowsIntoCall(t *testing.T) {
	s, neg, capture, ctrl := newSession(t)
	capture.devices = []media.Device{{ID: "cam-2", Kind: media.KindVideo, Label: "USB"}}
	require.NoError(t, s.Dial(context.Background(), "P2"))
	first := capture.local

	require.NoError(t, ctrl.SetSourceDevice(context.Background(), "cam-2"))
	require.NotSame(t, first, capture.local)

	neg.conn.mu.Lock()
	replaced := append([]media.Stream(nil), neg.conn.replaced...)
	neg.conn.mu.Unlock()
	require.Len(t, replaced, 1)
	assert.Same(t, capture.local, replaced[0])
	assert.True(t, first.Tracks()[1].(*stubTrack).Stopped())
}
