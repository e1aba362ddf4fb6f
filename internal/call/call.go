// Package call ties one two-party media session to the adaptive
// controller and its quality sampler.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/peershare/internal/media"
	"github.com/dkeye/peershare/internal/quality"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy  = errors.New("call already in progress")
	ErrEnded = errors.New("call ended")
)

// MediaConnection is an established negotiation with one remote peer.
type MediaConnection interface {
	quality.StatsSource
	PeerID() string
	OnStream(fn func(media.Stream))
	OnClose(fn func())
	OnError(fn func(error))
	Close() error
}

// LocalReplacer is implemented by connections that can switch the tracks
// they send mid-call.
type LocalReplacer interface {
	ReplaceLocalStream(s media.Stream) error
}

// Negotiator performs offer/answer with a remote peer.
type Negotiator interface {
	Initiate(ctx context.Context, remotePeerID string, local media.Stream) (MediaConnection, error)
	Accept(ctx context.Context, local media.Stream) (MediaConnection, error)
}

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
)

// Session is a single call. It is not reusable after Hangup.
type Session struct {
	neg  Negotiator
	ctrl *media.Controller

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	conn  MediaConnection
	err   error

	hangupOnce sync.Once
	done       chan struct{}
}

func NewSession(neg Negotiator, ctrl *media.Controller) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		neg:    neg,
		ctrl:   ctrl,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

// Dial calls remotePeerID with the local camera and microphone.
func (s *Session) Dial(ctx context.Context, remotePeerID string) error {
	return s.establish(ctx, func(local media.Stream) (MediaConnection, error) {
		return s.neg.Initiate(ctx, remotePeerID, local)
	})
}

// Answer accepts the pending incoming call.
func (s *Session) Answer(ctx context.Context) error {
	return s.establish(ctx, func(local media.Stream) (MediaConnection, error) {
		return s.neg.Accept(ctx, local)
	})
}

func (s *Session) establish(ctx context.Context, negotiate func(media.Stream) (MediaConnection, error)) error {
	s.mu.Lock()
	switch s.state {
	case StateEnded:
		s.mu.Unlock()
		return ErrEnded
	case StateIdle:
	default:
		s.mu.Unlock()
		return ErrBusy
	}
	s.state = StateConnecting
	s.mu.Unlock()

	local, err := s.ctrl.LocalMedia(ctx)
	if err != nil {
		s.fail(err)
		return err
	}
	conn, err := negotiate(local)
	if err != nil {
		err = fmt.Errorf("negotiate: %w", err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrEnded
	}
	s.conn = conn
	s.state = StateActive
	s.mu.Unlock()

	s.attach(conn)
	s.followLocal(conn)
	log.Info().Str("module", "call").Str("peer_id", conn.PeerID()).Msg("call established")
	return nil
}

func (s *Session) attach(conn MediaConnection) {
	conn.OnStream(func(remote media.Stream) {
		if s.State() != StateActive {
			return
		}
		s.ctrl.SetRemoteStream(remote)
		if !s.ctrl.Monitoring() {
			s.ctrl.StartMonitoring(s.ctx, conn)
		}
	})
	conn.OnClose(func() {
		log.Info().Str("module", "call").Str("peer_id", conn.PeerID()).Msg("remote closed the call")
		s.Hangup()
	})
	conn.OnError(func(err error) {
		log.Error().Err(err).Str("module", "call").Str("peer_id", conn.PeerID()).Msg("call error")
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		s.Hangup()
	})
}

// followLocal keeps conn sending the current local stream after a device
// switch.
func (s *Session) followLocal(conn MediaConnection) {
	r, ok := conn.(LocalReplacer)
	if !ok {
		return
	}
	s.ctrl.Subscribe(media.ObserverFuncs{
		OnStream: func(role media.Role, local media.Stream) {
			if role != media.RoleLocal || local == nil || s.State() != StateActive {
				return
			}
			if err := r.ReplaceLocalStream(local); err != nil {
				log.Warn().Err(err).Str("module", "call").Str("peer_id", conn.PeerID()).Msg("failed to switch local tracks")
			}
		},
	})
}

func (s *Session) fail(err error) {
	log.Error().Err(err).Str("module", "call").Msg("call setup failed")
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Hangup()
}

// Hangup stops monitoring, then closes the connection and releases media.
func (s *Session) Hangup() {
	s.hangupOnce.Do(func() {
		s.mu.Lock()
		s.state = StateEnded
		conn := s.conn
		s.mu.Unlock()

		s.ctrl.StopMonitoring()
		s.cancel()
		if conn != nil {
			if err := conn.Close(); err != nil {
				log.Warn().Err(err).Str("module", "call").Msg("connection close failed")
			}
		}
		s.ctrl.Close()
		close(s.done)
		log.Info().Str("module", "call").Msg("call ended")
	})
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the error that ended the call, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed after Hangup completes.
func (s *Session) Done() <-chan struct{} { return s.done }
