package rtc

import (
	"context"
	"fmt"

	"github.com/dkeye/peershare/internal/call"
	"github.com/dkeye/peershare/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// SDPExchange carries complete (non-trickle) session descriptions between
// peers.
type SDPExchange interface {
	SendOffer(ctx context.Context, peerID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ReceiveOffer(ctx context.Context) (peerID string, offer webrtc.SessionDescription, err error)
	SendAnswer(ctx context.Context, peerID string, answer webrtc.SessionDescription) error
}

// Negotiator implements call.Negotiator with pion.
type Negotiator struct {
	cfg      webrtc.Configuration
	exchange SDPExchange
}

func NewNegotiator(cfg webrtc.Configuration, exchange SDPExchange) *Negotiator {
	return &Negotiator{cfg: cfg, exchange: exchange}
}

func (n *Negotiator) Initiate(ctx context.Context, remotePeerID string, local media.Stream) (call.MediaConnection, error) {
	conn, err := n.prepare(remotePeerID, local)
	if err != nil {
		return nil, err
	}
	offer, err := conn.Offer(ctx)
	if err != nil {
		return nil, n.abort(conn, "create offer", err)
	}
	answer, err := n.exchange.SendOffer(ctx, remotePeerID, *offer)
	if err != nil {
		return nil, n.abort(conn, "send offer", err)
	}
	if err := conn.ApplyAnswer(answer); err != nil {
		return nil, n.abort(conn, "apply answer", err)
	}
	log.Info().Str("module", "adapters.rtc").Str("peer_id", remotePeerID).Msg("offer answered")
	return conn, nil
}

func (n *Negotiator) Accept(ctx context.Context, local media.Stream) (call.MediaConnection, error) {
	peerID, offer, err := n.exchange.ReceiveOffer(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive offer: %w", err)
	}
	conn, err := n.prepare(peerID, local)
	if err != nil {
		return nil, err
	}
	answer, err := conn.Answer(ctx, offer)
	if err != nil {
		return nil, n.abort(conn, "create answer", err)
	}
	if err := n.exchange.SendAnswer(ctx, peerID, *answer); err != nil {
		return nil, n.abort(conn, "send answer", err)
	}
	log.Info().Str("module", "adapters.rtc").Str("peer_id", peerID).Msg("offer accepted")
	return conn, nil
}

func (n *Negotiator) prepare(peerID string, local media.Stream) (*Connection, error) {
	conn, err := NewConnection(n.cfg, peerID)
	if err != nil {
		return nil, err
	}
	if err := conn.AddLocalStream(local); err != nil {
		return nil, n.abort(conn, "attach local media", err)
	}
	return conn, nil
}

func (n *Negotiator) abort(conn *Connection, step string, err error) error {
	_ = conn.Close()
	return fmt.Errorf("%s: %w", step, err)
}
