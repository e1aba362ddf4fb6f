package rtc

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrBadDescription = errors.New("malformed session description")

type descriptionLine struct {
	PeerID string                    `json:"peerId"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

// StreamExchange carries session descriptions as single base64 lines over
// a reader and a writer, so two peers can be joined by copy and paste or
// by piping one side into the other.
type StreamExchange struct {
	self string
	out  io.Writer

	mu      sync.Mutex
	in      *bufio.Reader
	once    sync.Once
	lines   chan string
	done    chan struct{}
	readErr error
}

func NewStreamExchange(self string, in io.Reader, out io.Writer) *StreamExchange {
	return &StreamExchange{
		self:  self,
		out:   out,
		in:    bufio.NewReader(in),
		lines: make(chan string),
		done:  make(chan struct{}),
	}
}

func (e *StreamExchange) SendOffer(ctx context.Context, peerID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := e.write(peerID, offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	_, answer, err := e.read(ctx, webrtc.SDPTypeAnswer)
	return answer, err
}

func (e *StreamExchange) ReceiveOffer(ctx context.Context) (string, webrtc.SessionDescription, error) {
	return e.read(ctx, webrtc.SDPTypeOffer)
}

func (e *StreamExchange) SendAnswer(_ context.Context, peerID string, answer webrtc.SessionDescription) error {
	return e.write(peerID, answer)
}

func (e *StreamExchange) write(peerID string, desc webrtc.SessionDescription) error {
	line, err := EncodeDescription(e.self, desc)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintln(e.out, line); err != nil {
		return fmt.Errorf("write %s: %w", desc.Type, err)
	}
	log.Debug().Str("module", "adapters.rtc").Str("peer_id", peerID).Str("type", desc.Type.String()).Msg("description written")
	return nil
}

func (e *StreamExchange) read(ctx context.Context, want webrtc.SDPType) (string, webrtc.SessionDescription, error) {
	e.once.Do(func() { go e.scan() })
	for {
		select {
		case <-ctx.Done():
			return "", webrtc.SessionDescription{}, ctx.Err()
		case <-e.done:
			return "", webrtc.SessionDescription{}, fmt.Errorf("read %s: %w", want, e.readErr)
		case line := <-e.lines:
			if line == "" {
				continue
			}
			peerID, desc, err := DecodeDescription(line)
			if err != nil {
				return "", webrtc.SessionDescription{}, err
			}
			if desc.Type != want {
				return "", webrtc.SessionDescription{}, fmt.Errorf("%w: want %s, got %s", ErrBadDescription, want, desc.Type)
			}
			return peerID, desc, nil
		}
	}
}

// scan feeds input lines to read. It stops at the first read error, which
// every later read returns.
func (e *StreamExchange) scan() {
	for {
		line, err := e.in.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" || err == nil {
			e.lines <- line
		}
		if err != nil {
			e.readErr = err
			close(e.done)
			return
		}
	}
}

// EncodeDescription renders desc and the sender's peer id as one base64 line.
func EncodeDescription(peerID string, desc webrtc.SessionDescription) (string, error) {
	data, err := json.Marshal(descriptionLine{PeerID: peerID, SDP: desc})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", desc.Type, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func DecodeDescription(line string) (string, webrtc.SessionDescription, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return "", webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrBadDescription, err)
	}
	var d descriptionLine
	if err := json.Unmarshal(data, &d); err != nil {
		return "", webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrBadDescription, err)
	}
	if d.SDP.SDP == "" {
		return "", webrtc.SessionDescription{}, fmt.Errorf("%w: empty sdp", ErrBadDescription)
	}
	return d.PeerID, d.SDP, nil
}
