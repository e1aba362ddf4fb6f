// Package signalclient is a Go client for the signaling gateway.
package signalclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/peershare/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected  = errors.New("signaling client is not connected")
	ErrMaxReconnects = errors.New("max reconnection attempts reached")
	ErrClosed        = errors.New("signaling client closed")
)

type Config struct {
	URL                  string        `mapstructure:"url"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	WriteWait            time.Duration `mapstructure:"write_wait"`
}

func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:8080/ws",
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		WriteWait:            5 * time.Second,
	}
}

// Handler receives decoded envelopes on the client's read goroutine.
type Handler func(env protocol.Envelope)

type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	header http.Header
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	hmu      sync.RWMutex
	handlers map[protocol.Type]map[uint64]Handler
	nextID   uint64

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

type Option func(*Client)

// WithHeader sets headers sent on every dial, e.g. a client token cookie.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	c := &Client{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		sleep:    sleepCtx,
		now:      time.Now,
		handlers: make(map[protocol.Type]map[uint64]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// On registers h for messages of type t, or for every message when t is
// protocol.Wildcard. Handler order is unspecified.
func (c *Client) On(t protocol.Type, h Handler) (off func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	id := c.nextID
	c.nextID++
	if c.handlers[t] == nil {
		c.handlers[t] = make(map[uint64]Handler)
	}
	c.handlers[t][id] = h
	return func() {
		c.hmu.Lock()
		delete(c.handlers[t], id)
		c.hmu.Unlock()
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the gateway. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn != nil {
		_ = conn.Close()
		if c.closed {
			return ErrClosed
		}
		return nil
	}
	c.conn = conn
	log.Info().Str("module", "signalclient").Str("url", c.cfg.URL).Msg("connected")
	return nil
}

// Run reads and dispatches messages until ctx ends or Close is called. A
// dropped connection is redialed after ReconnectDelay*2^(attempt-1); the
// attempt count resets after every successful dial.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn, closed := c.conn, c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}
		if conn != nil {
			err := c.readLoop(ctx, conn)
			c.drop(conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.isClosed() {
				return nil
			}
			log.Warn().Err(err).Str("module", "signalclient").Msg("connection lost")
		}
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := c.cfg.ReconnectDelay * time.Duration(1<<(attempt-1))
		log.Info().Str("module", "signalclient").Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxReconnectAttempts).Dur("delay", delay).Msg("reconnecting")
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return nil
		}
		log.Warn().Err(err).Str("module", "signalclient").Int("attempt", attempt).Msg("reconnect failed")
	}
	log.Error().Str("module", "signalclient").Msg("max reconnection attempts reached")
	return ErrMaxReconnects
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signalclient").Msg("undecodable message dropped")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	t := env.Message.Type()
	c.hmu.RLock()
	var hs []Handler
	for _, h := range c.handlers[t] {
		hs = append(hs, h)
	}
	for _, h := range c.handlers[protocol.Wildcard] {
		hs = append(hs, h)
	}
	c.hmu.RUnlock()

	log.Debug().Str("module", "signalclient").Str("type", string(t)).Int("handlers", len(hs)).Msg("message received")
	for _, h := range hs {
		h(env)
	}
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send stamps and writes msg.
func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(protocol.Stamp(msg, c.now()))
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

func (c *Client) CreateGroup(groupName, username string) error {
	return c.Send(&protocol.CreateGroup{GroupName: groupName, Username: username})
}

func (c *Client) JoinGroup(groupID, username, peerID string) error {
	return c.Send(&protocol.JoinGroup{GroupID: groupID, Username: username, PeerID: peerID})
}

func (c *Client) LeaveGroup(userID string) error {
	return c.Send(&protocol.LeaveGroup{UserID: userID})
}

func (c *Client) UpdatePeerID(peerID string) error {
	return c.Send(&protocol.UpdatePeerID{PeerID: peerID})
}

func (c *Client) RequestCall(targetPeerID, fromPeerID, fromUsername string) error {
	return c.Send(&protocol.CallRequest{TargetPeerID: targetPeerID, FromPeerID: fromPeerID, FromUsername: fromUsername})
}

func (c *Client) RespondToCall(accepted bool, fromPeerID, toPeerID string) error {
	return c.Send(protocol.NewCallResponse(accepted, fromPeerID, toPeerID))
}

// Close sends a close frame and stops Run without reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.cfg.WriteWait))
	err := c.conn.Close()
	c.conn = nil
	log.Info().Str("module", "signalclient").Msg("closed")
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
