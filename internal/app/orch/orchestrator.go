package orch

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/peershare/internal/app"
	"github.com/dkeye/peershare/internal/core"
	"github.com/dkeye/peershare/internal/domain"
	"github.com/dkeye/peershare/internal/protocol"
	"github.com/rs/zerolog/log"
)

// State is the signaling state of one connection.
type State int

const (
	StateConnected State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is the per-connection state. Frames of one session are handled
// one at a time.
type Session struct {
	ID   core.SessionID
	Conn core.SignalConnection

	mu       sync.Mutex
	state    State
	memberID domain.MemberID
	groupID  domain.GroupID
}

// Identity returns the member and group bound to the session, if any.
func (s *Session) Identity() (domain.MemberID, domain.GroupID, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberID, s.groupID, s.state
}

// Orchestrator routes decoded protocol messages to registry mutations and
// fans the resulting events out to group members.
type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy
	Now      func() time.Time
}

func New(reg *app.Registry, policy app.Policy) *Orchestrator {
	if policy == nil {
		policy = app.SimplePolicy{Action: app.DropFrame}
	}
	return &Orchestrator{Registry: reg, Policy: policy, Now: time.Now}
}

// Connect registers a fresh connection and greets it.
func (o *Orchestrator) Connect(sid core.SessionID, conn core.SignalConnection) *Session {
	s := &Session{ID: sid, Conn: conn, state: StateConnected}
	log.Info().Str("module", "app.orch").Str("sid", string(sid)).Msg("connection established")
	o.send(conn, &protocol.ConnectionEstablished{})
	return s
}

// HandleFrame decodes one inbound frame and dispatches it.
func (o *Orchestrator) HandleFrame(s *Session, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		o.sendDecodeError(s, err)
		return
	}
	in, ok := env.Message.(protocol.Inbound)
	if !ok {
		o.send(s.Conn, &protocol.Error{
			Code:    protocol.CodeInvalidMessage,
			Message: "Invalid message format",
			Details: map[string]any{"validationErrors": []string{"type: " + string(env.Message.Type()) + " is not accepted from clients"}},
		})
		return
	}
	log.Debug().Str("module", "app.orch").Str("sid", string(s.ID)).Str("type", string(in.Type())).Msg("frame")
	in.Accept(&handler{o: o, s: s})
}

// Disconnect releases the registry state of a closed connection.
func (o *Orchestrator) Disconnect(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	o.leaveLocked(s)
	s.state = StateClosed
	log.Info().Str("module", "app.orch").Str("sid", string(s.ID)).Msg("connection closed")
}

// leaveLocked removes the session's member, notifies the rest of its group
// and returns the session to the anonymous state.
func (o *Orchestrator) leaveLocked(s *Session) {
	info, member, ok := o.Registry.CleanupByConnection(s.Conn)
	s.memberID, s.groupID = "", ""
	if s.state == StateIdentified {
		s.state = StateConnected
	}
	if !ok {
		return
	}
	o.broadcast(info.ID, member.ID, &protocol.UserLeft{
		UserID:   string(member.ID),
		Username: member.Username,
	})
}

// discover announces a member's peer id to the group and hands the member
// the group's current peer list.
func (o *Orchestrator) discover(member app.Member) {
	if !member.HasPeer() {
		return
	}
	o.broadcast(member.GroupID, member.ID, &protocol.PeerJoined{
		PeerID:   member.PeerID,
		Username: member.Username,
	})
	peers := o.Registry.GroupPeers(member.GroupID)
	out := make([]protocol.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, protocol.PeerInfo{PeerID: p.PeerID, Username: p.Username})
	}
	o.send(member.Conn, &protocol.ExistingPeers{Peers: out})
}

// broadcast delivers msg to every member of the group except the sender.
func (o *Orchestrator) broadcast(groupID domain.GroupID, except domain.MemberID, msg protocol.Message) core.PublishResult {
	frame, err := o.encode(msg)
	if err != nil {
		return core.PublishResult{}
	}
	members := o.Registry.GroupMembers(groupID)
	targets := make([]core.SignalConnection, 0, len(members))
	for _, m := range members {
		if m.ID != except {
			targets = append(targets, m.Conn)
		}
	}
	res := core.Fanout(targets, frame)
	for _, slow := range res.Dropped {
		o.onBackpressure(groupID, slow)
	}
	log.Debug().Str("module", "app.orch").Str("group_id", string(groupID)).Str("type", string(msg.Type())).
		Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (o *Orchestrator) send(conn core.SignalConnection, msg protocol.Message) {
	if conn == nil || !conn.IsOpen() {
		return
	}
	frame, err := o.encode(msg)
	if err != nil {
		return
	}
	if err := conn.TrySend(frame); err != nil && errors.Is(err, core.ErrBackpressure) {
		o.onBackpressure("", conn)
	}
}

func (o *Orchestrator) sendError(conn core.SignalConnection, e *protocol.Error) {
	log.Warn().Str("module", "app.orch").Str("code", string(e.Code)).Str("message", e.Message).Msg("error reply")
	o.send(conn, e)
}

func (o *Orchestrator) sendDecodeError(s *Session, err error) {
	var de *protocol.DecodeError
	if errors.As(err, &de) && de.Syntax {
		o.sendError(s.Conn, &protocol.Error{
			Code:    protocol.CodeInvalidMessage,
			Message: "Invalid JSON format",
			Details: map[string]any{"error": de.Error()},
		})
		return
	}
	var issues []string
	if de != nil {
		issues = de.Issues
	}
	o.sendError(s.Conn, &protocol.Error{
		Code:    protocol.CodeInvalidMessage,
		Message: "Invalid message format",
		Details: map[string]any{"validationErrors": issues},
	})
}

func (o *Orchestrator) onBackpressure(groupID domain.GroupID, conn core.SignalConnection) {
	action := o.Policy.OnBackPressure(string(groupID), conn)
	log.Warn().Str("module", "app.orch").Str("group_id", string(groupID)).Str("action", action.String()).Msg("backpressure")
	if action == app.KickMember {
		conn.Close()
	}
}

func (o *Orchestrator) encode(msg protocol.Message) (core.Frame, error) {
	data, err := protocol.Encode(protocol.Stamp(msg, o.Now()))
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("type", string(msg.Type())).Msg("encode")
		return nil, err
	}
	return data, nil
}

func userInfo(m app.Member) protocol.UserInfo {
	return protocol.UserInfo{ID: string(m.ID), Username: m.Username, PeerID: m.PeerID}
}
