package orch

import (
	"github.com/dkeye/peershare/internal/app"
	"github.com/dkeye/peershare/internal/domain"
	"github.com/dkeye/peershare/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handler applies inbound messages for one session. The orchestrator holds
// the session lock for the duration of every call.
type handler struct {
	o *Orchestrator
	s *Session
}

var _ protocol.InboundHandler = (*handler)(nil)

func (h *handler) CreateGroup(m *protocol.CreateGroup) {
	if h.s.state == StateIdentified {
		// a rejected request keeps the member where it is
		if _, err := domain.NormalizeGroupName(m.GroupName); err != nil {
			h.o.sendError(h.s.Conn, protocol.ErrorFor(err))
			return
		}
		if err := domain.ValidateUsername(m.Username); err != nil {
			h.o.sendError(h.s.Conn, protocol.ErrorFor(err))
			return
		}
		h.o.leaveLocked(h.s)
	}
	gid, member, err := h.o.Registry.CreateGroup(m.GroupName, m.Username, h.s.Conn)
	if err != nil {
		h.o.sendError(h.s.Conn, protocol.ErrorFor(err))
		return
	}
	h.identify(member)

	info, _ := h.o.Registry.Group(gid)
	h.o.send(h.s.Conn, &protocol.GroupCreated{
		GroupID:   string(gid),
		GroupName: info.Name,
		User:      protocol.UserInfo{ID: string(member.ID), Username: member.Username},
	})
}

func (h *handler) JoinGroup(m *protocol.JoinGroup) {
	gid := domain.GroupID(m.GroupID)
	if h.s.state == StateIdentified && h.s.groupID == gid {
		h.rejoin(m)
		return
	}
	if h.s.state == StateIdentified {
		if err := h.checkJoin(gid, m); err != nil {
			h.o.sendError(h.s.Conn, protocol.ErrorFor(err))
			return
		}
		h.o.leaveLocked(h.s)
	}

	member, err := h.o.Registry.JoinGroup(gid, m.Username, h.s.Conn, m.PeerID)
	if err != nil {
		h.o.sendError(h.s.Conn, protocol.ErrorFor(err))
		return
	}
	h.identify(member)

	h.replyJoined(member)
	h.o.broadcast(gid, member.ID, &protocol.UserJoined{User: userInfo(member)})
	if m.PeerID != "" {
		h.o.discover(member)
	}
}

func (h *handler) checkJoin(gid domain.GroupID, m *protocol.JoinGroup) error {
	if err := domain.ValidateUsername(m.Username); err != nil {
		return err
	}
	if m.PeerID != "" {
		if err := domain.ValidatePeerID(m.PeerID); err != nil {
			return err
		}
	}
	return h.o.Registry.CheckJoin(gid)
}

// rejoin answers a join for the group the session is already in without
// creating a second member.
func (h *handler) rejoin(m *protocol.JoinGroup) {
	if m.PeerID != "" {
		h.o.Registry.SetMemberPeerID(h.s.memberID, m.PeerID)
	}
	member, ok := h.o.Registry.Member(h.s.memberID)
	if !ok {
		h.o.sendError(h.s.Conn, protocol.ErrorFor(domain.ErrMemberNotFound))
		return
	}
	h.replyJoined(member)
	if m.PeerID != "" {
		h.o.discover(member)
	}
}

func (h *handler) replyJoined(member app.Member) {
	info, ok := h.o.Registry.Group(member.GroupID)
	if !ok {
		h.o.sendError(h.s.Conn, protocol.ErrorFor(domain.ErrGroupNotFound))
		return
	}
	others := make([]protocol.UserInfo, 0, info.MemberCount)
	for _, gm := range h.o.Registry.GroupMembers(member.GroupID) {
		if gm.ID != member.ID {
			others = append(others, userInfo(gm))
		}
	}
	h.o.send(h.s.Conn, &protocol.GroupJoined{
		GroupID:   string(member.GroupID),
		GroupName: info.Name,
		User:      protocol.UserInfo{ID: string(member.ID), Username: member.Username},
		Members:   others,
	})
}

func (h *handler) LeaveGroup(m *protocol.LeaveGroup) {
	if h.s.state != StateIdentified || domain.MemberID(m.UserID) != h.s.memberID {
		h.o.sendError(h.s.Conn, protocol.NewError(protocol.CodeUserNotFound, "User ID mismatch"))
		return
	}
	log.Info().Str("module", "app.orch").Str("sid", string(h.s.ID)).Str("member_id", m.UserID).Msg("leave")
	h.o.leaveLocked(h.s)
}

func (h *handler) UpdatePeerID(m *protocol.UpdatePeerID) {
	if h.s.state != StateIdentified {
		h.o.sendError(h.s.Conn, protocol.NewError(protocol.CodeUserNotFound, "User not authenticated"))
		return
	}
	if !h.o.Registry.SetMemberPeerID(h.s.memberID, m.PeerID) {
		h.o.sendError(h.s.Conn, protocol.ErrorFor(domain.ErrMemberNotFound))
		return
	}
	member, ok := h.o.Registry.Member(h.s.memberID)
	if !ok {
		return
	}
	h.o.discover(member)
}

func (h *handler) CallRequest(m *protocol.CallRequest) {
	target, ok := h.o.Registry.MemberByPeerID(m.TargetPeerID)
	if !ok {
		h.o.sendError(h.s.Conn, protocol.ErrorFor(domain.ErrPeerNotFound))
		return
	}
	log.Info().Str("module", "app.orch").Str("from_peer", m.FromPeerID).Str("to_peer", m.TargetPeerID).Msg("call request")
	h.o.send(target.Conn, &protocol.IncomingCallRequest{
		FromPeerID:   m.FromPeerID,
		FromUsername: m.FromUsername,
	})
}

// CallResponse is sent by the callee with fromPeerId naming the caller. The
// caller receives it with both ids swapped, so fromPeerId is the callee.
func (h *handler) CallResponse(m *protocol.CallResponse) {
	caller, ok := h.o.Registry.MemberByPeerID(m.FromPeerID)
	if !ok {
		h.o.sendError(h.s.Conn, protocol.NewError(protocol.CodePeerNotFound, "Caller peer not found"))
		return
	}
	log.Info().Str("module", "app.orch").Str("caller", m.FromPeerID).Str("callee", m.ToPeerID).
		Bool("accepted", m.IsAccepted()).Msg("call response")
	h.o.send(caller.Conn, protocol.NewCallResponse(m.IsAccepted(), m.ToPeerID, m.FromPeerID))
}

func (h *handler) identify(member app.Member) {
	h.s.state = StateIdentified
	h.s.memberID = member.ID
	h.s.groupID = member.GroupID
	log.Info().Str("module", "app.orch").Str("sid", string(h.s.ID)).Str("member_id", string(member.ID)).
		Str("group_id", string(member.GroupID)).Msg("identified")
}
