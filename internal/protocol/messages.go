// Package protocol defines the signaling wire contract: a closed set of
// envelope variants selected by the "type" discriminator.
package protocol

type Type string

const (
	TypeCreateGroup  Type = "create-group"
	TypeJoinGroup    Type = "join-group"
	TypeLeaveGroup   Type = "leave-group"
	TypeUpdatePeerID Type = "update-peer-id"
	TypeCallRequest  Type = "call-request"
	TypeCallResponse Type = "call-response"

	TypeConnectionEstablished Type = "connection-established"
	TypeGroupCreated          Type = "group-created"
	TypeGroupJoined           Type = "group-joined"
	TypeUserJoined            Type = "user-joined"
	TypeUserLeft              Type = "user-left"
	TypePeerJoined            Type = "peer-joined"
	TypeExistingPeers         Type = "existing-peers"
	TypeIncomingCallRequest   Type = "incoming-call-request"
	TypeError                 Type = "error"

	// Wildcard subscribes to every type. It never appears on the wire.
	Wildcard Type = "*"
)

// Message is implemented only by the variants in this package.
type Message interface {
	Type() Type
	message()
}

// Inbound is a client to server message.
type Inbound interface {
	Message
	Accept(h InboundHandler)
}

// InboundHandler has one method per inbound variant, so a new variant does
// not compile until every dispatcher handles it.
type InboundHandler interface {
	CreateGroup(m *CreateGroup)
	JoinGroup(m *JoinGroup)
	LeaveGroup(m *LeaveGroup)
	UpdatePeerID(m *UpdatePeerID)
	CallRequest(m *CallRequest)
	CallResponse(m *CallResponse)
}

type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	PeerID   string `json:"peerId,omitempty"`
}

type PeerInfo struct {
	PeerID   string `json:"peerId"`
	Username string `json:"username"`
}

type CreateGroup struct {
	GroupName string `json:"groupName" validate:"required,groupname"`
	Username  string `json:"username" validate:"required,username"`
}

type JoinGroup struct {
	GroupID  string `json:"groupId" validate:"required,groupid"`
	Username string `json:"username" validate:"required,username"`
	PeerID   string `json:"peerId,omitempty" validate:"omitempty,max=100"`
}

type LeaveGroup struct {
	UserID string `json:"userId" validate:"required,userid"`
}

type UpdatePeerID struct {
	PeerID string `json:"peerId" validate:"required,max=100"`
}

type CallRequest struct {
	TargetPeerID string `json:"targetPeerId" validate:"required,max=100"`
	FromPeerID   string `json:"fromPeerId" validate:"required,max=100"`
	FromUsername string `json:"fromUsername" validate:"required,username"`
}

// CallResponse travels both ways: the callee sends it and the gateway
// forwards it unchanged to the caller.
// Accepted is a pointer so a frame without the field fails validation
// instead of reading as a reject.
type CallResponse struct {
	Accepted   *bool  `json:"accepted" validate:"required"`
	FromPeerID string `json:"fromPeerId" validate:"required,max=100"`
	ToPeerID   string `json:"toPeerId" validate:"required,max=100"`
}

func NewCallResponse(accepted bool, fromPeerID, toPeerID string) *CallResponse {
	return &CallResponse{Accepted: &accepted, FromPeerID: fromPeerID, ToPeerID: toPeerID}
}

func (m *CallResponse) IsAccepted() bool { return m.Accepted != nil && *m.Accepted }

// ConnectionEstablished greets a new connection. The identity fields stay
// empty until the connection creates or joins a group.
type ConnectionEstablished struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
}

type GroupCreated struct {
	GroupID   string   `json:"groupId"`
	GroupName string   `json:"groupName"`
	User      UserInfo `json:"user"`
}

type GroupJoined struct {
	GroupID   string     `json:"groupId"`
	GroupName string     `json:"groupName"`
	User      UserInfo   `json:"user"`
	Members   []UserInfo `json:"members"`
}

type UserJoined struct {
	User UserInfo `json:"user"`
}

type UserLeft struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type PeerJoined struct {
	PeerID   string `json:"peerId"`
	Username string `json:"username"`
}

type ExistingPeers struct {
	Peers []PeerInfo `json:"peers"`
}

type IncomingCallRequest struct {
	FromPeerID   string `json:"fromPeerId"`
	FromUsername string `json:"fromUsername"`
}

func (*CreateGroup) Type() Type           { return TypeCreateGroup }
func (*JoinGroup) Type() Type             { return TypeJoinGroup }
func (*LeaveGroup) Type() Type            { return TypeLeaveGroup }
func (*UpdatePeerID) Type() Type          { return TypeUpdatePeerID }
func (*CallRequest) Type() Type           { return TypeCallRequest }
func (*CallResponse) Type() Type          { return TypeCallResponse }
func (*ConnectionEstablished) Type() Type { return TypeConnectionEstablished }
func (*GroupCreated) Type() Type          { return TypeGroupCreated }
func (*GroupJoined) Type() Type           { return TypeGroupJoined }
func (*UserJoined) Type() Type            { return TypeUserJoined }
func (*UserLeft) Type() Type              { return TypeUserLeft }
func (*PeerJoined) Type() Type            { return TypePeerJoined }
func (*ExistingPeers) Type() Type         { return TypeExistingPeers }
func (*IncomingCallRequest) Type() Type   { return TypeIncomingCallRequest }
func (*Error) Type() Type                 { return TypeError }

func (*CreateGroup) message()           {}
func (*JoinGroup) message()             {}
func (*LeaveGroup) message()            {}
func (*UpdatePeerID) message()          {}
func (*CallRequest) message()           {}
func (*CallResponse) message()          {}
func (*ConnectionEstablished) message() {}
func (*GroupCreated) message()          {}
func (*GroupJoined) message()           {}
func (*UserJoined) message()            {}
func (*UserLeft) message()              {}
func (*PeerJoined) message()            {}
func (*ExistingPeers) message()         {}
func (*IncomingCallRequest) message()   {}
func (*Error) message()                 {}

func (m *CreateGroup) Accept(h InboundHandler)  { h.CreateGroup(m) }
func (m *JoinGroup) Accept(h InboundHandler)    { h.JoinGroup(m) }
func (m *LeaveGroup) Accept(h InboundHandler)   { h.LeaveGroup(m) }
func (m *UpdatePeerID) Accept(h InboundHandler) { h.UpdatePeerID(m) }
func (m *CallRequest) Accept(h InboundHandler)  { h.CallRequest(m) }
func (m *CallResponse) Accept(h InboundHandler) { h.CallResponse(m) }

var factories = map[Type]func() Message{
	TypeCreateGroup:           func() Message { return &CreateGroup{} },
	TypeJoinGroup:             func() Message { return &JoinGroup{} },
	TypeLeaveGroup:            func() Message { return &LeaveGroup{} },
	TypeUpdatePeerID:          func() Message { return &UpdatePeerID{} },
	TypeCallRequest:           func() Message { return &CallRequest{} },
	TypeCallResponse:          func() Message { return &CallResponse{} },
	TypeConnectionEstablished: func() Message { return &ConnectionEstablished{} },
	TypeGroupCreated:          func() Message { return &GroupCreated{} },
	TypeGroupJoined:           func() Message { return &GroupJoined{} },
	TypeUserJoined:            func() Message { return &UserJoined{} },
	TypeUserLeft:              func() Message { return &UserLeft{} },
	TypePeerJoined:            func() Message { return &PeerJoined{} },
	TypeExistingPeers:         func() Message { return &ExistingPeers{} },
	TypeIncomingCallRequest:   func() Message { return &IncomingCallRequest{} },
	TypeError:                 func() Message { return &Error{} },
}

// Known reports whether t names a wire variant.
func Known(t Type) bool {
	_, ok := factories[t]
	return ok
}
