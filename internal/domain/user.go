package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxUsernameLen = 50
	MaxPeerIDLen   = 100

	memberIDPrefix = "user_"
)

var (
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameInvalid = errors.New("username may only contain letters, numbers, underscores, and hyphens")
	ErrPeerIDInvalid   = errors.New("peer id must be 1-100 characters")
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	memberIDPattern = regexp.MustCompile(`^user_[a-zA-Z0-9_-]+$`)
)

type MemberID string

// NewMemberID returns a fresh "user_<uuid>" identifier.
func NewMemberID() MemberID {
	return MemberID(memberIDPrefix + uuid.NewString())
}

func ValidMemberID(s string) bool { return memberIDPattern.MatchString(s) }

// Member is a participant's identity within a group. It carries no
// transport; the registry pairs it with a connection handle.
type Member struct {
	ID       MemberID  `json:"id"`
	Username string    `json:"username"`
	PeerID   string    `json:"peerId,omitempty"`
	GroupID  GroupID   `json:"groupId,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

// HasPeer reports whether the member's media endpoint is reachable.
func (m Member) HasPeer() bool { return m.PeerID != "" }

func ValidateUsername(username string) error {
	switch {
	case len(username) == 0:
		return ErrUsernameEmpty
	case len(username) > MaxUsernameLen:
		return ErrUsernameTooLong
	case !usernamePattern.MatchString(username):
		return ErrUsernameInvalid
	}
	return nil
}

func ValidatePeerID(peerID string) error {
	if len(peerID) == 0 || len(peerID) > MaxPeerIDLen {
		return ErrPeerIDInvalid
	}
	return nil
}

// SameUsername compares display names the way group uniqueness does.
func SameUsername(a, b string) bool { return strings.EqualFold(a, b) }
