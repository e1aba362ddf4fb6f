package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxGroupNameLen = 100

	groupIDPrefix = "group_"
)

var (
	ErrGroupNameEmpty   = errors.New("group name cannot be empty")
	ErrGroupNameTooLong = errors.New("group name too long")
	ErrGroupNotFound    = errors.New("group not found")
	ErrGroupFull        = errors.New("group is full")
	ErrMemberNotFound   = errors.New("user not found")
	ErrPeerNotFound     = errors.New("target peer not found")
)

var groupIDPattern = regexp.MustCompile(`^group_[a-zA-Z0-9_-]+$`)

type GroupID string

// NewGroupID returns a fresh "group_<uuid>" identifier.
func NewGroupID() GroupID {
	return GroupID(groupIDPrefix + uuid.NewString())
}

func ValidGroupID(s string) bool { return groupIDPattern.MatchString(s) }

// Group is the public metadata of a session. Membership lives in the registry.
type Group struct {
	ID        GroupID   `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// GroupInfo is a read-only view with the member count attached.
type GroupInfo struct {
	Group
	MemberCount int `json:"memberCount"`
}

// NormalizeGroupName trims the name and checks its bounds.
func NormalizeGroupName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrGroupNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxGroupNameLen {
		return "", ErrGroupNameTooLong
	}
	return name, nil
}
