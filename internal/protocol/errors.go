package protocol

import (
	"errors"
	"fmt"

	"github.com/dkeye/peershare/internal/domain"
)

// Code is a stable error code carried in error envelopes.
type Code string

const (
	CodeInvalidMessage   Code = "INVALID_MESSAGE"
	CodeGroupNotFound    Code = "GROUP_NOT_FOUND"
	CodeUserNotFound     Code = "USER_NOT_FOUND"
	CodePeerNotFound     Code = "PEER_NOT_FOUND"
	CodeConnectionError  Code = "CONNECTION_ERROR"
	CodeInvalidUsername  Code = "INVALID_USERNAME"
	CodeInvalidGroupName Code = "INVALID_GROUP_NAME"
	CodeGroupFull        Code = "GROUP_FULL"
)

// Error is the error envelope payload. It also satisfies the error
// interface so clients can return it directly.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// ErrorFor converts a domain failure into an error envelope. Unknown errors
// are reported as CONNECTION_ERROR without leaking their text.
func ErrorFor(err error) *Error {
	var wire *Error
	switch {
	case errors.As(err, &wire):
		return wire
	case errors.Is(err, domain.ErrGroupNotFound):
		return NewError(CodeGroupNotFound, "Group not found")
	case errors.Is(err, domain.ErrGroupFull):
		return NewError(CodeGroupFull, "Group is full")
	case errors.Is(err, domain.ErrMemberNotFound):
		return NewError(CodeUserNotFound, "User not found")
	case errors.Is(err, domain.ErrPeerNotFound):
		return NewError(CodePeerNotFound, "Target peer not found")
	case errors.Is(err, domain.ErrUsernameEmpty),
		errors.Is(err, domain.ErrUsernameTooLong),
		errors.Is(err, domain.ErrUsernameInvalid):
		return NewError(CodeInvalidUsername, err.Error())
	case errors.Is(err, domain.ErrGroupNameEmpty),
		errors.Is(err, domain.ErrGroupNameTooLong):
		return NewError(CodeInvalidGroupName, err.Error())
	case errors.Is(err, domain.ErrPeerIDInvalid):
		return NewError(CodeInvalidMessage, err.Error())
	}
	return NewError(CodeConnectionError, "Internal server error")
}
