package models

import "errors"

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotConnected       = errors.New("not connected")
	ErrChatNotFound       = errors.New("chat not found")
	ErrNotAParticipant    = errors.New("not a participant")
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrInvalidCommand     = errors.New("invalid command")
	ErrUserNotFound       = errors.New("user not found")
	ErrDeliveryDegraded   = errors.New("delivery degraded")
)

type ErrorCode string

const (
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeChatNotFound       ErrorCode = "CHAT_NOT_FOUND"
	CodeNotAParticipant    ErrorCode = "NOT_A_PARTICIPANT"
	CodeInvalidParticipant ErrorCode = "INVALID_PARTICIPANT"
	CodeInvalidCommand     ErrorCode = "INVALID_COMMAND"
	CodeDeliveryDegraded   ErrorCode = "DELIVERY_DEGRADED"
	CodeInternal           ErrorCode = "INTERNAL"
)

// CodeOf maps an error chain onto its wire code.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrChatNotFound):
		return CodeChatNotFound
	case errors.Is(err, ErrNotAParticipant):
		return CodeNotAParticipant
	case errors.Is(err, ErrInvalidParticipant), errors.Is(err, ErrUserNotFound):
		return CodeInvalidParticipant
	case errors.Is(err, ErrInvalidCommand):
		return CodeInvalidCommand
	case errors.Is(err, ErrDeliveryDegraded):
		return CodeDeliveryDegraded
	default:
		return CodeInternal
	}
}

// ErrorFromCode is the client-side inverse of CodeOf.
func ErrorFromCode(code ErrorCode) error {
	switch code {
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeNotConnected:
		return ErrNotConnected
	case CodeChatNotFound:
		return ErrChatNotFound
	case CodeNotAParticipant:
		return ErrNotAParticipant
	case CodeInvalidParticipant:
		return ErrInvalidParticipant
	case CodeInvalidCommand:
		return ErrInvalidCommand
	case CodeDeliveryDegraded:
		return ErrDeliveryDegraded
	default:
		return errors.New("internal error")
	}
}
