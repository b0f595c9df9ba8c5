package room

import "errors"

var (
	ErrUnauthenticated   = errors.New("room: unauthenticated")
	ErrUnknownConnection = errors.New("room: unknown connection")
	ErrInvalidRoom       = errors.New("room: room id is required")
	ErrNotAMember        = errors.New("room: not a member of this room")
	ErrEmptyContent      = errors.New("room: message content is empty")
	ErrContentTooLong    = errors.New("room: message content too long")
	ErrInvalidContent    = errors.New("room: message content is not valid UTF-8")
	ErrDeliveryFailed    = errors.New("room: message delivery failed")
)

// Wire codes reported to clients in error events and REST responses.
const (
	CodeUnauthenticated   = "unauthenticated"
	CodeUnknownConnection = "unknown_connection"
	CodeInvalidRoom       = "invalid_room"
	CodeNotAMember        = "not_a_member"
	CodeEmptyContent      = "empty_content"
	CodeContentTooLong    = "content_too_long"
	CodeInvalidContent    = "invalid_content"
	CodeDeliveryFailed    = "delivery_failed"
	CodeInternal          = "internal_error"
)

// Code maps an error returned by this package to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrUnknownConnection):
		return CodeUnknownConnection
	case errors.Is(err, ErrInvalidRoom):
		return CodeInvalidRoom
	case errors.Is(err, ErrNotAMember):
		return CodeNotAMember
	case errors.Is(err, ErrEmptyContent):
		return CodeEmptyContent
	case errors.Is(err, ErrContentTooLong):
		return CodeContentTooLong
	case errors.Is(err, ErrInvalidContent):
		return CodeInvalidContent
	case errors.Is(err, ErrDeliveryFailed):
		return CodeDeliveryFailed
	default:
		return CodeInternal
	}
}
