package tools

import (
	"context"
	"errors"

	"github.com/buddies-project/buddies/crypto/signer"
	"github.com/buddies-project/buddies/node"
	"github.com/buddies-project/buddies/room"
	"github.com/buddies-project/buddies/wire"
)

// Error is the structured failure value returned across the tool boundary.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Kind + ": " + e.Message }

// Kinds surfaced to agents.
const (
	KindNotJoined         = "not_joined"
	KindAlreadyJoined     = "already_joined"
	KindSignerUnavailable = "signer_unavailable"
	KindPolicyRejected    = "policy_rejected"
	KindTimeout           = "timeout"
	KindCancelled         = "cancelled"
	KindInvalidTicket     = "invalid_ticket"
	KindInvalidSignature  = "invalid_signature"
	KindUnknownSkill      = "unknown_skill"
	KindUnknownOp         = "unknown_op"
	KindBadArgument       = "bad_argument"
	KindStoreError        = "store_error"
	KindProtocolError     = "protocol_error"
)

// asError converts an internal error into the client-visible value.
func asError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := KindStoreError
	switch {
	case errors.Is(err, node.ErrNotJoined):
		kind = KindNotJoined
	case errors.Is(err, node.ErrAlreadyJoined):
		kind = KindAlreadyJoined
	case errors.Is(err, signer.ErrUnavailable):
		kind = KindSignerUnavailable
	case errors.Is(err, room.ErrPolicyRejected):
		kind = KindPolicyRejected
	case errors.Is(err, room.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, room.ErrCancelled), errors.Is(err, context.Canceled):
		kind = KindCancelled
	case errors.Is(err, wire.ErrInvalidTicket):
		kind = KindInvalidTicket
	case errors.Is(err, signer.ErrBadSignature), errors.Is(err, signer.ErrUnsupported):
		kind = KindInvalidSignature
	case errors.Is(err, room.ErrUnknownSkill):
		kind = KindUnknownSkill
	case errors.Is(err, room.ErrBadArgument):
		kind = KindBadArgument
	case errors.Is(err, wire.ErrProtocol):
		kind = KindProtocolError
	}
	return &Error{Kind: kind, Message: err.Error()}
}
