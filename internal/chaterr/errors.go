// Package chaterr defines the error taxonomy shared by the codec, registry
// and router.
//
// Every error carries a Code that is safe to put on the wire in an error
// envelope. Sentinels compare by code, so a detailed error built with Newf
// satisfies errors.Is against its sentinel:
//
//	err := chaterr.Newf(chaterr.CodeTargetNotFound, "%s is not online", name)
//	errors.Is(err, chaterr.ErrTargetNotFound) // true
//
// Wrap adds component context in the form "component.method: action failed: %w"
// and keeps the code of the wrapped error.
package chaterr

import (
	"errors"
	"fmt"
)

// Code identifies a class of session-local failure.
type Code string

// Error codes sent to clients in error envelopes.
const (
	CodeMalformedPayload      Code = "malformed_payload"
	CodeNameTaken             Code = "name_taken"
	CodeTargetNotFound        Code = "target_not_found"
	CodeSelfTarget            Code = "self_target"
	CodePayloadTooLarge       Code = "payload_too_large"
	CodeTransportWriteFailure Code = "transport_write_failure"
	CodeUnknownEnvelopeKind   Code = "unknown_envelope_kind"
	CodeRoomNotFound          Code = "room_not_found"
	CodeRoomExists            Code = "room_exists"
	CodeInvalidRequest        Code = "invalid_request"
	CodeInternal              Code = "internal"
)

// Standard errors, one per code.
var (
	ErrMalformedPayload      = &Error{Code: CodeMalformedPayload, Msg: "malformed payload"}
	ErrNameTaken             = &Error{Code: CodeNameTaken, Msg: "username already in use"}
	ErrTargetNotFound        = &Error{Code: CodeTargetNotFound, Msg: "target is not online"}
	ErrSelfTarget            = &Error{Code: CodeSelfTarget, Msg: "cannot message yourself"}
	ErrPayloadTooLarge       = &Error{Code: CodePayloadTooLarge, Msg: "payload too large"}
	ErrTransportWriteFailure = &Error{Code: CodeTransportWriteFailure, Msg: "transport write failed"}
	ErrUnknownEnvelopeKind   = &Error{Code: CodeUnknownEnvelopeKind, Msg: "unknown envelope kind"}
	ErrRoomNotFound          = &Error{Code: CodeRoomNotFound, Msg: "room not found"}
	ErrRoomExists            = &Error{Code: CodeRoomExists, Msg: "room already exists"}
	ErrInvalidRequest        = &Error{Code: CodeInvalidRequest, Msg: "invalid request"}
)

// Error is a coded, user-presentable error.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Newf builds a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

type wrapped struct {
	err error
	msg string
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.err }

// Wrap annotates err with the component, method and action that failed.
// It returns nil when err is nil.
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &wrapped{
		err: err,
		msg: fmt.Sprintf("%s.%s: %s failed: %v", component, method, action, err),
	}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Message returns the client-facing text of err: the message of the first
// *Error in the chain, without component context.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return "internal error"
}
