package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dkeye/televisit/internal/core"
)

type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindCredential       ErrorKind = "credential"
	KindIdentityConflict ErrorKind = "identity-conflict"
	KindNetwork          ErrorKind = "network"
	KindRoomCompleted    ErrorKind = "room-completed"
	KindSessionExpired   ErrorKind = "session-expired"
	KindLeft             ErrorKind = "left"
	KindGeneric          ErrorKind = "generic"
)

var (
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrConnectTimeout    = errors.New("connect timed out")
	ErrRoomCompleted     = errors.New("room already completed")
	ErrTokenMissing      = errors.New("token missing")
	ErrTokenExpired      = errors.New("token expired")
	ErrAbandoned         = errors.New("connect abandoned")
)

// ConnectError is a classified connect or disconnect failure.
type ConnectError struct {
	Kind ErrorKind
	Code int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Reason() *Reason {
	return &Reason{Kind: e.Kind, Code: e.Code, Message: e.Err.Error()}
}

// Retryable reports whether the same credentials may be tried again.
func (e *ConnectError) Retryable() bool { return e.Kind == KindNetwork }

// Classify maps any connect or room error onto an ErrorKind.
func Classify(err error) *ConnectError {
	if err == nil {
		return nil
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	var re *core.RoomError
	if errors.As(err, &re) {
		return &ConnectError{Kind: kindForCode(re.Code), Code: re.Code, Err: err}
	}
	switch {
	case errors.Is(err, ErrTokenMissing), errors.Is(err, ErrTokenExpired):
		return &ConnectError{Kind: KindCredential, Err: err}
	case errors.Is(err, ErrRoomCompleted):
		return &ConnectError{Kind: KindRoomCompleted, Err: err}
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return &ConnectError{Kind: KindNetwork, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &ConnectError{Kind: KindNetwork, Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "token") && (strings.Contains(msg, "expired") || strings.Contains(msg, "invalid")):
		return &ConnectError{Kind: KindCredential, Err: err}
	case strings.Contains(msg, "duplicate identity"):
		return &ConnectError{Kind: KindIdentityConflict, Err: err}
	case strings.Contains(msg, "websocket") || strings.Contains(msg, "signaling"):
		return &ConnectError{Kind: KindNetwork, Err: err}
	}
	return &ConnectError{Kind: KindGeneric, Err: err}
}

func kindForCode(code int) ErrorKind {
	switch code {
	case core.CodeInvalidToken, core.CodeTokenExpired:
		return KindCredential
	case core.CodeDuplicateIdentity:
		return KindIdentityConflict
	case core.CodeSignalingError, core.CodeSignalingDisconnected, core.CodeSignalingTimeout:
		return KindNetwork
	case core.CodeRoomCompleted:
		return KindRoomCompleted
	case core.CodeSessionLengthExceeded:
		return KindSessionExpired
	}
	return KindGeneric
}

// UserMessage is the text shown for a failure of the given kind.
func UserMessage(kind ErrorKind, host bool) string {
	switch kind {
	case KindCredential:
		return "Your access to this appointment is no longer valid. Please join again from the home page."
	case KindIdentityConflict:
		if host {
			return "You are already in this appointment from another window or device."
		}
		return "Someone already joined with this name. Please choose a different name."
	case KindNetwork:
		return "We could not reach the video service. Please check your connection and try again."
	case KindRoomCompleted:
		return "This appointment has already ended."
	case KindSessionExpired:
		return "Your session expired because it reached the maximum length."
	case KindLeft:
		return "You left the appointment."
	}
	return "Something went wrong while joining the appointment."
}
