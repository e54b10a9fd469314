package call

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState   = errors.New("not allowed in the current call state")
	ErrSessionEnded   = errors.New("session ended")
	ErrNotAdmitted    = errors.New("not in an active call")
	ErrUnknownRequest = errors.New("no pending join request from peer")
	ErrJoinRejected   = errors.New("join rejected")
)

// Error is a failed session operation, optionally about one remote peer.
type Error struct {
	Op   string
	Peer string
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func NewPeerError(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}

// ErrConnectionFailed reports a peer transport that failed for good.
var ErrConnectionFailed = errors.New("peer connection failed")
