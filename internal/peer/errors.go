package peer

import (
	"errors"
	"fmt"
)

var (
	ErrClosed        = errors.New("connection closed")
	ErrUnexpectedSDP = errors.New("unexpected session description type")
)

// Error is a failed negotiation step with one remote peer.
type Error struct {
	Op   string
	Peer string
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s (peer %s): %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}
