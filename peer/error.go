// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind
// when determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrSelfConnection indicates the remote version message carried a nonce
	// sent by this process, meaning the connection looped back to itself.
	ErrSelfConnection = ErrorKind("ErrSelfConnection")

	// ErrProtocolVersion indicates the remote peer advertised a protocol
	// version older than the minimum supported one.
	ErrProtocolVersion = ErrorKind("ErrProtocolVersion")

	// ErrUnexpectedMessage indicates a message other than the one required
	// by the handshake was received.
	ErrUnexpectedMessage = ErrorKind("ErrUnexpectedMessage")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an error related to a peer connection.  It has full
// support for errors.Is and errors.As, so the caller can ascertain the
// specific reason for the error by checking the underlying error.
type Error struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// makeError creates an Error given a set of arguments.
func makeError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}
