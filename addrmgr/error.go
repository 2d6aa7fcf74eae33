// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind
// when determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrAddressNotFound indicates that an operation in the address manager
	// failed due to an address lookup failure.
	ErrAddressNotFound = ErrorKind("ErrAddressNotFound")

	// ErrInvalidAddress indicates that an address was rejected because its
	// IP is missing, unspecified, or the broadcast address.
	ErrInvalidAddress = ErrorKind("ErrInvalidAddress")

	// ErrHostNotResolved indicates that a hostname could not be resolved to
	// any IP address.
	ErrHostNotResolved = ErrorKind("ErrHostNotResolved")

	// ErrCorruptPeersFile indicates that the persisted peers file exists but
	// could not be read or decoded.
	ErrCorruptPeersFile = ErrorKind("ErrCorruptPeersFile")

	// ErrAlreadyStarted indicates Start was called more than once.
	ErrAlreadyStarted = ErrorKind("ErrAlreadyStarted")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an address manager error.  It has full support for
// errors.Is and errors.As, so the caller can ascertain the specific reason
// for the error by checking the underlying error.
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
