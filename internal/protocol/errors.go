package protocol

import (
	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/cluster"
	"github.com/dreamware/dsm/internal/variable"
)

var (
	// ErrDuplicateID is returned when a node registers an endpoint that
	// another registered id already owns.
	ErrDuplicateID = errors.New("duplicate node id")
	// ErrNotRegistered is returned for requests from unknown senders.
	ErrNotRegistered = errors.New("node not registered")
	// ErrBadRequest is returned for malformed envelopes or payloads.
	ErrBadRequest = errors.New("bad request")
	// ErrUnsupportedVersion is returned when the request version differs
	// from Version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// Code is the wire form of an error.
type Code string

const (
	CodeInvalidTopology    Code = "invalid_topology"
	CodeDuplicateID        Code = "duplicate_id"
	CodeNotRegistered      Code = "not_registered"
	CodeNotHolder          Code = "not_holder"
	CodeDimensionMismatch  Code = "dimension_mismatch"
	CodeDisconnected       Code = "disconnected"
	CodeKindMismatch       Code = "kind_mismatch"
	CodeUnknownVariable    Code = "unknown_variable"
	CodeOutOfRange         Code = "out_of_range"
	CodeBadRequest         Code = "bad_request"
	CodeUnsupportedVersion Code = "unsupported_version"
	CodeInternal           Code = "internal"
)

var codes = []struct {
	err  error
	code Code
}{
	{cluster.ErrInvalidTopology, CodeInvalidTopology},
	{ErrDuplicateID, CodeDuplicateID},
	{ErrNotRegistered, CodeNotRegistered},
	{variable.ErrNotHolder, CodeNotHolder},
	{variable.ErrDimensionMismatch, CodeDimensionMismatch},
	{variable.ErrDisconnected, CodeDisconnected},
	{variable.ErrKindMismatch, CodeKindMismatch},
	{variable.ErrUnknownVariable, CodeUnknownVariable},
	{variable.ErrOutOfRange, CodeOutOfRange},
	{ErrBadRequest, CodeBadRequest},
	{ErrUnsupportedVersion, CodeUnsupportedVersion},
}

// CodeOf classifies err by the sentinel it wraps.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Sentinel returns the error a code stands for, or nil for unknown codes.
func (c Code) Sentinel() error {
	for _, e := range codes {
		if e.code == c {
			return e.err
		}
	}
	return nil
}

// RemoteError is an error reported by the param server.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	return "param server: " + e.Message
}

// Is matches the sentinel for the error's code.
func (e *RemoteError) Is(target error) bool {
	s := e.Code.Sentinel()
	return s != nil && s == target
}
