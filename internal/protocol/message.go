// Package protocol defines the request/response envelopes exchanged between
// peer nodes and the param server.
//
// Every request carries a protocol version, an operation, the sender's node
// id and a correlation id that the response echoes back. Payloads and
// results are operation specific JSON objects. The protocol is strictly
// request initiated: the server never pushes messages.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/cluster"
	"github.com/dreamware/dsm/internal/variable"
)

// Version is the protocol version spoken by this build.
const Version = 1

// Op names a protocol operation.
type Op string

const (
	OpRegister    Op = "register"
	OpDeclare     Op = "declare"
	OpIncrement   Op = "increment"
	OpAdd         Op = "add"
	OpLoad        Op = "load"
	OpStore       Op = "store"
	OpAcquire     Op = "acquire"
	OpTryAcquire  Op = "try_acquire"
	OpRelease     Op = "release"
	OpWriteMatrix Op = "write_matrix"
	OpReadMatrix  Op = "read_matrix"
	OpDelete      Op = "delete"
	OpLeave       Op = "leave"
)

// Status is the outcome of a request.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Request is the envelope sent by a peer node.
type Request struct {
	Op            Op              `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Version       int             `json:"version"`
	SenderID      int             `json:"sender_id"`
	CorrelationID uint64          `json:"correlation_id"`
}

// Response is the envelope returned by the param server.
type Response struct {
	Status        Status          `json:"status"`
	Code          Code            `json:"code,omitempty"`
	Error         string          `json:"error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Version       int             `json:"version"`
	CorrelationID uint64          `json:"correlation_id"`
}

// Payloads, one per operation that takes arguments.
type (
	RegisterPayload struct {
		Node cluster.NodeDescriptor `json:"node"`
	}

	DeclarePayload struct {
		Name string        `json:"name"`
		Kind variable.Kind `json:"kind"`
		Rows int           `json:"rows,omitempty"`
		Cols int           `json:"cols,omitempty"`
	}

	IncrementPayload struct {
		Name  string `json:"name"`
		Delta int32  `json:"delta"`
	}

	AddPayload struct {
		Name  string  `json:"name"`
		Delta float64 `json:"delta"`
	}

	// StorePayload overwrites a counter or accumulator. Value.Kind must
	// match the stored variable.
	StorePayload struct {
		Name  string     `json:"name"`
		Value LoadResult `json:"value"`
	}

	// NamePayload serves load, acquire, try_acquire, release, read_matrix
	// and delete.
	NamePayload struct {
		Name string `json:"name"`
	}

	WriteMatrixPayload struct {
		Name  string         `json:"name"`
		Data  [][]float64    `json:"data"`
		Block variable.Block `json:"block"`
	}
)

// Results, one per operation that returns data.
type (
	Int32Result struct {
		Value int32 `json:"value"`
	}

	FloatResult struct {
		Value float64 `json:"value"`
	}

	// LoadResult carries whichever value matches the variable's kind.
	LoadResult struct {
		Kind  variable.Kind `json:"kind"`
		Int32 int32         `json:"int32,omitempty"`
		Float float64       `json:"float,omitempty"`
	}

	GrantResult struct {
		Grant variable.Grant `json:"grant"`
	}

	MatrixResult struct {
		Matrix variable.Matrix `json:"matrix"`
	}
)

// NewRequest builds a request envelope with payload encoded as JSON.
func NewRequest(op Op, sender int, correlation uint64, payload any) (Request, error) {
	req := Request{Version: Version, Op: op, SenderID: sender, CorrelationID: correlation}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Request{}, errors.Wrapf(err, "encode %s payload", op)
		}
		req.Payload = raw
	}
	return req, nil
}

// Decode unmarshals the request payload into out. A missing or malformed
// payload is a bad request.
func (r Request) Decode(out any) error {
	if len(r.Payload) == 0 {
		return errors.Wrapf(ErrBadRequest, "%s: missing payload", r.Op)
	}
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return errors.Wrapf(ErrBadRequest, "%s: %v", r.Op, err)
	}
	return nil
}

// OK builds a successful response for req carrying result.
func OK(req Request, result any) Response {
	resp := Response{Version: Version, CorrelationID: req.CorrelationID, Status: StatusOK}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return Fail(req, errors.Wrap(err, "encode result"))
		}
		resp.Result = raw
	}
	return resp
}

// Fail builds an error response for req, classifying err into a Code.
func Fail(req Request, err error) Response {
	return Response{
		Version:       Version,
		CorrelationID: req.CorrelationID,
		Status:        StatusError,
		Code:          CodeOf(err),
		Error:         err.Error(),
	}
}

// Err converts an error response back into an error that matches the
// sentinel for its code under errors.Is. It returns nil for successes.
func (r Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return &RemoteError{Code: r.Code, Message: r.Error}
}

// Decode unmarshals the response result into out.
func (r Response) Decode(out any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Result) == 0 {
		return errors.New("response carries no result")
	}
	return json.Unmarshal(r.Result, out)
}
