package topology

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zde37/rangedht/pkg"
)

// RetCode is the protocol level result of an operation.
type RetCode int

const (
	RCOK RetCode = iota
	RCError
	RCNotMyNeighbour
	RCDontAppend
	RCDontRemove
	RCNoData
	RCInvalidData
	RCOldData
	RCNotReady
	RCPermissionDenied
	RCAlreadyProcessed
	RCNoFreeSpace
	RCUnknownMethod
	RCBusy
)

var retCodeNames = map[RetCode]string{
	RCOK:               "ok",
	RCError:            "error",
	RCNotMyNeighbour:   "not_my_neighbour",
	RCDontAppend:       "dont_append",
	RCDontRemove:       "dont_remove",
	RCNoData:           "no_data",
	RCInvalidData:      "invalid_data",
	RCOldData:          "old_data",
	RCNotReady:         "not_ready",
	RCPermissionDenied: "permission_denied",
	RCAlreadyProcessed: "already_processed",
	RCNoFreeSpace:      "no_free_space",
	RCUnknownMethod:    "unknown_method",
	RCBusy:             "busy",
}

func (c RetCode) String() string {
	if s, ok := retCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("retcode(%d)", int(c))
}

// Request is a message addressed to an operation on a peer.
type Request struct {
	MessageID string          `json:"message_id"`
	Method    string          `json:"method"`
	Sender    string          `json:"sender"`
	Sync      bool            `json:"sync"`
	Multicast bool            `json:"multicast,omitempty"`
	Role      string          `json:"role,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Binary    []byte          `json:"binary,omitempty"`
}

// Response answers a Request with the same MessageID.
type Response struct {
	MessageID  string          `json:"message_id"`
	RetCode    RetCode         `json:"ret_code"`
	RetMessage string          `json:"ret_message,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Binary     []byte          `json:"binary,omitempty"`
	From       string          `json:"from"`
}

// NewRequest builds a request with a fresh message id and JSON params.
func NewRequest(method string, params any) (*Request, error) {
	req := &Request{MessageID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// MustRequest is NewRequest for params that always encode.
func MustRequest(method string, params any) *Request {
	req, err := NewRequest(method, params)
	if err != nil {
		panic(err)
	}
	return req
}

// Clone copies the request so a hop can mutate it.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Params = append(json.RawMessage(nil), r.Params...)
	cp.Binary = append([]byte(nil), r.Binary...)
	return &cp
}

// Decode unmarshals params into v.
func (r *Request) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("bad %s params: %w", r.Method, err)
	}
	return nil
}

// OK builds a successful response carrying params.
func OK(params any) (*Response, error) {
	resp := &Response{RetCode: RCOK}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		resp.Params = raw
	}
	return resp, nil
}

// Fail builds a response with a non-OK code.
func Fail(code RetCode, format string, args ...any) *Response {
	return &Response{RetCode: code, RetMessage: fmt.Sprintf(format, args...)}
}

// Decode unmarshals params into v.
func (r *Response) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

// Err converts a non-OK response into an error.
func (r *Response) Err() error {
	if r == nil {
		return errors.New("nil response")
	}
	if r.RetCode == RCOK {
		return nil
	}
	return &RemoteError{Code: r.RetCode, Message: r.RetMessage, From: r.From}
}

// RemoteError is a failure reported by a peer.
type RemoteError struct {
	Code    RetCode
	Message string
	From    string
}

func (e *RemoteError) Error() string {
	if e.From != "" {
		return fmt.Sprintf("%s from %s: %s", e.Code, e.From, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap maps return codes onto the sentinel errors.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case RCNoData:
		return pkg.ErrNoData
	case RCInvalidData:
		return pkg.ErrChecksumMismatch
	case RCNotMyNeighbour:
		return pkg.ErrNotMyNeighbour
	case RCOldData:
		return pkg.ErrOldData
	case RCNotReady:
		return pkg.ErrNodeNotReady
	case RCNoFreeSpace:
		return pkg.ErrNoFreeSpace
	case RCPermissionDenied:
		return pkg.ErrPermissionDenied
	case RCUnknownMethod:
		return pkg.ErrUnknownMethod
	}
	return nil
}

// CodeFor maps a handler error to the return code sent back to the caller.
func CodeFor(err error) RetCode {
	var remote *RemoteError
	switch {
	case err == nil:
		return RCOK
	case errors.As(err, &remote):
		return remote.Code
	case errors.Is(err, pkg.ErrNoData):
		return RCNoData
	case errors.Is(err, pkg.ErrChecksumMismatch), errors.Is(err, pkg.ErrCorruptBlock), errors.Is(err, pkg.ErrInvalidKey):
		return RCInvalidData
	case errors.Is(err, pkg.ErrOldData):
		return RCOldData
	case errors.Is(err, pkg.ErrNodeNotReady):
		return RCNotReady
	case errors.Is(err, pkg.ErrNoFreeSpace):
		return RCNoFreeSpace
	case errors.Is(err, pkg.ErrNotMyNeighbour):
		return RCNotMyNeighbour
	case errors.Is(err, pkg.ErrPermissionDenied):
		return RCPermissionDenied
	case errors.Is(err, pkg.ErrUnknownMethod):
		return RCUnknownMethod
	case errors.Is(err, pkg.ErrPartitionBusy):
		return RCBusy
	}
	return RCError
}
