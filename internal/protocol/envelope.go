// Package protocol implements the JSON-RPC 2.0 envelope used by the Editor
// Command Protocol (ECP): parsing, shape validation, and the error code bands
// reserved for transport, auth, and middleware failures.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Version is the only accepted value for the "jsonrpc" field.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Server status codes, reserved away from the JSON-RPC standard band.
const (
	CodeServerNotReady  = -32000
	CodeServerOverloaded = -32001
	CodeServerShutdown  = -32002
)

// Middleware codes. A blocking middleware declares which of these applies;
// the dispatch pipeline carries it verbatim into the error response.
const (
	CodeValidationFailed = -32003
	CodeLintFailed       = -32004
	CodeRuleViolation    = -32005
)

// Auth state machine codes.
const (
	CodeNotAuthenticated  = -32010
	CodeInvalidToken      = -32011
	CodeHandshakeTimeout  = -32012
	CodeConnectionRejected = -32013
)

// ID is a JSON-RPC request identifier: a string, a number, or absent
// (marking a notification). It round-trips through json.RawMessage so a
// numeric id is never silently coerced to a string or float.
type ID struct {
	raw   json.RawMessage
	valid bool
}

// NewID wraps a decoded id value (string or float64/json.Number) into an ID.
func NewID(v any) ID {
	if v == nil {
		return ID{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ID{}
	}
	return ID{raw: b, valid: true}
}

// IsPresent reports whether the envelope carried an id at all.
func (i ID) IsPresent() bool { return i.valid }

// Raw returns the undecoded JSON form of the id, or nil if absent.
func (i ID) Raw() json.RawMessage {
	if !i.valid {
		return nil
	}
	return i.raw
}

// Equal reports whether two IDs carry the same JSON representation.
func (i ID) Equal(other ID) bool {
	if i.valid != other.valid {
		return false
	}
	if !i.valid {
		return true
	}
	return string(i.raw) == string(other.raw)
}

// MarshalJSON implements json.Marshaler. An absent ID marshals to `null`.
func (i ID) MarshalJSON() ([]byte, error) {
	if !i.valid {
		return []byte("null"), nil
	}
	return i.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler. It accepts string, number, or
// null/absent; any other JSON kind (object, array, bool) is rejected by the
// envelope-shape validation in ValidateEnvelope, not here — this only needs
// to capture the raw bytes faithfully.
func (i *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*i = ID{}
		return nil
	}
	*i = ID{raw: append(json.RawMessage(nil), data...), valid: true}
	return nil
}

// Kind classifies what JSON type an ID actually holds, used by
// ValidateEnvelope to enforce "string or integer".
func (i ID) Kind() string {
	if !i.valid || len(i.raw) == 0 {
		return "absent"
	}
	switch i.raw[0] {
	case '"':
		return "string"
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return "number"
	default:
		return "other"
	}
}

// RawEnvelope is the wire shape of any JSON-RPC frame, used for the initial
// decode before we know whether it is a request, notification, or malformed.
// Extra fields are tolerated for forward compatibility.
type RawEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      ID              `json:"id,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Request is a decoded, shape-validated inbound JSON-RPC call. IsNotification
// is true when the envelope carried no "id" — such calls never get a
// response, successful or otherwise.
type Request struct {
	Method         string
	ID             ID
	Params         json.RawMessage
	IsNotification bool
}

// Error is the JSON-RPC error object, carried verbatim in Response.Error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an *Error, the idiomatic constructor used across the
// dispatch, middleware, and auth packages instead of struct literals so the
// field order in logs/tests stays consistent.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Response is a fully formed JSON-RPC response or server-initiated
// notification. Exactly one of Result/Error is set for a response; both are
// nil for a notification (Method is set instead).
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *ID    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Method  string `json:"method,omitempty"`
	Params  any    `json:"params,omitempty"`
}

// NewResult builds a success response carrying id and result.
func NewResult(id ID, result any) *Response {
	return &Response{JSONRPC: Version, ID: &id, Result: result}
}

// NewErrorResponse builds an error response carrying id and err.
// id may be the zero ID (absent) when the request could not be matched to
// one, in which case it is null.
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: &id, Error: err}
}

// NewNotification builds a server-initiated notification: no id, a method,
// and arbitrary params.
func NewNotification(method string, params any) *Response {
	return &Response{JSONRPC: Version, Method: method, Params: params}
}

// errParseFailed is returned by Parse on malformed JSON. Callers translate it
// into a CodeParseError response with a null id.
var errParseFailed = errors.New("protocol: malformed JSON")

// Parse decodes raw bytes (already UTF-8 — binary frames are decoded
// upstream before reaching this function) into a RawEnvelope.
func Parse(data []byte) (*RawEnvelope, error) {
	var env RawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errParseFailed
	}
	return &env, nil
}

// ValidateEnvelope checks the decoded envelope against the JSON-RPC 2.0
// shape: jsonrpc must be "2.0", method must be a non-empty string, and id
// (if present) must be a string or integer.
// It returns a Request on success, or an *Error describing the first
// violation found.
func ValidateEnvelope(env *RawEnvelope) (*Request, *Error) {
	if env.JSONRPC != Version {
		return nil, NewError(CodeInvalidRequest, `invalid or missing "jsonrpc" version`, nil)
	}
	if env.Method == "" {
		return nil, NewError(CodeInvalidRequest, `"method" must be a non-empty string`, nil)
	}
	switch env.ID.Kind() {
	case "absent", "string":
		// ok
	case "number":
		if strings.ContainsAny(string(env.ID.Raw()), ".eE") {
			return nil, NewError(CodeInvalidRequest, `"id" must be a string, an integer, or absent`, nil)
		}
	default:
		return nil, NewError(CodeInvalidRequest, `"id" must be a string, an integer, or absent`, nil)
	}

	return &Request{
		Method:         env.Method,
		ID:             env.ID,
		Params:         env.Params,
		IsNotification: !env.ID.IsPresent(),
	}, nil
}
