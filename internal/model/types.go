package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// -----------------------------------------------------------------------------
// Status & Retcodes
// -----------------------------------------------------------------------------

// Status is the coarse outcome of an action.
type Status string

const (
	StatusOK     Status = "ok"
	StatusAsync  Status = "async"
	StatusFailed Status = "failed"
)

// Retcodes produced by the relay itself. Executors may return any other value.
const (
	RetcodeOK             = 0
	RetcodeDispatchFailed = 1    // request could not be handed to the processor
	RetcodeNoReply        = 2    // processor dropped the request without replying
	RetcodeEncodeFailed   = 3    // processor reply could not be serialized
	RetcodeBadRequest     = 1400 // frame is not a valid request envelope
	RetcodeNotFound       = 1404 // no handler for the action
	RetcodeRateLimited    = 1429 // throttle wait abandoned before the upstream call
	RetcodeUpstreamDown   = 1502 // upstream unreachable or answered garbage

	// RetcodeHTTPBase is added to an upstream HTTP error status.
	RetcodeHTTPBase = 1000
)

// Error messages carried in Response.Data for relay-generated failures.
const (
	MsgBadRequest     = "Invalid request format"
	MsgDispatchFailed = "Internal server error sending to processor"
	MsgNoReply        = "Processor did not respond"
	MsgEncodeFailed   = "Failed to serialize processor response"
)

// -----------------------------------------------------------------------------
// Request
// -----------------------------------------------------------------------------

// Request is an inbound action envelope.
type Request struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// DecodeError reports a frame that is not a valid Request.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode request: %s: %v", e.Reason, e.Err)
	}
	return "decode request: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeRequest parses a text frame into a Request. Params are kept verbatim.
func DecodeRequest(data []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Request{}, &DecodeError{Reason: "not a json object", Err: err}
	}
	if fields == nil {
		return Request{}, &DecodeError{Reason: "not a json object"}
	}

	rawAction, ok := fields["action"]
	if !ok {
		return Request{}, &DecodeError{Reason: "missing action"}
	}
	var action string
	if err := json.Unmarshal(rawAction, &action); err != nil {
		return Request{}, &DecodeError{Reason: "action is not a string", Err: err}
	}
	if action == "" {
		return Request{}, &DecodeError{Reason: "empty action"}
	}

	params, ok := fields["params"]
	if !ok {
		return Request{}, &DecodeError{Reason: "missing params"}
	}

	return Request{Action: action, Params: params}, nil
}

// Echo returns params.echo verbatim, or nil when params has no echo.
func (r Request) Echo() json.RawMessage {
	return objectField(r.Params, "echo")
}

// ExtractEcho pulls an echo token out of a frame that failed to decode.
// The top-level "echo" wins over "params.echo". Returns nil when neither exists.
func ExtractEcho(data []byte) json.RawMessage {
	if echo := objectField(data, "echo"); echo != nil {
		return echo
	}
	return objectField(objectField(data, "params"), "echo")
}

// objectField returns the raw value of key when raw is a JSON object.
func objectField(raw json.RawMessage, key string) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	v, ok := fields[key]
	if !ok {
		return nil
	}
	return v
}

// -----------------------------------------------------------------------------
// Response
// -----------------------------------------------------------------------------

// Response is the reply to exactly one Request.
// Echo must equal the originating request's echo; it is omitted when absent.
type Response struct {
	Status  Status          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    any             `json:"data"`
	Echo    json.RawMessage `json:"echo,omitempty"`
}

// OK builds a successful response.
func OK(data any) Response {
	return Response{Status: StatusOK, Retcode: RetcodeOK, Data: data}
}

// Failed builds a failure response carrying {"error": msg}.
func Failed(retcode int, msg string, echo json.RawMessage) Response {
	return Response{
		Status:  StatusFailed,
		Retcode: retcode,
		Data:    map[string]string{"error": msg},
		Echo:    echo,
	}
}
