package acp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// Envelope is one newline-delimited JSON-RPC 2.0 frame read from the
// editor. ID keeps the raw JSON so string, integer, and absent ids all
// round-trip unchanged.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// HasID reports whether the envelope carries a response-eligible id.
// An absent or null id marks a notification.
func (e *Envelope) HasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(e.ID, []byte("null"))
}

// ResponseError is the error member of an outbound response envelope.
type ResponseError struct {
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Code    int         `json:"code"`
}

// responseEnvelope is an outbound response frame. Result is a pointer so
// that success responses always carry a "result" member (null included)
// while error responses omit it.
type responseEnvelope struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError   `json:"error,omitempty"`
}

// notificationEnvelope is an outbound notification frame (no id).
type notificationEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Transport reads and writes newline-delimited protocol envelopes over a
// byte stream. Every write method serializes exactly one envelope as a
// single line write, so frames never interleave.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
}

// NewTransport wraps a read/write stream pair (normally stdin/stdout).
func NewTransport(r io.Reader, w io.Writer) *Transport {
	return &Transport{
		reader: bufio.NewReader(r),
		writer: w,
	}
}

// ReadEnvelope blocks until one full frame is available. It returns
// (nil, nil) on clean end of stream. Malformed JSON and frames without a
// "2.0" version tag are rejected with a *ProtocolError carrying the
// JSON-RPC code the editor should see; the stream itself stays usable.
func (t *Transport) ReadEnvelope() (*Envelope, error) {
	for {
		line, err := t.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) == 0 {
				return nil, nil
			}
			if err != io.EOF {
				return nil, err
			}
			// Final line without a trailing newline: fall through and parse it.
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, &ProtocolError{
				Code:    ErrCodeParseError,
				Message: "malformed JSON frame",
				Line:    string(line),
				Cause:   err,
			}
		}
		if env.JSONRPC != "2.0" {
			return nil, &ProtocolError{
				Code:    ErrCodeInvalidRequest,
				Message: "missing or unsupported jsonrpc version",
				Line:    string(line),
			}
		}
		return &env, nil
	}
}

// WriteResponse writes a success response for the given request id.
func (t *Transport) WriteResponse(id json.RawMessage, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	raw := json.RawMessage(data)
	return t.writeLine(responseEnvelope{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Result:  &raw,
	})
}

// WriteError writes an error response for the given request id. A nil id
// produces a null id, used when rejecting frames that never parsed.
func (t *Transport) WriteError(id json.RawMessage, code int, message string) error {
	return t.writeLine(responseEnvelope{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Error:   &ResponseError{Code: code, Message: message},
	})
}

// WriteNotification writes a method call with no id; no response is expected.
func (t *Transport) WriteNotification(method string, params interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return t.writeLine(notificationEnvelope{
		JSONRPC: "2.0",
		Method:  method,
		Params:  data,
	})
}

// writeLine marshals v and emits it as one atomic line write.
func (t *Transport) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = t.writer.Write(append(data, '\n'))
	return err
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
