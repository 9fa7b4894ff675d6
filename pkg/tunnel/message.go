package tunnel

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedFrame wraps every decode failure so processing loops can tell
// a bad frame (log, discard, continue) from a dead transport (tear down).
var ErrMalformedFrame = errors.New("malformed frame")

// FrameType identifies the variant carried by a control-channel frame.
type FrameType string

const (
	// FramePing is a liveness probe; the peer answers with FramePong.
	FramePing FrameType = "ping"
	// FramePong answers a ping.
	FramePong FrameType = "pong"
	// FrameDispatch carries a cross-service HTTP request envelope.
	FrameDispatch FrameType = "dispatch"
	// FrameDispatchResponse answers a dispatch.
	FrameDispatchResponse FrameType = "dispatch_response"
	// FrameWSRelay carries a relayed WebSocket data chunk.
	FrameWSRelay FrameType = "ws_relay"
	// FrameHTTPRequest is a public HTTP request forwarded to the client.
	FrameHTTPRequest FrameType = "http_request"
	// FrameHTTPResponse is the reply to a forwarded HTTP request.
	FrameHTTPResponse FrameType = "http_response"
	// FrameTCP is a TCP multiplexer envelope.
	FrameTCP FrameType = "tcp"
)

// Wire prefixes for tagged frames. They are single-line markers that cannot
// appear at the start of a JSON object, so untagged frames stay unambiguous.
const (
	prefixPing             = "$ping$"
	prefixPong             = "$pong$"
	prefixDispatch         = "$dispatch$"
	prefixDispatchResponse = "$dispatchresponse$"
	prefixWSRelay          = "$wsrelay$"
)

// TCP envelope types.
const (
	TCPTypeInit    = "init"
	TCPTypeData    = "data"
	TCPTypeClose   = "close"
	TCPTypeError   = "error"
	TCPTypeControl = "control"
)

// HeartbeatConnectionID is the connection id used by TCP control heartbeats.
const HeartbeatConnectionID = "heartbeat"

// Body holds an envelope body. The canonical wire form is base64-encoded
// bytes; decoding also accepts the legacy plain-string form emitted by older
// clients. A nil Body marshals as null so that absence stays distinguishable
// from a zero-length body.
type Body []byte

// MarshalJSON encodes the body as base64, or null when absent.
func (b Body) MarshalJSON() ([]byte, error) {
	return json.Marshal([]byte(b))
}

// UnmarshalJSON accepts base64 bytes or a legacy UTF-8 string body.
func (b *Body) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}

	var raw []byte
	if err := json.Unmarshal(data, &raw); err == nil {
		if raw == nil {
			raw = []byte{}
		}
		*b = raw
		return nil
	}

	var legacy string
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("body is neither base64 bytes nor a string: %w", err)
	}
	*b = []byte(legacy)
	return nil
}

// HTTPRequest is the wire envelope for an HTTP request relayed to a client.
type HTTPRequest struct {
	RequestID          string            `json:"requestId"`
	Method             string            `json:"method"`
	URL                string            `json:"url"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               Body              `json:"body"`
	IsWebSocketRequest bool              `json:"isWebSocketRequest,omitempty"`
	IsBlazorRequest    bool              `json:"isBlazorRequest,omitempty"`
}

// HTTPResponse is the wire envelope for the reply to a relayed request.
type HTTPResponse struct {
	RequestID    string            `json:"requestId"`
	StatusCode   int               `json:"statusCode"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         Body              `json:"body"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
}

// TCPEnvelope is one multiplexer frame of a TCP tunnel. Data payloads are
// base64-encoded; Host and Port are only meaningful on init frames. The
// timestamp is advisory.
type TCPEnvelope struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId"`
	Data         string    `json:"data,omitempty"`
	Host         string    `json:"host,omitempty"`
	Port         int       `json:"port,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitzero"`
}

// Payload decodes the base64 data carried by a data frame.
func (e *TCPEnvelope) Payload() ([]byte, error) {
	if e.Data == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(e.Data)
}

// SetPayload stores raw bytes as the base64 data of this frame.
func (e *TCPEnvelope) SetPayload(p []byte) {
	e.Data = base64.StdEncoding.EncodeToString(p)
}

// WSRelay is a relayed WebSocket chunk for a passthrough sub-stream.
type WSRelay struct {
	ConnectionID string `json:"connectionId"`
	MessageType  int    `json:"messageType,omitempty"`
	Data         Body   `json:"data"`
	Close        bool   `json:"close,omitempty"`
}

// Frame is the decoded form of one control-channel text frame. Exactly one
// payload field is set, matching Type.
type Frame struct {
	Type     FrameType
	Request  *HTTPRequest  // FrameHTTPRequest, FrameDispatch
	Response *HTTPResponse // FrameHTTPResponse, FrameDispatchResponse
	TCP      *TCPEnvelope  // FrameTCP
	Relay    *WSRelay      // FrameWSRelay
}

// PingFrame and PongFrame are the payload-free frames.
var (
	PingFrame = Frame{Type: FramePing}
	PongFrame = Frame{Type: FramePong}
)

// EncodeFrame renders a frame to its wire form.
func EncodeFrame(f Frame) ([]byte, error) {
	switch f.Type {
	case FramePing:
		return []byte(prefixPing), nil
	case FramePong:
		return []byte(prefixPong), nil
	case FrameDispatch:
		return encodeTagged(prefixDispatch, f.Request)
	case FrameDispatchResponse:
		return encodeTagged(prefixDispatchResponse, f.Response)
	case FrameWSRelay:
		return encodeTagged(prefixWSRelay, f.Relay)
	case FrameHTTPRequest:
		return marshalPayload(f.Request)
	case FrameHTTPResponse:
		return marshalPayload(f.Response)
	case FrameTCP:
		return marshalPayload(f.TCP)
	default:
		return nil, fmt.Errorf("cannot encode frame type %q", f.Type)
	}
}

func encodeTagged(prefix string, payload any) ([]byte, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(prefix)+len(body))
	out = append(out, prefix...)
	out = append(out, body...)
	return out, nil
}

func marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("frame payload is nil")
	}
	return json.Marshal(payload)
}

// DecodeFrame parses one received text frame. Malformed frames yield an
// error; the caller logs and discards them without tearing down the channel.
func DecodeFrame(data []byte) (Frame, error) {
	switch {
	case bytes.Equal(data, []byte(prefixPing)):
		return PingFrame, nil
	case bytes.Equal(data, []byte(prefixPong)):
		return PongFrame, nil
	case bytes.HasPrefix(data, []byte(prefixDispatch)):
		req := &HTTPRequest{}
		if err := json.Unmarshal(data[len(prefixDispatch):], req); err != nil {
			return Frame{}, fmt.Errorf("%w: dispatch payload: %v", ErrMalformedFrame, err)
		}
		return Frame{Type: FrameDispatch, Request: req}, nil
	case bytes.HasPrefix(data, []byte(prefixDispatchResponse)):
		resp := &HTTPResponse{}
		if err := json.Unmarshal(data[len(prefixDispatchResponse):], resp); err != nil {
			return Frame{}, fmt.Errorf("%w: dispatch response payload: %v", ErrMalformedFrame, err)
		}
		return Frame{Type: FrameDispatchResponse, Response: resp}, nil
	case bytes.HasPrefix(data, []byte(prefixWSRelay)):
		relay := &WSRelay{}
		if err := json.Unmarshal(data[len(prefixWSRelay):], relay); err != nil {
			return Frame{}, fmt.Errorf("%w: ws relay payload: %v", ErrMalformedFrame, err)
		}
		return Frame{Type: FrameWSRelay, Relay: relay}, nil
	}

	return decodeBare(data)
}

// decodeBare disambiguates the untagged JSON envelopes: the presence of the
// "type" key marks a TCP envelope, "method" an HTTP request and "statusCode"
// an HTTP response.
func decodeBare(data []byte) (Frame, error) {
	var probe struct {
		Type       *string `json:"type"`
		Method     *string `json:"method"`
		StatusCode *int    `json:"statusCode"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case probe.Type != nil:
		env := &TCPEnvelope{}
		if err := json.Unmarshal(data, env); err != nil {
			return Frame{}, fmt.Errorf("%w: tcp envelope: %v", ErrMalformedFrame, err)
		}
		return Frame{Type: FrameTCP, TCP: env}, nil
	case probe.Method != nil:
		req := &HTTPRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			return Frame{}, fmt.Errorf("%w: http request envelope: %v", ErrMalformedFrame, err)
		}
		return Frame{Type: FrameHTTPRequest, Request: req}, nil
	case probe.StatusCode != nil:
		resp := &HTTPResponse{}
		if err := json.Unmarshal(data, resp); err != nil {
			return Frame{}, fmt.Errorf("%w: http response envelope: %v", ErrMalformedFrame, err)
		}
		return Frame{Type: FrameHTTPResponse, Response: resp}, nil
	default:
		return Frame{}, fmt.Errorf("%w: no distinguishing key", ErrMalformedFrame)
	}
}
