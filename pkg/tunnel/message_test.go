package tunnel

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame_PingPongAreBareMarkers(t *testing.T) {
	ping, err := EncodeFrame(PingFrame)
	require.NoError(t, err)
	assert.Equal(t, "$ping$", string(ping))

	pong, err := EncodeFrame(PongFrame)
	require.NoError(t, err)
	assert.Equal(t, "$pong$", string(pong))
}

func TestDecodeFrame_PingPong(t *testing.T) {
	frame, err := DecodeFrame([]byte("$ping$"))
	require.NoError(t, err)
	assert.Equal(t, FramePing, frame.Type)

	frame, err = DecodeFrame([]byte("$pong$"))
	require.NoError(t, err)
	assert.Equal(t, FramePong, frame.Type)
}

func TestFrame_RoundTrip_HTTPRequest(t *testing.T) {
	req := &HTTPRequest{
		RequestID: "req-1",
		Method:    "POST",
		URL:       "/my-tunnel/api/items?limit=5",
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      Body(`{"name":"widget"}`),
	}

	data, err := EncodeFrame(Frame{Type: FrameHTTPRequest, Request: req})
	require.NoError(t, err)

	decoded, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, FrameHTTPRequest, decoded.Type)
	assert.Equal(t, req.RequestID, decoded.Request.RequestID)
	assert.Equal(t, req.Method, decoded.Request.Method)
	assert.Equal(t, req.URL, decoded.Request.URL)
	assert.Equal(t, req.Headers, decoded.Request.Headers)
	assert.Equal(t, []byte(req.Body), []byte(decoded.Request.Body))
}

func TestFrame_RoundTrip_HTTPResponse(t *testing.T) {
	resp := &HTTPResponse{
		RequestID:  "req-2",
		StatusCode: 201,
		Headers:    map[string]string{"Location": "/api/items/9"},
		Body:       Body("created"),
	}

	data, err := EncodeFrame(Frame{Type: FrameHTTPResponse, Response: resp})
	require.NoError(t, err)

	decoded, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, FrameHTTPResponse, decoded.Type)
	assert.Equal(t, 201, decoded.Response.StatusCode)
	assert.Equal(t, "created", string(decoded.Response.Body))
}

func TestFrame_RoundTrip_TaggedFrames(t *testing.T) {
	dispatch := Frame{Type: FrameDispatch, Request: &HTTPRequest{
		RequestID: "d-1", Method: "GET", URL: "/other-tunnel/health",
	}}
	data, err := EncodeFrame(dispatch)
	require.NoError(t, err)
	assert.True(t, len(data) > len("$dispatch$"))
	assert.Equal(t, "$dispatch$", string(data[:len("$dispatch$")]))

	decoded, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, FrameDispatch, decoded.Type)
	assert.Equal(t, "d-1", decoded.Request.RequestID)

	dispResp := Frame{Type: FrameDispatchResponse, Response: &HTTPResponse{
		RequestID: "d-1", StatusCode: 200, Body: Body("ok"),
	}}
	data, err = EncodeFrame(dispResp)
	require.NoError(t, err)
	decoded, err = DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, FrameDispatchResponse, decoded.Type)
	assert.Equal(t, 200, decoded.Response.StatusCode)

	relay := Frame{Type: FrameWSRelay, Relay: &WSRelay{
		ConnectionID: "c-1", MessageType: 1, Data: Body("chunk"),
	}}
	data, err = EncodeFrame(relay)
	require.NoError(t, err)
	decoded, err = DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, FrameWSRelay, decoded.Type)
	assert.Equal(t, "c-1", decoded.Relay.ConnectionID)
	assert.Equal(t, "chunk", string(decoded.Relay.Data))
}

func TestFrame_RoundTrip_TCPEnvelope(t *testing.T) {
	env := &TCPEnvelope{Type: TCPTypeData, ConnectionID: "conn-1"}
	env.SetPayload([]byte{0x00, 0x01, 0xff, 0xfe})

	data, err := EncodeFrame(Frame{Type: FrameTCP, TCP: env})
	require.NoError(t, err)

	decoded, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, FrameTCP, decoded.Type)
	assert.Equal(t, TCPTypeData, decoded.TCP.Type)
	assert.Equal(t, "conn-1", decoded.TCP.ConnectionID)

	payload, err := decoded.TCP.Payload()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xff, 0xfe}, payload)
}

func TestDecodeFrame_DisambiguatesBareEnvelopes(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"init","connectionId":"c-9"}`))
	require.NoError(t, err)
	assert.Equal(t, FrameTCP, frame.Type)

	frame, err = DecodeFrame([]byte(`{"requestId":"r-1","method":"GET","url":"/t/x"}`))
	require.NoError(t, err)
	assert.Equal(t, FrameHTTPRequest, frame.Type)

	frame, err = DecodeFrame([]byte(`{"requestId":"r-1","statusCode":204}`))
	require.NoError(t, err)
	assert.Equal(t, FrameHTTPResponse, frame.Type)
}

func TestDecodeFrame_MalformedInputWrapsSentinel(t *testing.T) {
	cases := [][]byte{
		[]byte("not json"),
		[]byte("$dispatch$not json"),
		[]byte("$wsrelay${"),
		[]byte(`{"neither":"fish","nor":"fowl"}`),
	}
	for _, data := range cases {
		_, err := DecodeFrame(data)
		require.ErrorIs(t, err, ErrMalformedFrame, "input %q", data)
	}
}

func TestBody_MarshalsAsBase64(t *testing.T) {
	req := &HTTPRequest{RequestID: "r", Method: "POST", URL: "/t/x", Body: Body("hello")}
	data, err := EncodeFrame(Frame{Type: FrameHTTPRequest, Request: req})
	require.NoError(t, err)
	assert.Contains(t, string(data), base64.StdEncoding.EncodeToString([]byte("hello")))
}

func TestBody_AcceptsLegacyStringBody(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"requestId":"r","statusCode":200,"body":"plain text body"}`))
	require.NoError(t, err)
	assert.Equal(t, "plain text body", string(frame.Response.Body))
}

func TestBody_EmptyIsNotNil(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"requestId":"r","statusCode":200,"body":""}`))
	require.NoError(t, err)
	require.NotNil(t, frame.Response.Body)
	assert.Len(t, []byte(frame.Response.Body), 0)

	frame, err = DecodeFrame([]byte(`{"requestId":"r","statusCode":200,"body":null}`))
	require.NoError(t, err)
	assert.Nil(t, frame.Response.Body)
}
