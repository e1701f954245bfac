package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestWireFormat(t *testing.T) {
	b, err := EncodeRequest(Request{Endpoint: "rpc.ping", RequestID: 12, Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	require.JSONEq(t, `{"endpoint":"rpc.ping","requestId":12,"payload":{"a":1}}`, string(b))

	req, err := DecodeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, "rpc.ping", req.Endpoint)
	assert.Equal(t, RequestID(12), req.RequestID)
}

func TestDecodeRequestRejectsMissingEndpoint(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"requestId":1}`))
	require.ErrorIs(t, err, ErrEmptyEndpoint)

	_, err = DecodeRequest([]byte(`not json`))
	require.Error(t, err)
}

func TestResponseWireFormat(t *testing.T) {
	ok, err := Succeeded(map[string]string{"url": "https://example.test/u"})
	require.NoError(t, err)
	b, err := EncodeResponse(Response{RequestID: 3, Outcome: ok})
	require.NoError(t, err)
	require.JSONEq(t, `{"requestId":3,"outcome":{"success":true,"data":{"url":"https://example.test/u"}}}`, string(b))

	b, err = EncodeResponse(Response{RequestID: 4, Outcome: Failed("rate limit exceeded")})
	require.NoError(t, err)
	require.JSONEq(t, `{"requestId":4,"outcome":{"success":false,"error":"rate limit exceeded"}}`, string(b))

	resp, err := DecodeResponse(b)
	require.NoError(t, err)
	assert.False(t, resp.Outcome.Success)
	assert.Equal(t, "rate limit exceeded", resp.Outcome.Error)
}

func TestFailedNeverEmpty(t *testing.T) {
	assert.Equal(t, "unknown error", Failed("").Error)
}
