package rpc

import (
	"encoding/json"
	"fmt"
)

// RequestID correlates a request with its response. IDs are compared for
// equality only.
type RequestID uint32

// Request is the envelope sent from the caller side to the handler side.
type Request struct {
	Endpoint  string          `json:"endpoint"`
	RequestID RequestID       `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Outcome is the result carried by a Response: either success with data or
// failure with an error message.
type Outcome struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Response is the envelope sent from the handler side back to the caller.
type Response struct {
	RequestID RequestID `json:"requestId"`
	Outcome   Outcome   `json:"outcome"`
}

// Succeeded builds a success outcome from an arbitrary value.
func Succeeded(v any) (Outcome, error) {
	data, err := encodeValue(v)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Success: true, Data: data}, nil
}

// Failed builds a failure outcome. An empty message is replaced so the
// caller always receives a non-empty error.
func Failed(message string) Outcome {
	if message == "" {
		message = "unknown error"
	}
	return Outcome{Success: false, Error: message}
}

// EncodeRequest serializes a request envelope.
func EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest parses a request envelope.
func DecodeRequest(b []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Endpoint == "" {
		return Request{}, ErrEmptyEndpoint
	}
	return req, nil
}

// EncodeResponse serializes a response envelope.
func EncodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse parses a response envelope.
func DecodeResponse(b []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func encodeValue(v any) (json.RawMessage, error) {
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return typed, nil
	case []byte:
		if json.Valid(typed) {
			return typed, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}
