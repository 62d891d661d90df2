package proto

import (
	"encoding/json"
	"fmt"

	"github.com/Warrelis/nak/pkg/jsonx"
)

// The wire frame is one UTF-8 JSON object per newline-terminated line:
// {"remote_id": n, "message": {...}}. remote_id is the destination relative
// to the recipient; 0 means "self". The codec is stateless; a parse failure
// is fatal for the stream that produced the line.

// Request is a frontend-to-backend envelope.
type Request struct {
	RemoteId RemoteId       `json:"remote_id"`
	Message  RequestMessage `json:"message"`
}

// Response is a backend-to-frontend envelope.
type Response struct {
	RemoteId RemoteId        `json:"remote_id"`
	Message  ResponseMessage `json:"message"`
}

func encodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// EncodeRequest serializes one request envelope, newline included.
func EncodeRequest(env Request) ([]byte, error) {
	if n := env.Message.variants(); n != 1 {
		return nil, fmt.Errorf("proto: request must carry exactly one message, has %d", n)
	}
	return encodeLine(env)
}

// EncodeResponse serializes one response envelope, newline included.
func EncodeResponse(env Response) ([]byte, error) {
	if n := env.Message.variants(); n != 1 {
		return nil, fmt.Errorf("proto: response must carry exactly one message, has %d", n)
	}
	return encodeLine(env)
}

// DecodeRequest parses one request line. Unknown fields, missing tags and
// multi-tag messages are all decode errors.
func DecodeRequest(line []byte) (Request, error) {
	var env Request
	if err := jsonx.ParseStrictJSONLine(line, &env); err != nil {
		return Request{}, fmt.Errorf("proto: bad request frame: %w", err)
	}
	if n := env.Message.variants(); n != 1 {
		return Request{}, fmt.Errorf("proto: request frame carries %d messages, want 1", n)
	}
	return env, nil
}

// DecodeResponse parses one response line.
func DecodeResponse(line []byte) (Response, error) {
	var env Response
	if err := jsonx.ParseStrictJSONLine(line, &env); err != nil {
		return Response{}, fmt.Errorf("proto: bad response frame: %w", err)
	}
	if n := env.Message.variants(); n != 1 {
		return Response{}, fmt.Errorf("proto: response frame carries %d messages, want 1", n)
	}
	return env, nil
}
