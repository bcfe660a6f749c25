package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DoyleJ11/quiz-sync/pkg/types"
)

var ErrDecode = errors.New("decode error")
var ErrUnknownEvent = errors.New("unknown event")

// Envelope turns a raw channel frame into an envelope. Frames that were
// stringified twice are unwrapped once, and a string-valued data field is
// replaced by its decoded JSON when it holds any. A data string that is not
// JSON is kept as the JSON string itself.
func Envelope(raw []byte) (types.Envelope, error) {
	body, err := unwrapString(bytes.TrimSpace(raw))
	if err != nil {
		return types.Envelope{}, err
	}

	var env types.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return types.Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Event == "" {
		return types.Envelope{}, fmt.Errorf("%w: missing event tag", ErrDecode)
	}

	env.Data = unwrapData(env.Data)
	return env, nil
}

func unwrapString(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecode)
	}
	if b[0] != '"' {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return bytes.TrimSpace([]byte(s)), nil
}

func unwrapData(data json.RawMessage) json.RawMessage {
	d := bytes.TrimSpace(data)
	if len(d) == 0 || d[0] != '"' {
		return d
	}
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return d
	}
	inner := bytes.TrimSpace([]byte(s))
	if len(inner) == 0 || !json.Valid(inner) {
		return d
	}
	return json.RawMessage(inner)
}

// dataString reads data as plain text whether it arrived as a JSON string or
// as a bare scalar.
func dataString(data json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, true
	}
	return "", false
}
