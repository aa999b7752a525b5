// SPDX-License-Identifier: MIT

package sts

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire framing follows the socket.io text convention: an event frame is the
// "42" prefix followed by a JSON array of event name and payload. Bare "2"
// and "3" frames are engine-level ping/pong.
const (
	framePing        = "2"
	framePong        = "3"
	frameEventPrefix = "42"
)

// ErrNotEvent marks frames that carry no event (ping, pong, unknown engine
// frames). The read pump skips them.
var ErrNotEvent = errors.New("sts: frame is not an event")

// EncodeEvent frames an event with its JSON payload.
func EncodeEvent(event string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	name, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event name: %w", err)
	}

	frame := make([]byte, 0, len(frameEventPrefix)+len(name)+len(body)+3)
	frame = append(frame, frameEventPrefix...)
	frame = append(frame, '[')
	frame = append(frame, name...)
	frame = append(frame, ',')
	frame = append(frame, body...)
	frame = append(frame, ']')
	return frame, nil
}

// DecodeEvent parses an event frame into its name and raw payload. Non-event
// frames return ErrNotEvent; malformed event frames return a hard error.
func DecodeEvent(frame []byte) (string, json.RawMessage, error) {
	if len(frame) < len(frameEventPrefix) || string(frame[:2]) != frameEventPrefix {
		return "", nil, ErrNotEvent
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(frame[len(frameEventPrefix):], &parts); err != nil {
		return "", nil, fmt.Errorf("malformed event frame: %w", err)
	}
	if len(parts) < 1 {
		return "", nil, fmt.Errorf("malformed event frame: empty array")
	}

	var event string
	if err := json.Unmarshal(parts[0], &event); err != nil {
		return "", nil, fmt.Errorf("malformed event name: %w", err)
	}

	var payload json.RawMessage
	if len(parts) > 1 {
		payload = parts[1]
	}
	return event, payload, nil
}

// IsPing reports whether the frame is an engine-level ping that expects a
// pong reply.
func IsPing(frame []byte) bool {
	return string(frame) == framePing
}

// Pong is the reply frame for an engine-level ping.
func Pong() []byte {
	return []byte(framePong)
}
