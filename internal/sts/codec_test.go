// SPDX-License-Identifier: MIT

package sts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEventFramesRoundTrip(t *testing.T) {
	frame, err := EncodeEvent(EventStreamInit, StreamInit{
		StreamID: "stream-7",
		WorkerID: "worker-3",
		Config: StreamInitConfig{
			SourceLanguage:  "en",
			TargetLanguage:  "es",
			VoiceProfile:    "primary",
			Format:          "m4a",
			SampleRateHz:    48000,
			Channels:        2,
			ChunkDurationMs: 30000,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", string(frame[:2]))

	event, payload, err := DecodeEvent(frame)
	require.NoError(t, err)
	assert.Equal(t, EventStreamInit, event)

	var msg StreamInit
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "stream-7", msg.StreamID)
	assert.Equal(t, "es", msg.Config.TargetLanguage)
	assert.Equal(t, int64(30000), msg.Config.ChunkDurationMs)
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		wantEvent string
		wantErr   error
		malformed bool
	}{
		{
			name:      "event with payload",
			frame:     `42["stream:ready",{"session_id":"s1","max_inflight":4}]`,
			wantEvent: EventStreamReady,
		},
		{
			name:      "event without payload",
			frame:     `42["stream:ready"]`,
			wantEvent: EventStreamReady,
		},
		{name: "ping", frame: "2", wantErr: ErrNotEvent},
		{name: "pong", frame: "3", wantErr: ErrNotEvent},
		{name: "empty", frame: "", wantErr: ErrNotEvent},
		{name: "message ack frame", frame: "43[]", wantErr: ErrNotEvent},
		{name: "truncated json", frame: `42["stream:ready"`, malformed: true},
		{name: "empty array", frame: "42[]", malformed: true},
		{name: "non-string event name", frame: "42[17]", malformed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, payload, err := DecodeEvent([]byte(tt.frame))
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.malformed:
				require.Error(t, err)
				assert.NotErrorIs(t, err, ErrNotEvent)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantEvent, event)
				if tt.frame == `42["stream:ready"]` {
					assert.Nil(t, payload)
				}
			}
		})
	}
}

func TestPingPongFrames(t *testing.T) {
	assert.True(t, IsPing([]byte("2")))
	assert.False(t, IsPing([]byte("3")))
	assert.False(t, IsPing([]byte(`42["error",{}]`)))
	assert.Equal(t, "3", string(Pong()))
}
