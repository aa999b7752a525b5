// SPDX-License-Identifier: MIT
package model

import "time"

// MediaKind distinguishes the two tracks everywhere a label is needed.
type MediaKind string

const (
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
)

// EmitTrigger records why a segment was emitted.
type EmitTrigger string

const (
	TriggerDuration    EmitTrigger = "duration"
	TriggerSilence     EmitTrigger = "silence"
	TriggerMaxDuration EmitTrigger = "max_duration"
	TriggerMemoryLimit EmitTrigger = "memory_limit"
	TriggerEOS         EmitTrigger = "eos"
)

// Frame locates one access unit inside a segment payload and carries its
// timing. Offsets index the concatenated payload, so the payload bytes stay
// untouched end to end.
type Frame struct {
	Offset   int
	Len      int
	PTS      int64 // ns
	DTS      int64 // ns, equals PTS for audio
	Duration int64 // ns
	Keyframe bool
}

// VideoSegment is one emitted window of concatenated video access units.
// Frames indexes the payload per access unit for remuxing.
type VideoSegment struct {
	FragmentID  string
	StreamID    string
	BatchNumber int64
	// StartPTS is the PTS of the first access unit, in nanoseconds.
	StartPTS  int64
	Duration  time.Duration
	SizeBytes int64
	Frames    []Frame
}

// AudioSegment is one emitted window of concatenated audio frames. The
// payload itself travels alongside the segment by handoff; the segment only
// references its persisted form.
type AudioSegment struct {
	FragmentID  string
	StreamID    string
	BatchNumber int64
	StartPTS    int64
	Duration    time.Duration
	SizeBytes   int64
	Trigger     EmitTrigger

	// FilePath is the persisted original payload; STS upload reads it.
	FilePath string
	// DubbedPath is the persisted dubbed counterpart, when present.
	DubbedPath string
	IsDubbed   bool
}

// Pair is one video segment matched with its audio counterpart (dubbed or
// fallback) for the same batch number, with the output offset applied.
type Pair struct {
	Video        VideoSegment
	VideoPayload []byte
	Audio        AudioSegment
	AudioPayload []byte

	// VideoPTS and AudioPTS are the output timestamps (base offset applied).
	VideoPTS int64
	AudioPTS int64

	// Fallback marks a pair completed with original-language audio.
	Fallback bool
}
