// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"fmt"
	"strings"
)

// baseFlags are shared by every invocation: quiet output (stderr is captured
// into the ring) and no controlling terminal.
func baseFlags() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
	}
}

// IngestArgs builds the pull command for a live source. Two outputs: the
// copy-muxed MPEG-TS on stdout for demuxing, and a mono 16 kHz 16-bit PCM
// tap on fd 3 for level metering.
func IngestArgs(inputURL string) ([]string, error) {
	if inputURL == "" {
		return nil, fmt.Errorf("missing input URL")
	}

	args := append(baseFlags(), "-nostdin")

	// Input robustness flags for unreliable live sources: generate missing
	// PTS, drop corrupt packets, keep timestamps monotonic.
	args = append(args,
		"-fflags", "+genpts+discardcorrupt",
		"-err_detect", "ignore_err",
		"-avoid_negative_ts", "make_zero",
	)

	if strings.HasPrefix(inputURL, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	if strings.HasPrefix(inputURL, "rtmp://") || strings.HasPrefix(inputURL, "rtmps://") {
		args = append(args, "-rw_timeout", "10000000")
	}

	args = append(args,
		"-i", inputURL,

		// Original mux, passthrough.
		"-map", "0:v:0?",
		"-map", "0:a:0?",
		"-c", "copy",
		"-f", "mpegts", "pipe:1",

		// Level tap for the segmenter's RMS meter.
		"-map", "0:a:0?",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", "16000",
		"pipe:3",
	)

	return args, nil
}

// PublishArgs builds the real-time publisher command. It reads muxed TS on
// stdin, paces at native rate and pushes to the output URL. RTMP targets
// get an FLV container, everything else keeps MPEG-TS.
func PublishArgs(outputURL string) ([]string, error) {
	if outputURL == "" {
		return nil, fmt.Errorf("missing output URL")
	}

	format := "mpegts"
	if strings.HasPrefix(outputURL, "rtmp://") || strings.HasPrefix(outputURL, "rtmps://") {
		format = "flv"
	}

	args := append(baseFlags(),
		"-re",
		"-f", "mpegts",
		"-i", "pipe:0",
		"-c", "copy",
		"-f", format,
		outputURL,
	)
	return args, nil
}

// MuxADTSArgs converts a raw ADTS AAC capture into an M4A container, the
// payload format the speech service expects.
func MuxADTSArgs(src, dst string) []string {
	return append(baseFlags(),
		"-nostdin",
		"-y",
		"-f", "aac",
		"-i", src,
		"-c:a", "copy",
		"-movflags", "+faststart",
		"-f", "ipod",
		dst,
	)
}

// MuxH264Args wraps a raw Annex-B H.264 capture in an MP4 container for
// diagnostics playback.
func MuxH264Args(src, dst string) []string {
	return append(baseFlags(),
		"-nostdin",
		"-y",
		"-f", "h264",
		"-i", src,
		"-c:v", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		dst,
	)
}

// ExtractADTSArgs remuxes an M4A file back to a raw ADTS stream so its AAC
// frames can be fed to the TS muxer.
func ExtractADTSArgs(src, dst string) []string {
	return append(baseFlags(),
		"-nostdin",
		"-y",
		"-i", src,
		"-c:a", "copy",
		"-f", "adts",
		dst,
	)
}

// AtempoADTSArgs time-stretches dubbed audio by tempo and emits ADTS. The
// caller guarantees tempo is within atempo's single-stage [0.5, 2.0] range.
func AtempoADTSArgs(src, dst string, tempo float64, sampleRate, channels int) []string {
	return append(baseFlags(),
		"-nostdin",
		"-y",
		"-i", src,
		"-filter:a", fmt.Sprintf("atempo=%.6f", tempo),
		"-c:a", "aac",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", fmt.Sprintf("%d", channels),
		"-f", "adts",
		dst,
	)
}
