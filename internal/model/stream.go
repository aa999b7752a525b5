// SPDX-License-Identifier: MIT

// Package model holds the per-stream data model shared across the worker:
// stream identity, segments, pairs and the error taxonomy.
package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// streamIDPattern is the URL-safe identifier accepted from the orchestrator.
var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Media URL schemes accepted on the ingest and publish side.
var mediaSchemes = map[string]bool{
	"rtmp":  true,
	"rtmps": true,
	"rtsp":  true,
	"srt":   true,
	"file":  true,
}

// STS URL schemes. The STS link is WebSocket-based; http(s) is accepted and
// upgraded by the transport.
var stsSchemes = map[string]bool{
	"ws":    true,
	"wss":   true,
	"http":  true,
	"https": true,
}

// StreamConfig is the immutable identity a worker is constructed with.
type StreamConfig struct {
	StreamID       string
	WorkerID       string
	InputURL       string
	OutputURL      string
	STSURL         string
	SourceLanguage string
	TargetLanguage string
	VoiceProfile   string

	// SegmentDuration is the target duration of emitted segments.
	SegmentDuration time.Duration
}

// Validate checks the identity invariants. It is called once at worker
// construction; a failure is a startup failure, never a runtime one.
func (c StreamConfig) Validate() error {
	if !streamIDPattern.MatchString(c.StreamID) {
		return fmt.Errorf("stream id %q: must match [A-Za-z0-9_-]+", c.StreamID)
	}
	if err := validateMediaURL("input url", c.InputURL); err != nil {
		return err
	}
	if err := validateMediaURL("output url", c.OutputURL); err != nil {
		return err
	}
	if err := validateURL("sts url", c.STSURL, stsSchemes); err != nil {
		return err
	}
	if _, err := language.Parse(c.SourceLanguage); err != nil {
		return fmt.Errorf("source language %q: %w", c.SourceLanguage, err)
	}
	if _, err := language.Parse(c.TargetLanguage); err != nil {
		return fmt.Errorf("target language %q: %w", c.TargetLanguage, err)
	}
	if c.SegmentDuration <= 0 {
		return fmt.Errorf("segment duration %s: must be positive", c.SegmentDuration)
	}
	return nil
}

func validateMediaURL(what, raw string) error {
	return validateURL(what, raw, mediaSchemes)
}

// ValidateMediaURL checks raw against the accepted media schemes. Pipelines
// call it at build time to fail fast before spawning a child.
func ValidateMediaURL(what, raw string) error {
	return validateMediaURL(what, raw)
}

func validateURL(what, raw string, allowed map[string]bool) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s: empty", what)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q: %w", what, raw, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("%s %q: missing scheme", what, raw)
	}
	if !allowed[u.Scheme] {
		return fmt.Errorf("%s %q: unsupported scheme %q", what, raw, u.Scheme)
	}
	return nil
}
