// SPDX-License-Identifier: MIT

package control

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/config"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/journal"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/worker"
)

// recentFragments bounds the journal slice on the status payload.
const recentFragments = 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz gates traffic placement: ready only while the full dubbing
// path is up. A worker relaying original audio after losing its STS session
// reports not ready even though it keeps publishing.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	st := s.opts.Status()
	if !st.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"state":  st.State,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the worker snapshot plus build identity and, when the
// journal is available, the most recent fragment outcomes.
type statusResponse struct {
	worker.Status
	Version string           `json:"version,omitempty"`
	Recent  []journal.Record `json:"recent_fragments,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:  s.opts.Status(),
		Version: s.opts.Version,
	}
	if s.opts.Recent != nil {
		resp.Recent = s.opts.Recent(recentFragments)
	}
	writeJSON(w, http.StatusOK, resp)
}

// configView is the externally visible slice of the active configuration.
// Media and STS URLs may embed credentials, so their userinfo is redacted.
type configView struct {
	StreamID           string  `json:"stream_id"`
	WorkerID           string  `json:"worker_id,omitempty"`
	InputURL           string  `json:"input_url"`
	OutputURL          string  `json:"output_url"`
	STSURL             string  `json:"sts_url"`
	SourceLanguage     string  `json:"source_language"`
	TargetLanguage     string  `json:"target_language"`
	VoiceProfile       string  `json:"voice_profile,omitempty"`
	SegmentDurationMs  int64   `json:"segment_duration_ms"`
	VADEnabled         bool    `json:"vad_enabled"`
	SilenceThresholdDB float64 `json:"silence_threshold_db,omitempty"`
	MaxInflight        int     `json:"max_inflight"`
	FragmentTimeoutMs  int64   `json:"fragment_timeout_ms"`
	BreakerThreshold   int     `json:"breaker_threshold"`
	BreakerCooldownMs  int64   `json:"breaker_cooldown_ms"`
	SyncBaseOffsetMs   int64   `json:"sync_base_offset_ms"`
	DriftThresholdMs   int64   `json:"drift_threshold_ms"`
	LogLevel           string  `json:"log_level"`
	DataDir            string  `json:"data_dir"`
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.opts.Config()
	view := configView{
		StreamID:          cfg.StreamID,
		WorkerID:          cfg.WorkerID,
		InputURL:          redactURL(cfg.InputURL),
		OutputURL:         redactURL(cfg.OutputURL),
		STSURL:            redactURL(cfg.STSURL),
		SourceLanguage:    cfg.SourceLanguage,
		TargetLanguage:    cfg.TargetLanguage,
		VoiceProfile:      cfg.VoiceProfile,
		SegmentDurationMs: cfg.SegmentDuration.Milliseconds(),
		VADEnabled:        cfg.VAD.Enabled,
		MaxInflight:       cfg.STS.MaxInflight,
		FragmentTimeoutMs: cfg.STS.FragmentTimeout.Milliseconds(),
		BreakerThreshold:  cfg.Breaker.FailureThreshold,
		BreakerCooldownMs: cfg.Breaker.Cooldown.Milliseconds(),
		SyncBaseOffsetMs:  cfg.Sync.BaseOffset.Milliseconds(),
		DriftThresholdMs:  cfg.Sync.DriftThreshold.Milliseconds(),
		LogLevel:          cfg.LogLevel,
		DataDir:           cfg.DataDir,
	}
	if cfg.VAD.Enabled {
		view.SilenceThresholdDB = cfg.VAD.SilenceThresholdDB
	}
	writeJSON(w, http.StatusOK, view)
}

// tunablesView mirrors config.Tunables with wire-friendly units.
type tunablesView struct {
	LogLevel         string `json:"log_level"`
	SlowdownDelayMs  int64  `json:"slowdown_delay_ms"`
	DriftThresholdMs int64  `json:"drift_threshold_ms"`
	SlewRateMs       int64  `json:"slew_rate_ms"`
}

func viewTunables(t config.Tunables) tunablesView {
	return tunablesView{
		LogLevel:         t.LogLevel,
		SlowdownDelayMs:  t.SlowdownDelay.Milliseconds(),
		DriftThresholdMs: t.DriftThreshold.Milliseconds(),
		SlewRateMs:       t.SlewRate.Milliseconds(),
	}
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Reload == nil {
		writeError(w, http.StatusNotImplemented, "reload not configured")
		return
	}
	tun, err := s.opts.Reload()
	if err != nil {
		s.logger.Warn().Err(err).Msg("config reload rejected")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "reloaded",
		"tunables": viewTunables(tun),
	})
}

// redactURL strips userinfo from a URL. Unparseable values are masked
// entirely rather than leaked.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "REDACTED"
	}
	if u.User != nil {
		u.User = url.User("REDACTED")
	}
	return u.String()
}
