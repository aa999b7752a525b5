// SPDX-License-Identifier: MIT
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration with precedence ENV > file > defaults. The file
// is parsed strictly: unknown keys are load errors, so typos surface at
// startup instead of silently using defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a loader for the optional YAML file at configPath.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load resolves the effective configuration: defaults, then the file when
// present, then ENV overrides, then validation.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.applyFile(&cfg); err != nil {
			return Config{}, err
		}
	}
	l.applyEnv(&cfg)

	if cfg.JournalDir == "" {
		cfg.JournalDir = cfg.DataDir + "/journal"
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = cfg.DataDir + "/ledger.db"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (l *Loader) applyFile(cfg *Config) error {
	f, err := os.Open(l.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s: %w", l.configPath, err)
		}
		return err
	}
	defer f.Close() //nolint:errcheck // read-only file

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("config file %s: %w", l.configPath, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %s: %w", l.configPath, err)
	}
	return nil
}

func (l *Loader) applyEnv(cfg *Config) {
	cfg.StreamID = ParseString("DUB_STREAM_ID", cfg.StreamID)
	cfg.WorkerID = ParseString("DUB_WORKER_ID", cfg.WorkerID)
	cfg.InputURL = ParseString("DUB_INPUT_URL", cfg.InputURL)
	cfg.OutputURL = ParseString("DUB_OUTPUT_URL", cfg.OutputURL)
	cfg.STSURL = ParseString("DUB_STS_URL", cfg.STSURL)
	cfg.SourceLanguage = ParseString("DUB_SOURCE_LANGUAGE", cfg.SourceLanguage)
	cfg.TargetLanguage = ParseString("DUB_TARGET_LANGUAGE", cfg.TargetLanguage)
	cfg.VoiceProfile = ParseString("DUB_VOICE_PROFILE", cfg.VoiceProfile)
	cfg.SegmentDuration = ParseDuration("DUB_SEGMENT_DURATION", cfg.SegmentDuration)

	cfg.VAD.Enabled = ParseBool("DUB_VAD_ENABLED", cfg.VAD.Enabled)
	cfg.VAD.SilenceThresholdDB = ParseFloat("DUB_VAD_SILENCE_THRESHOLD_DB", cfg.VAD.SilenceThresholdDB)
	cfg.VAD.SilenceDuration = ParseDuration("DUB_VAD_SILENCE_DURATION", cfg.VAD.SilenceDuration)
	cfg.VAD.MinSegmentDuration = ParseDuration("DUB_VAD_MIN_SEGMENT_DURATION", cfg.VAD.MinSegmentDuration)
	cfg.VAD.MaxSegmentDuration = ParseDuration("DUB_VAD_MAX_SEGMENT_DURATION", cfg.VAD.MaxSegmentDuration)
	cfg.VAD.LevelInterval = ParseDuration("DUB_VAD_LEVEL_INTERVAL", cfg.VAD.LevelInterval)
	cfg.VAD.MemoryLimitBytes = ParseInt64("DUB_VAD_MEMORY_LIMIT_BYTES", cfg.VAD.MemoryLimitBytes)

	cfg.STS.InitTimeout = ParseDuration("DUB_STS_INIT_TIMEOUT", cfg.STS.InitTimeout)
	cfg.STS.FragmentTimeout = ParseDuration("DUB_STS_FRAGMENT_TIMEOUT", cfg.STS.FragmentTimeout)
	cfg.STS.MaxInflight = ParseInt("DUB_STS_MAX_INFLIGHT", cfg.STS.MaxInflight)
	cfg.STS.ReconnectAttempts = ParseInt("DUB_STS_RECONNECT_ATTEMPTS", cfg.STS.ReconnectAttempts)
	cfg.STS.ReconnectInitialDelay = ParseDuration("DUB_STS_RECONNECT_INITIAL_DELAY", cfg.STS.ReconnectInitialDelay)
	cfg.STS.ReconnectMaxDelay = ParseDuration("DUB_STS_RECONNECT_MAX_DELAY", cfg.STS.ReconnectMaxDelay)
	cfg.STS.MaxFragmentBytes = ParseInt64("DUB_STS_MAX_FRAGMENT_BYTES", cfg.STS.MaxFragmentBytes)
	cfg.STS.SampleRateHz = ParseInt("DUB_STS_SAMPLE_RATE_HZ", cfg.STS.SampleRateHz)
	cfg.STS.Channels = ParseInt("DUB_STS_CHANNELS", cfg.STS.Channels)

	cfg.Breaker.FailureThreshold = ParseInt("DUB_BREAKER_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	cfg.Breaker.Cooldown = ParseDuration("DUB_BREAKER_COOLDOWN", cfg.Breaker.Cooldown)

	cfg.Backpressure.PauseTimeout = ParseDuration("DUB_BACKPRESSURE_PAUSE_TIMEOUT", cfg.Backpressure.PauseTimeout)
	cfg.Backpressure.SlowdownDelay = ParseDuration("DUB_BACKPRESSURE_SLOWDOWN_DELAY", cfg.Backpressure.SlowdownDelay)

	cfg.Sync.BaseOffset = ParseDuration("DUB_SYNC_BASE_OFFSET", cfg.Sync.BaseOffset)
	cfg.Sync.DriftThreshold = ParseDuration("DUB_SYNC_DRIFT_THRESHOLD", cfg.Sync.DriftThreshold)
	cfg.Sync.SlewRate = ParseDuration("DUB_SYNC_SLEW_RATE", cfg.Sync.SlewRate)
	cfg.Sync.BufferCap = ParseInt("DUB_SYNC_BUFFER_CAP", cfg.Sync.BufferCap)

	cfg.Runner.QueueCap = ParseInt("DUB_RUNNER_QUEUE_CAP", cfg.Runner.QueueCap)
	cfg.Runner.Tick = ParseDuration("DUB_RUNNER_TICK", cfg.Runner.Tick)

	cfg.Output.MaxPublisherRestarts = ParseInt("DUB_OUTPUT_MAX_PUBLISHER_RESTARTS", cfg.Output.MaxPublisherRestarts)
	cfg.Output.AtempoTolerance = ParseDuration("DUB_OUTPUT_ATEMPO_TOLERANCE", cfg.Output.AtempoTolerance)
	cfg.Output.QueueCap = ParseInt("DUB_OUTPUT_QUEUE_CAP", cfg.Output.QueueCap)

	cfg.DataDir = ParseString("DUB_DATA_DIR", cfg.DataDir)
	cfg.FFmpegPath = ParseString("DUB_FFMPEG_PATH", cfg.FFmpegPath)
	cfg.LogLevel = ParseString("DUB_LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = ParseString("DUB_LOG_SERVICE", cfg.LogService)
	cfg.ListenAddr = ParseString("DUB_LISTEN", cfg.ListenAddr)
	cfg.MetricsAddr = ParseString("DUB_METRICS_ADDR", cfg.MetricsAddr)
	cfg.RedisAddr = ParseString("DUB_REDIS_ADDR", cfg.RedisAddr)
	cfg.JournalDir = ParseString("DUB_JOURNAL_DIR", cfg.JournalDir)
	cfg.LedgerPath = ParseString("DUB_LEDGER_PATH", cfg.LedgerPath)

	cfg.Telemetry.Enabled = ParseBool("DUB_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = ParseString("DUB_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.ExporterType = ParseString("DUB_OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.SamplingRate = ParseFloat("DUB_OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)

	cfg.StatusInterval = ParseDuration("DUB_STATUS_INTERVAL", cfg.StatusInterval)
	cfg.StatusTTL = ParseDuration("DUB_STATUS_TTL", cfg.StatusTTL)
}
