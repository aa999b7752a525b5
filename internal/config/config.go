// SPDX-License-Identifier: MIT

// Package config loads and validates the worker configuration with
// precedence ENV > file > defaults, and supports hot reload of tunables.
package config

import (
	"fmt"
	"time"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/model"
)

// Config is the full worker configuration. Identity fields are immutable for
// the worker's life; Tunables may be swapped by hot reload.
type Config struct {
	// Identity (immutable per worker).
	StreamID       string `yaml:"streamId"`
	WorkerID       string `yaml:"workerId"`
	InputURL       string `yaml:"inputUrl"`
	OutputURL      string `yaml:"outputUrl"`
	STSURL         string `yaml:"stsUrl"`
	SourceLanguage string `yaml:"sourceLanguage"`
	TargetLanguage string `yaml:"targetLanguage"`
	VoiceProfile   string `yaml:"voiceProfile"`

	SegmentDuration time.Duration `yaml:"segmentDuration"`

	VAD          VADConfig          `yaml:"vad"`
	STS          STSConfig          `yaml:"sts"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Sync         SyncConfig         `yaml:"sync"`
	Runner       RunnerConfig       `yaml:"runner"`
	Output       OutputConfig       `yaml:"output"`

	// Paths and binaries.
	DataDir    string `yaml:"dataDir"`
	FFmpegPath string `yaml:"ffmpegPath"`

	// Ambient.
	LogLevel    string          `yaml:"logLevel"`
	LogService  string          `yaml:"logService"`
	ListenAddr  string          `yaml:"listenAddr"`
	MetricsAddr string          `yaml:"metricsAddr"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	RedisAddr   string          `yaml:"redisAddr"`
	JournalDir  string          `yaml:"journalDir"`
	LedgerPath  string          `yaml:"ledgerPath"`

	StatusInterval time.Duration `yaml:"statusInterval"`
	StatusTTL      time.Duration `yaml:"statusTtl"`
}

// VADConfig bounds the silence segmenter. Every field is independently
// range-checked at load.
type VADConfig struct {
	Enabled            bool          `yaml:"enabled"`
	SilenceThresholdDB float64       `yaml:"silenceThresholdDb"` // −100..0
	SilenceDuration    time.Duration `yaml:"silenceDuration"`    // 0.1..5 s
	MinSegmentDuration time.Duration `yaml:"minSegmentDuration"` // 0.5..5 s
	MaxSegmentDuration time.Duration `yaml:"maxSegmentDuration"` // 5..60 s
	LevelInterval      time.Duration `yaml:"levelInterval"`      // 50..500 ms
	MemoryLimitBytes   int64         `yaml:"memoryLimitBytes"`   // 1 MB..100 MB
}

// STSConfig governs the STS session and fragment lifecycle.
type STSConfig struct {
	InitTimeout           time.Duration `yaml:"initTimeout"`
	FragmentTimeout       time.Duration `yaml:"fragmentTimeout"`
	MaxInflight           int           `yaml:"maxInflight"`
	ReconnectAttempts     int           `yaml:"reconnectAttempts"`
	ReconnectInitialDelay time.Duration `yaml:"reconnectInitialDelay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnectMaxDelay"`
	MaxFragmentBytes      int64         `yaml:"maxFragmentBytes"`
	SampleRateHz          int           `yaml:"sampleRateHz"`
	Channels              int           `yaml:"channels"`
	Format                string        `yaml:"format"`
}

// BreakerConfig governs the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// BackpressureConfig governs send-side flow control.
type BackpressureConfig struct {
	PauseTimeout  time.Duration `yaml:"pauseTimeout"`
	SlowdownDelay time.Duration `yaml:"slowdownDelay"`
}

// SyncConfig governs A/V pairing and drift correction.
type SyncConfig struct {
	BaseOffset     time.Duration `yaml:"baseOffset"`
	DriftThreshold time.Duration `yaml:"driftThreshold"`
	SlewRate       time.Duration `yaml:"slewRate"`
	BufferCap      int           `yaml:"bufferCap"`
}

// RunnerConfig governs the run loop and queue bounds.
type RunnerConfig struct {
	QueueCap int           `yaml:"queueCap"`
	Tick     time.Duration `yaml:"tick"`
}

// OutputConfig governs muxing and publication.
type OutputConfig struct {
	MaxPublisherRestarts int           `yaml:"maxPublisherRestarts"`
	AtempoTolerance      time.Duration `yaml:"atempoTolerance"`
	QueueCap             int           `yaml:"queueCap"`
}

// TelemetryConfig mirrors the tracing provider options.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ExporterType string  `yaml:"exporterType"` // "grpc" | "http"
	SamplingRate float64 `yaml:"samplingRate"`
}

// Defaults returns the baseline configuration before file and ENV overlays.
func Defaults() Config {
	return Config{
		WorkerID:        "",
		SegmentDuration: 30 * time.Second,
		VAD: VADConfig{
			Enabled:            true,
			SilenceThresholdDB: -40,
			SilenceDuration:    600 * time.Millisecond,
			MinSegmentDuration: 2 * time.Second,
			MaxSegmentDuration: 45 * time.Second,
			LevelInterval:      100 * time.Millisecond,
			MemoryLimitBytes:   10 << 20,
		},
		STS: STSConfig{
			InitTimeout:           10 * time.Second,
			FragmentTimeout:       8 * time.Second,
			MaxInflight:           3,
			ReconnectAttempts:     5,
			ReconnectInitialDelay: time.Second,
			ReconnectMaxDelay:     30 * time.Second,
			MaxFragmentBytes:      10 << 20,
			SampleRateHz:          48000,
			Channels:              2,
			Format:                "m4a",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Backpressure: BackpressureConfig{
			PauseTimeout:  30 * time.Second,
			SlowdownDelay: 500 * time.Millisecond,
		},
		Sync: SyncConfig{
			BaseOffset:     6 * time.Second,
			DriftThreshold: 120 * time.Millisecond,
			SlewRate:       10 * time.Millisecond,
			BufferCap:      10,
		},
		Runner: RunnerConfig{
			QueueCap: 10,
			Tick:     50 * time.Millisecond,
		},
		Output: OutputConfig{
			MaxPublisherRestarts: 3,
			AtempoTolerance:      100 * time.Millisecond,
			QueueCap:             16,
		},
		DataDir:        "/var/lib/dubbing-worker",
		LogLevel:       "info",
		LogService:     "dubbing-worker",
		ListenAddr:     ":8800",
		MetricsAddr:    ":9900",
		Telemetry:      TelemetryConfig{ExporterType: "grpc", SamplingRate: 1.0},
		StatusInterval: 5 * time.Second,
		StatusTTL:      15 * time.Second,
	}
}

// Stream extracts the immutable stream identity for the worker.
func (c Config) Stream() model.StreamConfig {
	return model.StreamConfig{
		StreamID:        c.StreamID,
		WorkerID:        c.WorkerID,
		InputURL:        c.InputURL,
		OutputURL:       c.OutputURL,
		STSURL:          c.STSURL,
		SourceLanguage:  c.SourceLanguage,
		TargetLanguage:  c.TargetLanguage,
		VoiceProfile:    c.VoiceProfile,
		SegmentDuration: c.SegmentDuration,
	}
}

// Validate checks identity invariants and every bounded tunable.
func (c Config) Validate() error {
	if err := c.Stream().Validate(); err != nil {
		return err
	}
	if err := c.VAD.validate(); err != nil {
		return err
	}
	if c.STS.MaxInflight < 1 {
		return fmt.Errorf("sts.maxInflight %d: must be >= 1", c.STS.MaxInflight)
	}
	if c.STS.InitTimeout <= 0 || c.STS.FragmentTimeout <= 0 {
		return fmt.Errorf("sts timeouts must be positive")
	}
	if c.STS.ReconnectAttempts < 1 {
		return fmt.Errorf("sts.reconnectAttempts %d: must be >= 1", c.STS.ReconnectAttempts)
	}
	if c.STS.MaxFragmentBytes <= 0 {
		return fmt.Errorf("sts.maxFragmentBytes %d: must be positive", c.STS.MaxFragmentBytes)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failureThreshold %d: must be >= 1", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown %s: must be positive", c.Breaker.Cooldown)
	}
	if c.Backpressure.PauseTimeout <= 0 || c.Backpressure.SlowdownDelay < 0 {
		return fmt.Errorf("backpressure timeouts out of range")
	}
	if c.Sync.BaseOffset < 0 || c.Sync.DriftThreshold <= 0 || c.Sync.SlewRate <= 0 {
		return fmt.Errorf("sync offsets out of range")
	}
	if c.Sync.BufferCap < 1 {
		return fmt.Errorf("sync.bufferCap %d: must be >= 1", c.Sync.BufferCap)
	}
	if c.Runner.QueueCap < 1 {
		return fmt.Errorf("runner.queueCap %d: must be >= 1", c.Runner.QueueCap)
	}
	if c.Runner.Tick <= 0 {
		return fmt.Errorf("runner.tick %s: must be positive", c.Runner.Tick)
	}
	if c.Output.MaxPublisherRestarts < 0 {
		return fmt.Errorf("output.maxPublisherRestarts %d: must be >= 0", c.Output.MaxPublisherRestarts)
	}
	if c.Output.QueueCap < 1 {
		return fmt.Errorf("output.queueCap %d: must be >= 1", c.Output.QueueCap)
	}
	if c.DataDir == "" {
		return fmt.Errorf("dataDir: empty")
	}
	switch c.Telemetry.ExporterType {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.exporterType %q: must be grpc or http", c.Telemetry.ExporterType)
	}
	return nil
}

func (v VADConfig) validate() error {
	if !v.Enabled {
		return nil
	}
	if v.SilenceThresholdDB < -100 || v.SilenceThresholdDB > 0 {
		return fmt.Errorf("vad.silenceThresholdDb %.1f: out of range [-100, 0]", v.SilenceThresholdDB)
	}
	if v.SilenceDuration < 100*time.Millisecond || v.SilenceDuration > 5*time.Second {
		return fmt.Errorf("vad.silenceDuration %s: out of range [100ms, 5s]", v.SilenceDuration)
	}
	if v.MinSegmentDuration < 500*time.Millisecond || v.MinSegmentDuration > 5*time.Second {
		return fmt.Errorf("vad.minSegmentDuration %s: out of range [500ms, 5s]", v.MinSegmentDuration)
	}
	if v.MaxSegmentDuration < 5*time.Second || v.MaxSegmentDuration > 60*time.Second {
		return fmt.Errorf("vad.maxSegmentDuration %s: out of range [5s, 60s]", v.MaxSegmentDuration)
	}
	if v.MinSegmentDuration >= v.MaxSegmentDuration {
		return fmt.Errorf("vad.minSegmentDuration %s: must be below maxSegmentDuration %s", v.MinSegmentDuration, v.MaxSegmentDuration)
	}
	if v.LevelInterval < 50*time.Millisecond || v.LevelInterval > 500*time.Millisecond {
		return fmt.Errorf("vad.levelInterval %s: out of range [50ms, 500ms]", v.LevelInterval)
	}
	if v.MemoryLimitBytes < 1<<20 || v.MemoryLimitBytes > 100<<20 {
		return fmt.Errorf("vad.memoryLimitBytes %d: out of range [1MB, 100MB]", v.MemoryLimitBytes)
	}
	return nil
}

// Tunables are the hot-reloadable subset of Config.
type Tunables struct {
	LogLevel       string
	SlowdownDelay  time.Duration
	DriftThreshold time.Duration
	SlewRate       time.Duration
}

// Tunables extracts the hot-reloadable subset.
func (c Config) Tunables() Tunables {
	return Tunables{
		LogLevel:       c.LogLevel,
		SlowdownDelay:  c.Backpressure.SlowdownDelay,
		DriftThreshold: c.Sync.DriftThreshold,
		SlewRate:       c.Sync.SlewRate,
	}
}
