// SPDX-License-Identifier: MIT
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// default. The source is logged at debug for observability.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	if value, exists := os.LookupEnv(key); exists {
		if value == "" {
			logger.Debug().Str("key", key).Str("source", "default").Msg("environment variable empty, using default")
			return defaultValue
		}
		if isSensitiveKey(key) {
			logger.Debug().Str("key", key).Str("source", "environment").Bool("sensitive", true).Msg("using environment variable")
		} else {
			logger.Debug().Str("key", key).Str("value", value).Str("source", "environment").Msg("using environment variable")
		}
		return value
	}
	return defaultValue
}

// ParseInt reads an integer, falling back to the default on absence or parse
// errors.
func ParseInt(key string, defaultValue int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid integer, using default")
	}
	return defaultValue
}

// ParseInt64 reads an int64, falling back to the default on absence or parse
// errors.
func ParseInt64(key string, defaultValue int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid integer, using default")
	}
	return defaultValue
}

// ParseFloat reads a float64, falling back to the default on absence or
// parse errors.
func ParseFloat(key string, defaultValue float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid float, using default")
	}
	return defaultValue
}

// ParseBool reads a boolean (strconv syntax), falling back to the default on
// absence or parse errors.
func ParseBool(key string, defaultValue bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid bool, using default")
	}
	return defaultValue
}

// ParseDuration reads a time.Duration (Go syntax, e.g. "30s"), falling back
// to the default on absence or parse errors.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid duration, using default")
	}
	return defaultValue
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "token") || strings.Contains(lower, "password") || strings.Contains(lower, "secret")
}
