// SPDX-License-Identifier: MIT
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseEnvHelpers(t *testing.T) {
	t.Setenv("DUB_T_STRING", "hello")
	t.Setenv("DUB_T_INT", "42")
	t.Setenv("DUB_T_INT64", "9000000000")
	t.Setenv("DUB_T_FLOAT", "1.5")
	t.Setenv("DUB_T_BOOL", "true")
	t.Setenv("DUB_T_DURATION", "45s")

	assert.Equal(t, "hello", ParseString("DUB_T_STRING", "x"))
	assert.Equal(t, 42, ParseInt("DUB_T_INT", 7))
	assert.Equal(t, int64(9000000000), ParseInt64("DUB_T_INT64", 7))
	assert.Equal(t, 1.5, ParseFloat("DUB_T_FLOAT", 0.1))
	assert.Equal(t, true, ParseBool("DUB_T_BOOL", false))
	assert.Equal(t, 45*time.Second, ParseDuration("DUB_T_DURATION", time.Second))
}

func TestParseEnvHelpersAbsentUseDefaults(t *testing.T) {
	assert.Equal(t, "x", ParseString("DUB_T_ABSENT", "x"))
	assert.Equal(t, 7, ParseInt("DUB_T_ABSENT", 7))
	assert.Equal(t, int64(7), ParseInt64("DUB_T_ABSENT", 7))
	assert.Equal(t, 0.1, ParseFloat("DUB_T_ABSENT", 0.1))
	assert.Equal(t, true, ParseBool("DUB_T_ABSENT", true))
	assert.Equal(t, time.Second, ParseDuration("DUB_T_ABSENT", time.Second))
}

// Unparseable values fall back to the default with a warning instead of
// failing the load.
func TestParseEnvHelpersInvalidValuesFallBack(t *testing.T) {
	t.Setenv("DUB_T_INT", "not-a-number")
	t.Setenv("DUB_T_INT64", "12.5")
	t.Setenv("DUB_T_FLOAT", "one point five")
	t.Setenv("DUB_T_BOOL", "yep")
	t.Setenv("DUB_T_DURATION", "30")

	assert.Equal(t, 7, ParseInt("DUB_T_INT", 7))
	assert.Equal(t, int64(7), ParseInt64("DUB_T_INT64", 7))
	assert.Equal(t, 0.1, ParseFloat("DUB_T_FLOAT", 0.1))
	assert.Equal(t, false, ParseBool("DUB_T_BOOL", false))
	assert.Equal(t, time.Second, ParseDuration("DUB_T_DURATION", time.Second))
}

func TestParseStringEmptyValueUsesDefault(t *testing.T) {
	t.Setenv("DUB_T_STRING", "")
	assert.Equal(t, "x", ParseString("DUB_T_STRING", "x"))
}
