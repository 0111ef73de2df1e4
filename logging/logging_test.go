package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithFields(t *testing.T) {
	logger := New().WithFields(map[string]interface{}{"partition_key": "region_id"})
	require.Equal(t, "region_id", logger.GetFields()["partition_key"])
}

func TestWithFieldsOverridesAndMerges(t *testing.T) {
	logger := New().
		WithFields(map[string]interface{}{"a": "1"}).
		WithFields(map[string]interface{}{"a": "2", "b": "3"})

	fields := logger.GetFields()
	require.Equal(t, "2", fields["a"])
	require.Equal(t, "3", fields["b"])
}

func TestCaptureAtConfiguredLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New()
	logger.SetOutput(buf)
	logger.SetLevel(Error)

	logger.Warn("dropped: %s", "below threshold")
	logger.Error("fragment %s failed", "fp123")

	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), "fragment fp123 failed")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"": Info, "debug": Debug, "WARN": Warn, "error": Error} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseLevel("bogus")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "bogus"))
}

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	logger := NewNoOpLogger()
	logger.Error("this goes nowhere: %d", 42)
	logger.SetLevel(Debug)
	require.Equal(t, Debug, logger.GetLevel())
}
