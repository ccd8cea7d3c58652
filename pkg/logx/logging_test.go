package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	require.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
	require.False(t, l.With(String("comp", "x")).IsZero())
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "job"))
	l.Warn("job failed", String("job", "abc"), Int("index", 3), Err(errors.New("boom")))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "job failed", line["message"])
	require.Equal(t, "job", line["comp"])
	require.Equal(t, "abc", line["job"])
	require.EqualValues(t, 3, line["index"])
	require.Equal(t, "boom", line["err"])
	require.Contains(t, line["caller"], "logging_test.go")
}

func TestWriterLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	require.Zero(t, buf.Len())
	require.False(t, l.Enabled(LevelDebug))
	require.True(t, l.Enabled(LevelError))
}

func TestValidLevel(t *testing.T) {
	require.True(t, ValidLevel("Debug"))
	require.True(t, ValidLevel(""))
	require.False(t, ValidLevel("loud"))
}
