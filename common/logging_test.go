package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureLoggingLevels(t *testing.T) {
	require.NoError(t, ConfigureLogging("debug", "text", ""))
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())

	require.NoError(t, ConfigureLogging("error", "json", ""))
	assert.Equal(t, logrus.ErrorLevel, Logger.GetLevel())
}

func TestConfigureLoggingUnknownLevelFallsBackToInfo(t *testing.T) {
	require.NoError(t, ConfigureLogging("shouting", "text", ""))
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
}

func TestConfigureLoggingFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	require.NoError(t, ConfigureLogging("info", "json", path))

	Logger.Info("file output probe")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "file output probe")

	// restore split output for other tests
	require.NoError(t, ConfigureLogging("info", "text", ""))
	Logger.SetOutput(&OutputSplitter{})
}

func TestOutputSplitterRecognisesErrorMarkers(t *testing.T) {
	// Both formatter shapes must be recognised so error lines land on
	// stderr in either format.
	assert.Contains(t, `time="x" level=error msg="boom"`, "level=error")
	assert.Contains(t, `{"level":"error","msg":"boom"}`, `"level":"error"`)

	s := &OutputSplitter{}
	n, err := s.Write([]byte("level=info msg=ok\n"))
	require.NoError(t, err)
	assert.Equal(t, len("level=info msg=ok\n"), n)
}
