// Package common provides shared infrastructure for the feedback-core
// service: the global structured logger with intelligent output routing
// and the error taxonomy that every component classifies its failures
// into before they reach the HTTP surface.
//
// The logging system is built on logrus. Error-level messages are routed
// to stderr while all other levels go to stdout, so containerized
// deployments can treat the two streams differently (alerting on stderr,
// aggregation on stdout).
package common

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. It inspects the serialized entry for the error-level
// marker produced by both the text and JSON logrus formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Entries containing an error-level marker
// are written to stderr; everything else goes to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the feedback-core service.
// All packages log through it so formatting, level filtering, and output
// routing stay uniform.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogging applies the logging configuration to the global
// logger. Level accepts the usual logrus names (debug, info, warn,
// error); format is "json" or "text"; filePath, when non-empty, appends
// all output to the named file instead of the split stdout/stderr
// streams.
func ConfigureLogging(level, format, filePath string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		Logger.SetOutput(io.MultiWriter(f, &OutputSplitter{}))
	}

	return nil
}
