// Package common provides shared logging and error infrastructure for the
// mail-archive copilot pipeline. The logging side routes error-level output
// to stderr while all other levels go to stdout, which keeps container log
// collectors and shell pipelines able to treat the two streams differently.
//
// The logger is built on logrus. All pipeline stages share the global Logger
// instance and derive component-scoped entries from it:
//
//	log := common.Logger.WithField("component", "chunk-worker")
//	log.WithField("message_id", id).Info("chunking message")
//
// Output format and level are configured once at startup via SetupLogging;
// everything after that uses structured fields rather than format strings.
package common

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout depending on
// their level. It matches the literal "level=error" marker produced by the
// logrus text formatter, and the JSON formatter's "level":"error" key, so it
// works with both output formats.
type OutputSplitter struct{}

// Write implements io.Writer. Error lines go to stderr, everything else to
// stdout. Write errors from the underlying stream are returned unchanged.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Components must not replace it; they
// derive entries with WithField/WithFields so every line carries its
// component name.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetupLogging applies the configured level and format to the global Logger.
// Level accepts the logrus level names (debug, info, warn, error); format is
// "text" or "json". Unknown values are rejected so a typo in configuration
// fails at startup instead of silently logging at the wrong level.
func SetupLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	Logger.SetLevel(lvl)

	switch format {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q: must be \"text\" or \"json\"", format)
	}
	return nil
}
