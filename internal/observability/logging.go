package observability

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// baseWriter is the destination InitLogger configured (file or stdout),
// retained so EnableOTelLogBridge can layer an OTel writer on top of it
// without losing the original destination.
var baseWriter io.Writer = os.Stdout

// InitLogger initializes zerolog with sane defaults. If logPath is non-empty,
// logs are written to that file (append mode) instead of stdout. If opening the file fails,
// logs fall back to stdout, and an error is printed to stderr.
func InitLogger(logPath string, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			// When a log file is configured, write only to the file to avoid
			// interfering with interactive UIs (e.g., TUI) that use stdout.
			w = f
		} else {
			// best-effort; continue with stdout
			_, _ = fmt.Fprintf(os.Stderr, "failed to open log file %q: %v\n", logPath, err)
		}
	}
	baseWriter = w
	log.Logger = log.Output(w).With().Timestamp().Logger()
	// Parse level
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			lvl = l
		}
	}
	zerolog.SetGlobalLevel(lvl)
	// Redirect the standard library logger so ALL logs are captured.
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

// EnableOTelLogBridge layers an OTelWriter onto the existing logger output so
// every log line is also emitted as an OTLP log record, in addition to
// wherever InitLogger already sends it. Records go to the global OTel log
// provider; InitOTel installs tracer and meter providers only, not a log
// provider, so unless one is set elsewhere the records are dropped by the
// default no-op provider. serviceName should match InitOTel's OTelConfig.
func EnableOTelLogBridge(serviceName string) {
	bridge := NewOTelWriter(serviceName)
	log.Logger = log.Output(zerolog.MultiLevelWriter(baseWriter, bridge)).With().Timestamp().Logger()
}
