package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// base is the process logger every derived logger stems from. Init
// replaces it; the default writes human-readable output to stdout.
var base = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}).With().Timestamp().Logger()

// Options configures the process logger.
type Options struct {
	// Level is one of debug, info, warn, error. Unknown or empty values
	// fall back to info.
	Level string

	// JSON emits raw JSON lines instead of the console format.
	JSON bool

	// Output defaults to stdout.
	Output io.Writer
}

// Init replaces the process logger. Call once at startup, before any
// derived loggers are created; loggers derived earlier keep the defaults.
func Init(opts Options) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Component returns a logger tagged with a subsystem name. Every
// long-lived object (database, worker, proxy, client) holds one.
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// ForWorkflow returns a logger carrying one workflow execution's identity:
// the workflow ID, its registered name, and the ray correlating all work
// descended from the same entry event.
func ForWorkflow(workflowID, rayID uuid.UUID, name string) zerolog.Logger {
	return base.With().
		Str("workflow_id", workflowID.String()).
		Str("workflow_name", name).
		Str("ray_id", rayID.String()).
		Logger()
}

// WithRay tags an existing logger with a request context's correlation
// identifiers, matching the ray and request IDs carried on chirp
// envelopes.
func WithRay(logger zerolog.Logger, rayID, reqID uuid.UUID) zerolog.Logger {
	return logger.With().
		Str("ray_id", rayID.String()).
		Str("req_id", reqID.String()).
		Logger()
}
