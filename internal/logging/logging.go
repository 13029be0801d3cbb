// Package logging builds per-component zerolog loggers from one root
// logger, the way the retrieved stormgate anomaly detector logs through
// github.com/rs/zerolog/log — adopted here because the teacher repo itself
// only reaches for the standard log package.
package logging

import (
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger. json selects JSON output (production);
// otherwise a human-readable console writer is used (development).
func New(json bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var out zerolog.Logger
	if json {
		out = zerolog.New(os.Stdout)
	} else {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return out.With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given subsystem name.
func Component(root zerolog.Logger, name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

// RecoverAndLog recovers a panic inside a worker loop, logs it with its
// stack trace, and lets the loop continue on its next tick (§7
// "Programmer error: the process stays alive").
func RecoverAndLog(log zerolog.Logger, loop string) {
	if r := recover(); r != nil {
		log.Error().
			Str("loop", loop).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("recovered from panic in worker loop; continuing")
	}
}
