/*
Package log provides structured logging for middlewared using zerolog.

Every long-lived component (datastore, job manager, HA journal, DLM control,
event bus, RPC dispatcher) takes a component logger at construction time so
that its records can be filtered by the "component" field. Job handlers get
a second, dedicated logger that writes JSON lines into the job's own log
file under <logs_dir>/jobs/<id>.log.

# Architecture

	┌──────────────────── LOGGING ─────────────────────────────┐
	│                                                          │
	│   log.Init(Config{Level, JSONOutput, Output})            │
	│                     │                                    │
	│                     ▼                                    │
	│            global zerolog.Logger                         │
	│      ┌──────────────┼─────────────────┐                  │
	│      ▼              ▼                 ▼                  │
	│ WithComponent   WithSessionID        WithJobID           │
	│ ("datastore")   ("9f1c...")          (42)                │
	│                                                          │
	│   NewFileLogger(f) ──► <logs_dir>/jobs/42.log (JSON)     │
	└──────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("hajournal")
	logger.Warn().Err(err).Int("pending", n).Msg("journal flush failed")

# Levels

Debug, Info, Warn and Error map onto zerolog levels; unknown names fall back
to Info. The level is process-wide (zerolog.SetGlobalLevel).

Before Init is called the package logs JSON to stderr, which keeps tests and
library use quiet but usable.
*/
package log
