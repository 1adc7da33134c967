/*
Package log provides structured logging for Burrow using zerolog.

Init configures the process logger once at startup; derived loggers carry
the identifiers that recur across the runtime:

	log.Init(log.Options{Level: "info", JSON: true})

	logger := log.Component("engine-worker")
	logger.Info().Str("workflow_id", id.String()).Msg("workflow pulled")

Component tags a subsystem's logger. ForWorkflow builds the logger for one
workflow execution (workflow ID, name, and ray). WithRay stamps any logger
with a request context's ray and request IDs, matching the correlation
fields chirp envelopes carry on the wire, so one grep over the ray ID
follows a request across guard, services, and the workflows it spawned.

Console output is the default for interactive use; pass JSON for
machine-parsed logs in production.
*/
package log
