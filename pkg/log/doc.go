/*
Package log provides structured logging for loom using zerolog.

A single global logger is initialized once from CLI flags and shared by all
components. Long-running loops take child loggers via WithComponent,
WithWorkerID or WithOpHash so every line carries its context:

	logger := log.WithComponent("executor")
	logger.Info().Str("target", h.Short()).Msg("Waiting for targets")

Console output is human-readable by default; --log-json switches to JSON
for log aggregation.
*/
package log
