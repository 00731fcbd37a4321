/*
Package log provides structured logging for Flotilla using zerolog.

All components log through the package-level Logger, initialized once at
startup via Init. Console output (human-readable, RFC3339 timestamps) is
the default; JSONOutput switches to newline-delimited JSON for log
shippers.

# Usage

Initialize early in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: false,
	})

Component loggers carry a fixed field so every line is attributable:

	logger := log.WithComponent("pool")
	logger.Info().Str("vm_id", vm.ID).Msg("claimed warm VM")

Instance-scoped work uses WithInstance or WithCRN so one provisioning
attempt can be filtered by a single field:

	ilog := log.WithInstance(hash)
	ilog.Warn().Int("attempt", n).Msg("start notification failed")

The Info/Debug/Warn/Error helpers exist for one-off messages where
building an event chain is noise.
*/
package log
