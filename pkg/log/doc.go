/*
Package log wraps zerolog with component-scoped loggers and a pluggable
Sink, so the engine's internal log records reach both the process's own
structured log stream and a host-supplied `logCallback`.

	logger := log.WithComponent("lockmgr").WithKey(key)
	logger.Info("lease acquired")
	logger.Error("refresh failed", err)

Install a sink once, at store construction time:

	log.SetSink(func(r log.Record) {
		myTelemetry.Observe(r.Kind, r.Component, r.Message, r.Err)
	})
*/
package log
