// Package logging provides the leveled, structured logger used across sentinel.
//
// Loggers are named after the package or component that owns them and are
// backed by a single zap core shared by the whole process:
//
//	logger := logging.GetLogger("healing.policy")
//	logger.Info("policy reloaded from %s", path)
//	logger.InfoWithFields("action admitted",
//	    logging.Field("action_type", action.Type),
//	    logging.Field("target", action.Target.Key()),
//	)
//
// Per-package levels override the default level. Patterns ending in ".*"
// match every package below the prefix:
//
//	logging.Initialize("info", map[string]string{
//	    "healing.*":        "debug",
//	    "gateway.metrics":  "warn",
//	})
//
// WithContext attaches a context; when it carries an OpenTelemetry span the
// trace_id and span_id are added to every entry.
package logging
