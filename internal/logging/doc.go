// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and/or OpenTelemetry output via the otelzap bridge
//   - context field injection (trace_id, session.id, thread.id, user.id, request.id)
//   - encoder-level redaction of sensitive keys and DSN-like values
//   - sampling below error level
//
// Usage:
//
//	cfg, _ := logging.FromAppConfig(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, sessionID)
//	logger.Info(ctx, "request routed", zap.String("workflow_type", "JobMatching"))
//
// In tests, NewTestLogger records entries for AssertLogged and AssertField.
package logging
