// Package logging configures the process logger.
//
// New wraps a log/slog JSON or text handler with one that adds trace_id and
// span_id from the record's context and masks credentials: attributes
// whose key looks sensitive, authorization schemes and URL userinfo in
// string values. Components keep logging through slog directly:
//
//	logger, err := logging.Setup(logging.FromConfig(cfg.Telemetry.Logging))
//	if err != nil {
//		return err
//	}
//	slog.InfoContext(ctx, "listener started", "address", addr)
//
// RedactHeaders flattens an http.Header for debug logs with Authorization,
// Cookie and the other configured headers masked.
package logging
