// Package logger provides the structured logging interface used by the
// send and scrape loops.
//
// It wraps zerolog: colored console output on stderr, optional JSON lines
// to a file, child loggers carrying fields, and a global instance.
//
//	err := logger.Initialize(&cfg.Logging)
//	log := logger.ForTenant(logger.GetLogger(), "acme")
//	log.WithField("target", "jane_doe").Info("Message sent")
//
// Helpers such as LogOutcome and LogRateLimit keep the field names of
// domain events consistent so that every skip and failure can be traced
// after the fact. TestLogger captures messages in tests.
package logger
