package logger

import (
	"time"

	"github.com/rs/zerolog"
	"igoutreach/pkg/models"
)

// ForTenant returns a child of l tagged with the tenant id
func ForTenant(l Logger, tenant string) Logger {
	return l.WithField("tenant", tenant)
}

// LogOutcome records the result of one unit of send work at a level that
// matches its severity.
func LogOutcome(l Logger, item models.WorkItem, outcome models.Outcome) {
	fields := map[string]interface{}{
		"target": item.Target().String(),
	}
	if cw, ok := item.(models.CampaignWork); ok {
		fields["campaign_id"] = cw.CampaignID
	}

	switch o := outcome.(type) {
	case models.Sent:
		fields["attempts"] = o.Attempts
		l.InfoWithFields("Message sent", fields)
	case models.Skipped:
		fields["reason"] = string(o.Reason)
		l.InfoWithFields("Target skipped", fields)
	case models.Failed:
		fields["reason"] = o.Reason
		fields["kind"] = string(o.Kind)
		fields["attempts"] = o.Attempts
		l.WarnWithFields("Send failed", fields)
	}
}

// LogRateLimit logs a limiter block and when the scheduler will look again
func LogRateLimit(l Logger, reason models.SkipReason, sleep time.Duration, resumeAt time.Time) {
	l.WithFields(map[string]interface{}{
		"reason":    string(reason),
		"sleep":     sleep.Round(time.Second).String(),
		"resume_at": resumeAt.UTC().Format(time.RFC3339),
	}).Warn("Send limit reached, backing off")
}

// LogScrapeBatch logs the result of one extraction pass
func LogScrapeBatch(l Logger, jobID int64, found, added, total, noNew int) {
	l.DebugWithFields("Scrape batch processed", map[string]interface{}{
		"job_id":       jobID,
		"found":        found,
		"added":        added,
		"total":        total,
		"no_new_count": noNew,
	})
}

// LogComponentStart logs when a component starts
func LogComponentStart(l Logger, component string, config map[string]interface{}) {
	l = l.WithField("component", component)
	if len(config) > 0 {
		l = l.WithFields(config)
	}
	l.Info("Component started")
}

// LogComponentStop logs when a component stops
func LogComponentStop(l Logger, component string, reason string) {
	l.WithFields(map[string]interface{}{
		"component": component,
		"reason":    reason,
	}).Info("Component stopped")
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) Fatal(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) FatalWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) GetZerolog() *zerolog.Logger {
	nop := zerolog.Nop()
	return &nop
}
