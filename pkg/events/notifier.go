package events

import (
	"context"
	"fmt"
	"strings"

	"igoutreach/pkg/config"
	"igoutreach/pkg/models"
)

// Notifier is satisfied by *ui.Notifier.
type Notifier interface {
	SendNotification(title, message string)
	SendError(title, message string)
	SendSuccess(title, message string)
}

// NotifierSink turns events into operator notifications according to the
// notification preferences.
type NotifierSink struct {
	notifier Notifier
	prefs    config.NotificationConfig
}

func NewNotifierSink(n Notifier, prefs config.NotificationConfig) *NotifierSink {
	return &NotifierSink{notifier: n, prefs: prefs}
}

func (s *NotifierSink) Publish(_ context.Context, ev Event) error {
	if !s.prefs.Enabled {
		return nil
	}
	switch ev.Type {
	case TypeScrapeDone:
		switch ev.Status {
		case "failed":
			if s.prefs.OnError {
				s.notifier.SendError("SCRAPE FAILED", fmt.Sprintf("@%s: %s", ev.Target, ev.Reason))
			}
		default:
			if s.prefs.OnComplete {
				s.notifier.SendSuccess("SCRAPE "+strings.ToUpper(ev.Status), fmt.Sprintf("@%s: %d leads", ev.Target, ev.Count))
			}
		}
	case TypeRunFinished:
		if s.prefs.OnComplete {
			s.notifier.SendSuccess("OUTREACH COMPLETE", fmt.Sprintf("%s: %d sent", ev.Tenant, ev.Count))
		}
	case TypeRateLimited:
		if s.prefs.OnRateLimit {
			s.notifier.SendNotification("RATE LIMIT", fmt.Sprintf("%s: %s", ev.Tenant, ev.Reason))
		}
	case TypeOutcome:
		if ev.Status == "failed" && ev.Reason == models.ReasonSessionExpired && s.prefs.OnError {
			s.notifier.SendError("SESSION EXPIRED", fmt.Sprintf("%s: log in again", ev.Tenant))
		}
	}
	return nil
}

func (s *NotifierSink) Close() error { return nil }
