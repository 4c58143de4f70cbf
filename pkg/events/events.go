// Package events fans out send outcomes and scrape job results to
// interested sinks: a RabbitMQ exchange for other services and the
// terminal/desktop notifier for operators.
package events

import (
	"context"
	"errors"
	"time"

	"igoutreach/pkg/models"
)

type Type string

const (
	TypeOutcome     Type = "send.outcome"
	TypeRateLimited Type = "send.rate_limited"
	TypeRunFinished Type = "send.finished"
	TypeScrapeDone  Type = "scrape.finished"
)

// Event is the envelope published for every notable state change.
type Event struct {
	Type       Type      `json:"type"`
	Tenant     string    `json:"tenant"`
	Target     string    `json:"target,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CampaignID int64     `json:"campaign_id,omitempty"`
	JobID      int64     `json:"job_id,omitempty"`
	Count      int       `json:"count,omitempty"`
	At         time.Time `json:"at"`
}

// RoutingKey is the topic key, e.g. "send.outcome.failed".
func (e Event) RoutingKey() string {
	if e.Status == "" {
		return string(e.Type)
	}
	return string(e.Type) + "." + e.Status
}

// FromOutcome builds the event for one processed unit of work.
func FromOutcome(tenant string, item models.WorkItem, outcome models.Outcome, at time.Time) Event {
	ev := Event{
		Type:   TypeOutcome,
		Tenant: tenant,
		Target: item.Target().String(),
		At:     at,
	}
	if cw, ok := item.(models.CampaignWork); ok {
		ev.CampaignID = cw.CampaignID
	}
	switch o := outcome.(type) {
	case models.Sent:
		ev.Status = "sent"
	case models.Skipped:
		ev.Status = "skipped"
		ev.Reason = string(o.Reason)
	case models.Failed:
		ev.Status = "failed"
		ev.Reason = o.Reason
	}
	return ev
}

// FromJob builds the event for a scrape job that reached a terminal state.
func FromJob(job models.ScrapeJob, at time.Time) Event {
	return Event{
		Type:   TypeScrapeDone,
		Tenant: job.Tenant,
		Target: job.Target.String(),
		Status: string(job.Status),
		Reason: job.Error,
		JobID:  job.ID,
		Count:  job.ScrapedCount,
		At:     at,
	}
}

// Publisher delivers events. Publish must not block the send loop for
// long; implementations drop or fail fast.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.Events = append(r.Events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }
