// Package store defines the data-access contract shared by the send and
// scrape loops. Every operation is keyed by tenant; the embedded
// single-tenant deployment simply uses one tenant id.
package store

import (
	"context"
	"errors"
	"time"

	"igoutreach/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MaxRecent bounds the number of events returned by RecentEvents.
const MaxRecent = 200

// EventStore is the append-only contact log and its daily aggregates.
type EventStore interface {
	// AlreadyContacted reports whether any event exists for target.
	AlreadyContacted(ctx context.Context, tenant string, target models.Handle) (bool, error)
	// RecordEvent appends ev and increments the matching daily counter in
	// one transaction. ev.ID is set on success.
	RecordEvent(ctx context.Context, ev *models.SendEvent) error
	DailyCounter(ctx context.Context, tenant, date string) (models.DailyCounter, error)
	// EventsSince returns the timestamps of all events at or after since,
	// oldest first.
	EventsSince(ctx context.Context, tenant string, since time.Time) ([]time.Time, error)
	RecentEvents(ctx context.Context, tenant string, limit int) ([]models.SendEvent, error)
	Totals(ctx context.Context, tenant string) (sent, failed int, err error)
	// ResetFailed deletes failed events and zeroes the failed count for date.
	ResetFailed(ctx context.Context, tenant, date string) (int, error)
	// ResetDaily drops the counter row for date.
	ResetDaily(ctx context.Context, tenant, date string) error
}

// ControlStore holds the live pause toggle.
type ControlStore interface {
	Paused(ctx context.Context, tenant string) (bool, error)
	SetPaused(ctx context.Context, tenant string, paused bool) error
}

// SettingsStore holds tenant defaults and template pools.
type SettingsStore interface {
	// Settings returns zero values when the tenant has none stored.
	Settings(ctx context.Context, tenant string) (models.TenantSettings, error)
	SaveSettings(ctx context.Context, s models.TenantSettings) error
	MessageTemplates(ctx context.Context, tenant string) ([]string, error)
	AddMessageTemplate(ctx context.Context, tenant, text string) (int64, error)
	MessageTemplate(ctx context.Context, tenant string, id int64) (string, error)
	MessageGroupTexts(ctx context.Context, tenant string, groupID int64) ([]string, error)
	AddMessageGroupText(ctx context.Context, tenant string, groupID int64, text string) error
}

// SessionStore persists cookie sets and their health.
type SessionStore interface {
	Sessions(ctx context.Context, tenant string, kind models.SessionKind) ([]models.Session, error)
	CampaignSessions(ctx context.Context, tenant string, campaignID int64) ([]models.Session, error)
	AssignSession(ctx context.Context, campaignID, sessionID int64) error
	Session(ctx context.Context, id int64) (models.Session, error)
	SaveSession(ctx context.Context, s *models.Session) error
	MarkSessionExpired(ctx context.Context, id int64) error
	// PlatformSessions returns shared scraper sessions across tenants.
	PlatformSessions(ctx context.Context) ([]models.Session, error)
	ActionsToday(ctx context.Context, sessionID int64, date string) (int, error)
	AddActions(ctx context.Context, sessionID int64, date string, n int) error
}

// LeadStore holds discovered identities and conversation participants.
type LeadStore interface {
	// UpsertLeads inserts new handles and returns how many were new. When
	// groupID is set, existing leads are moved into that group.
	UpsertLeads(ctx context.Context, tenant string, handles []models.Handle, source string, groupID *int64) (int, error)
	Leads(ctx context.Context, tenant string) ([]models.Lead, error)
	ConversationParticipants(ctx context.Context, tenant string) (map[models.Handle]struct{}, error)
	AddConversationParticipant(ctx context.Context, tenant string, h models.Handle) error
}

// CampaignStore exposes the multi-tenant work queue.
type CampaignStore interface {
	// ActiveTenants lists tenants owning at least one active campaign.
	ActiveTenants(ctx context.Context) ([]string, error)
	ActiveCampaigns(ctx context.Context, tenant string) ([]models.Campaign, error)
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	LinkLeadGroup(ctx context.Context, campaignID, leadGroupID int64) error
	// NextCampaignLead materializes group leads into the campaign queue
	// and returns the oldest pending entry, or ErrNotFound.
	NextCampaignLead(ctx context.Context, campaignID int64) (models.CampaignLead, error)
	// UpdateCampaignLead sets the status (and sent_at for sent) and
	// completes the campaign once nothing is pending.
	UpdateCampaignLead(ctx context.Context, id int64, status models.LeadStatus, at time.Time) error
}

// ScrapeJobStore tracks discovery jobs.
type ScrapeJobStore interface {
	CreateScrapeJob(ctx context.Context, job *models.ScrapeJob) error
	ScrapeJob(ctx context.Context, id int64) (models.ScrapeJob, error)
	LatestRunningJob(ctx context.Context, tenant string) (models.ScrapeJob, error)
	UpdateScrapeProgress(ctx context.Context, id int64, scraped int) error
	// FinishScrapeJob moves a running job to a terminal status. A job that
	// is already terminal keeps its status.
	FinishScrapeJob(ctx context.Context, id int64, status models.JobStatus, scraped int, errMsg string, at time.Time) error
	CancelScrapeJob(ctx context.Context, id int64, at time.Time) error
}

// Store is the complete data-access surface.
type Store interface {
	EventStore
	ControlStore
	SettingsStore
	SessionStore
	LeadStore
	CampaignStore
	ScrapeJobStore
	Close() error
}
