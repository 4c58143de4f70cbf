package models

import (
	"time"
)

// EventStatus is the recorded result of a send attempt.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailed  EventStatus = "failed"
)

// SendEvent is one entry of the append-only contact log.
type SendEvent struct {
	ID             int64       `json:"id"`
	Tenant         string      `json:"tenant"`
	Target         Handle      `json:"username"`
	Message        string      `json:"message"`
	Status         EventStatus `json:"status"`
	Reason         string      `json:"reason,omitempty"`
	SentAt         time.Time   `json:"sent_at"`
	CampaignID     *int64      `json:"campaign_id,omitempty"`
	MessageGroupID *int64      `json:"message_group_id,omitempty"`
}

// DailyCounter aggregates events per tenant and UTC date.
type DailyCounter struct {
	Tenant string `json:"tenant"`
	Date   string `json:"date"`
	Sent   int    `json:"total_sent"`
	Failed int    `json:"total_failed"`
}

// DateKey returns the UTC calendar date used to key daily counters.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextUTCMidnight returns the start of the UTC day after t.
func NextUTCMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

type Lead struct {
	ID          int64     `json:"id"`
	Tenant      string    `json:"tenant"`
	Handle      Handle    `json:"instagram_username"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	Source      string    `json:"source,omitempty"`
	LeadGroupID *int64    `json:"lead_group_id,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// SessionKind distinguishes sending sessions from scraping sessions.
type SessionKind string

const (
	SessionSender  SessionKind = "sender"
	SessionScraper SessionKind = "scraper"
	// SessionPlatform sessions are shared scraper accounts owned by the operator.
	SessionPlatform SessionKind = "platform"
)

// DefaultScraperActionLimit applies to platform sessions without an explicit quota.
const DefaultScraperActionLimit = 500

type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Session is an authenticated cookie set standing in for an interactive login.
type Session struct {
	ID               int64       `json:"id"`
	Tenant           string      `json:"tenant"`
	Account          Handle      `json:"instagram_username"`
	Cookies          []Cookie    `json:"cookies"`
	Kind             SessionKind `json:"kind"`
	DailyActionLimit int         `json:"daily_actions_limit,omitempty"`
	Expired          bool        `json:"expired"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// ActionLimit returns the session's daily quota, falling back to the default.
func (s Session) ActionLimit() int {
	if s.DailyActionLimit > 0 {
		return s.DailyActionLimit
	}
	return DefaultScraperActionLimit
}

type ScrapeType string

const (
	ScrapeFollowers ScrapeType = "followers"
	ScrapeComments  ScrapeType = "comments"
)

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type ScrapeJob struct {
	ID           int64      `json:"id"`
	Tenant       string     `json:"tenant"`
	Type         ScrapeType `json:"scrape_type"`
	Target       Handle     `json:"target_username"`
	PostURLs     []string   `json:"post_urls,omitempty"`
	LeadGroupID  *int64     `json:"lead_group_id,omitempty"`
	SessionID    *int64     `json:"session_id,omitempty"`
	MaxLeads     int        `json:"max_leads,omitempty"`
	Status       JobStatus  `json:"status"`
	ScrapedCount int        `json:"scraped_count"`
	Error        string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Stats is the per-tenant summary shown by status surfaces.
type Stats struct {
	Tenant      string       `json:"tenant"`
	Paused      bool         `json:"paused"`
	Today       DailyCounter `json:"today"`
	LastHour    int          `json:"last_hour"`
	DailyLimit  int          `json:"daily_limit"`
	HourlyLimit int          `json:"hourly_limit"`
	TotalSent   int          `json:"total_sent"`
	TotalFailed int          `json:"total_failed"`
}
