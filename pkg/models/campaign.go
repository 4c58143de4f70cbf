package models

import (
	"fmt"
	"time"
)

// AbsoluteDailyCeiling bounds every daily limit regardless of configuration.
const AbsoluteDailyCeiling = 200

// Limits holds send ceilings. Zero means "not set" so that callers can
// layer overrides on top of defaults.
type Limits struct {
	Daily  int `json:"daily_send_limit,omitempty" yaml:"daily_limit,omitempty"`
	Hourly int `json:"hourly_send_limit,omitempty" yaml:"hourly_limit,omitempty"`
}

// Or fills unset fields of l from fallback.
func (l Limits) Or(fallback Limits) Limits {
	if l.Daily <= 0 {
		l.Daily = fallback.Daily
	}
	if l.Hourly <= 0 {
		l.Hourly = fallback.Hourly
	}
	return l
}

// DelayBounds is the inclusive range an inter-send delay is drawn from.
type DelayBounds struct {
	Min time.Duration `json:"min_delay,omitempty"`
	Max time.Duration `json:"max_delay,omitempty"`
}

func (d DelayBounds) IsSet() bool {
	return d.Min > 0 || d.Max > 0
}

// Or returns d when set, fallback otherwise. A set range with Max < Min is
// widened to Min.
func (d DelayBounds) Or(fallback DelayBounds) DelayBounds {
	if !d.IsSet() {
		d = fallback
	}
	if d.Max < d.Min {
		d.Max = d.Min
	}
	return d
}

// TenantSettings are the per-tenant defaults sitting between campaign
// overrides and the global configuration.
type TenantSettings struct {
	Tenant string      `json:"tenant"`
	Limits Limits      `json:"limits"`
	Delay  DelayBounds `json:"delay"`
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

type Campaign struct {
	ID                int64          `json:"id"`
	Tenant            string         `json:"tenant"`
	Name              string         `json:"name"`
	Status            CampaignStatus `json:"status"`
	MessageTemplateID *int64         `json:"message_template_id,omitempty"`
	MessageGroupID    *int64         `json:"message_group_id,omitempty"`
	Schedule          Schedule       `json:"schedule"`
	Limits            Limits         `json:"limits"`
	Delay             DelayBounds    `json:"delay"`
	CreatedAt         time.Time      `json:"created_at"`
}

type LeadStatus string

const (
	LeadPending LeadStatus = "pending"
	LeadSent    LeadStatus = "sent"
	LeadFailed  LeadStatus = "failed"
	LeadSkipped LeadStatus = "skipped"
)

// CampaignLead is a lead materialized into a campaign's queue.
type CampaignLead struct {
	ID         int64      `json:"id"`
	CampaignID int64      `json:"campaign_id"`
	LeadID     int64      `json:"lead_id"`
	Target     Handle     `json:"instagram_username"`
	FirstName  string     `json:"first_name,omitempty"`
	LastName   string     `json:"last_name,omitempty"`
	Status     LeadStatus `json:"status"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Schedule is a daily UTC send window in "HH:MM:SS" form. A missing Start
// means midnight and a missing End means 23:59:59; with neither set the
// campaign may send at any time. End before Start wraps past midnight.
type Schedule struct {
	Start string `json:"schedule_start_time,omitempty"`
	End   string `json:"schedule_end_time,omitempty"`
}

const lastSecondOfDay = 24*3600 - 1

func (s Schedule) bounds() (start, end int, ok bool) {
	if s.Start == "" && s.End == "" {
		return 0, 0, false
	}
	start, end = 0, lastSecondOfDay
	var err error
	if s.Start != "" {
		if start, err = secondsOfDay(s.Start); err != nil {
			return 0, 0, false
		}
	}
	if s.End != "" {
		if end, err = secondsOfDay(s.End); err != nil {
			return 0, 0, false
		}
	}
	return start, end, true
}

// Contains reports whether t falls inside the window.
func (s Schedule) Contains(t time.Time) bool {
	start, end, ok := s.bounds()
	if !ok {
		return true
	}
	now := clockSeconds(t)
	if start <= end {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}

// NextStart returns the earliest instant at or after t inside the window.
func (s Schedule) NextStart(t time.Time) time.Time {
	if s.Contains(t) {
		return t
	}
	start, _, _ := s.bounds()
	u := t.UTC()
	y, m, d := u.Date()
	candidate := time.Date(y, m, d, 0, 0, start, 0, time.UTC)
	if !candidate.After(u) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// Validate checks that every configured end parses.
func (s Schedule) Validate() error {
	if s.Start == "" && s.End == "" {
		return nil
	}
	if s.Start != "" {
		if _, err := secondsOfDay(s.Start); err != nil {
			return fmt.Errorf("schedule start: %w", err)
		}
	}
	if s.End != "" {
		if _, err := secondsOfDay(s.End); err != nil {
			return fmt.Errorf("schedule end: %w", err)
		}
	}
	return nil
}

func secondsOfDay(v string) (int, error) {
	var h, m, sec int
	n, err := fmt.Sscanf(v, "%d:%d:%d", &h, &m, &sec)
	if err != nil && n < 2 {
		return 0, fmt.Errorf("invalid time of day %q", v)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("invalid time of day %q", v)
	}
	return h*3600 + m*60 + sec, nil
}

func clockSeconds(t time.Time) int {
	u := t.UTC()
	return u.Hour()*3600 + u.Minute()*60 + u.Second()
}
