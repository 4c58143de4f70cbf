package models

import "time"

// WorkItem is a single unit of send work. It is either a LeadWork or a
// CampaignWork; consumers switch on the concrete type.
type WorkItem interface {
	Target() Handle
	isWorkItem()
}

// LeadWork is a bare target from a flat lead list.
type LeadWork struct {
	Handle Handle
}

func (w LeadWork) Target() Handle { return w.Handle }
func (LeadWork) isWorkItem()      {}

// CampaignWork is a queued campaign lead together with the message and the
// rate overrides of its campaign.
type CampaignWork struct {
	Handle         Handle
	Tenant         string
	CampaignID     int64
	CampaignLeadID int64
	LeadID         int64
	MessageText    string
	MessageGroupID *int64
	FirstName      string
	LastName       string
	Limits         Limits
	Delay          DelayBounds
	EnqueuedAt     time.Time
}

func (w CampaignWork) Target() Handle { return w.Handle }
func (CampaignWork) isWorkItem()      {}

// SkipReason explains why a unit of work was not attempted.
type SkipReason string

const (
	SkipAlreadyContacted SkipReason = "already_contacted"
	SkipDailyLimit       SkipReason = "daily_limit"
	SkipHourlyLimit      SkipReason = "hourly_limit"
	SkipPaused           SkipReason = "paused"
	SkipOutsideSchedule  SkipReason = "outside_schedule"
)

// FailureKind classifies a recorded failure.
type FailureKind string

const (
	FailureStructural FailureKind = "structural"
	FailureTransient  FailureKind = "transient"
	FailureSession    FailureKind = "session"
)

// Reasons reported by the automation layer or assigned by the scheduler.
const (
	ReasonUserNotFound   = "user_not_found"
	ReasonNoCompose      = "no_compose"
	ReasonSessionExpired = "session_expired"
)

// IsStructuralReason reports whether a send failure reason means retrying is
// pointless.
func IsStructuralReason(reason string) bool {
	return reason == ReasonUserNotFound || reason == ReasonNoCompose
}

// Outcome is the result of processing a WorkItem: Sent, Skipped or Failed.
type Outcome interface {
	isOutcome()
}

type Sent struct {
	Message  string
	Attempts int
}

type Skipped struct {
	Reason SkipReason
}

type Failed struct {
	Reason   string
	Kind     FailureKind
	Attempts int
}

func (Sent) isOutcome()    {}
func (Skipped) isOutcome() {}
func (Failed) isOutcome()  {}
