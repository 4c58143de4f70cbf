package automation

import (
	"context"

	"igoutreach/pkg/models"
)

// SendResult describes a direct-message attempt. Reason is set when the
// attempt failed for a structural cause.
type SendResult struct {
	Reason string `json:"reason,omitempty"`
}

// Credentials are used only to obtain cookies and are never persisted.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Adapter performs browser actions. Implementations are not safe for
// concurrent use; each worker owns one.
type Adapter interface {
	// Send opens a thread with target and sends message. Structural
	// failures return an errors.ErrorTypeStructural error with the reason.
	Send(ctx context.Context, target models.Handle, message string) (SendResult, error)
	// UseSession installs cookies and reports whether they yield a
	// logged-in session.
	UseSession(ctx context.Context, cookies []models.Cookie) (bool, error)
	// Login performs an interactive login and returns the resulting cookies.
	Login(ctx context.Context, creds Credentials) ([]models.Cookie, error)
	// CheckSession navigates home and reports false on a login redirect.
	CheckSession(ctx context.Context) (bool, error)

	WarmUp(ctx context.Context) error
	// OpenFollowers opens the followers dialog of target and returns the
	// follower count shown on the profile, or 0 when unknown.
	OpenFollowers(ctx context.Context, target models.Handle) (int, error)
	// OpenPost opens a post and its comments, returning the author when it
	// can be determined.
	OpenPost(ctx context.Context, url string) (models.Handle, error)
	// ExtractBatch returns the handles currently visible in the open dialog.
	ExtractBatch(ctx context.Context) ([]models.Handle, error)
	// Scroll advances the open dialog and reports whether it could.
	Scroll(ctx context.Context) (bool, error)

	Close() error
}
