package automation

import (
	"fmt"
	"regexp"
	"strings"

	"igoutreach/pkg/models"
)

const (
	// BaseURL is the Instagram web origin
	BaseURL = "https://www.instagram.com"

	// Driver endpoints
	BrowsersEndpoint  = "/browsers"
	SessionEndpoint   = "/session"
	CheckEndpoint     = "/session/check"
	LoginEndpoint     = "/login"
	SendEndpoint      = "/dm"
	WarmUpEndpoint    = "/warmup"
	FollowersEndpoint = "/followers/open"
	PostEndpoint      = "/post/open"
	DialogEndpoint    = "/dialog"
	ScrollEndpoint    = "/dialog/scroll"

	// MinHandleLength and MaxHandleLength bound scraped handles
	MinHandleLength = 2
	MaxHandleLength = 30
)

// ReservedPaths are first path segments of instagram.com that are not
// profiles.
var ReservedPaths = map[string]bool{
	"explore": true, "direct": true, "accounts": true, "reels": true,
	"stories": true, "p": true, "tv": true, "tags": true,
	"developer": true, "about": true, "blog": true, "jobs": true,
	"help": true, "api": true, "privacy": true, "terms": true,
}

var handlePattern = regexp.MustCompile(`^[a-z0-9._]+$`)

// GetProfileURL constructs the public profile URL for a handle
func GetProfileURL(h models.Handle) string {
	if h == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/", BaseURL, h)
}

// GetPostURL constructs the URL for a post shortcode
func GetPostURL(shortcode string) string {
	if shortcode == "" {
		return ""
	}
	return fmt.Sprintf("%s/p/%s/", BaseURL, shortcode)
}

// IsValidHandle reports whether h is a plausible profile handle: lowercase
// letters, digits, periods and underscores, 2 to 30 characters, and not a
// reserved path.
func IsValidHandle(h models.Handle) bool {
	s := string(h)
	if len(s) < MinHandleLength || len(s) > MaxHandleLength {
		return false
	}
	if ReservedPaths[s] {
		return false
	}
	return handlePattern.MatchString(s)
}

// HandleFromHref returns the handle a relative profile link points at, or
// "" for anything that is not a single-segment path.
func HandleFromHref(href string) models.Handle {
	if !strings.HasPrefix(href, "/") {
		if !strings.HasPrefix(href, BaseURL+"/") {
			return ""
		}
		href = strings.TrimPrefix(href, BaseURL)
	}
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	path := strings.Trim(href, "/")
	if path == "" || strings.Contains(path, "/") {
		return ""
	}
	return models.Normalize(path)
}
