package models

import "strings"

// Handle is a normalized account name: lowercase, no leading '@'.
type Handle string

// Normalize converts user input into a Handle. Applying it twice is a no-op.
func Normalize(raw string) Handle {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "@")
	return Handle(strings.ToLower(strings.TrimSpace(s)))
}

func (h Handle) String() string {
	return string(h)
}

// ProfileURL returns the public profile address for the handle.
func (h Handle) ProfileURL() string {
	return "https://www.instagram.com/" + string(h) + "/"
}
