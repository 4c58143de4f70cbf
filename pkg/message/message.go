// Package message produces the text sent to each target.
package message

import (
	"context"
	"math/rand"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/models"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
	nameSeparators     = regexp.MustCompile(`[_.\s-]+`)
)

// ErrEmptyPool is returned when there is nothing to pick a message from.
var ErrEmptyPool = errs.New(errs.ErrorTypeFatal, "message pool is empty")

// TemplateLister returns a tenant's stored template pool.
type TemplateLister interface {
	MessageTemplates(ctx context.Context, tenant string) ([]string, error)
}

// Source picks or renders the message for a unit of work.
type Source struct {
	pool      []string
	templates TemplateLister
	intn      func(n int) int
}

// NewStatic returns a Source drawing from a fixed pool. An empty pool is a
// setup error.
func NewStatic(pool []string) (*Source, error) {
	pool = nonEmpty(pool)
	if len(pool) == 0 {
		return nil, ErrEmptyPool
	}
	return &Source{pool: pool, intn: rand.Intn}, nil
}

// NewTenant returns a Source that prefers each tenant's stored templates
// and falls back to pool.
func NewTenant(templates TemplateLister, pool []string) *Source {
	return &Source{pool: nonEmpty(pool), templates: templates, intn: rand.Intn}
}

// Next returns the text for item. Campaign work carrying text is rendered
// with its variables; everything else is a uniform pick from the pool,
// sent as-is.
func (s *Source) Next(ctx context.Context, item models.WorkItem) (string, error) {
	tenant := ""
	if cw, ok := item.(models.CampaignWork); ok {
		if strings.TrimSpace(cw.MessageText) != "" {
			return Render(cw.MessageText, VarsFor(cw)), nil
		}
		tenant = cw.Tenant
	}

	pool := s.pool
	if s.templates != nil && tenant != "" {
		stored, err := s.templates.MessageTemplates(ctx, tenant)
		if err != nil {
			return "", err
		}
		if stored = nonEmpty(stored); len(stored) > 0 {
			pool = stored
		}
	}
	if len(pool) == 0 {
		return "", ErrEmptyPool
	}
	return pool[s.intn(len(pool))], nil
}

// Pick returns a uniform random element of texts, or "" when empty.
func (s *Source) Pick(texts []string) string {
	texts = nonEmpty(texts)
	if len(texts) == 0 {
		return ""
	}
	return texts[s.intn(len(texts))]
}

// Vars are the substitution values for one target.
type Vars struct {
	Username  string
	FirstName string
	LastName  string
}

// VarsFor builds Vars from the stored names. Names are derived from the
// handle only when neither is stored.
func VarsFor(cw models.CampaignWork) Vars {
	v := Vars{
		Username:  cw.Handle.String(),
		FirstName: strings.TrimSpace(cw.FirstName),
		LastName:  strings.TrimSpace(cw.LastName),
	}
	if v.FirstName == "" && v.LastName == "" && v.Username != "" {
		v.FirstName, v.LastName = NamesFromHandle(cw.Handle)
		if v.FirstName == "" {
			v.FirstName = v.Username
		}
	}
	return v
}

// Render substitutes {{name}} placeholders. Keys are case-insensitive and
// unknown placeholders are kept verbatim.
func Render(template string, v Vars) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.ToLower(placeholderPattern.FindStringSubmatch(match)[1])
		switch key {
		case "username", "instagram_username":
			return v.Username
		case "first_name":
			return v.FirstName
		case "last_name":
			return v.LastName
		case "full_name":
			if full := strings.TrimSpace(v.FirstName + " " + v.LastName); full != "" {
				return full
			}
			return v.Username
		}
		return match
	})
}

// NamesFromHandle splits a handle on separators and title-cases the parts:
// "john_doe" -> ("John", "Doe"), "jane" -> ("Jane", "").
func NamesFromHandle(h models.Handle) (first, last string) {
	// a Caser keeps state between calls
	title := cases.Title(language.Und)
	var parts []string
	for _, p := range nameSeparators.Split(h.String(), -1) {
		if p != "" {
			parts = append(parts, title.String(p))
		}
	}
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func nonEmpty(texts []string) []string {
	out := texts[:0:0]
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out
}
