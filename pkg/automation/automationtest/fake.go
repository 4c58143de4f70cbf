// Package automationtest provides a scriptable automation.Adapter for
// tests of the send and scrape loops.
package automationtest

import (
	"context"
	"sync"

	"igoutreach/pkg/automation"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/models"
)

// SentMessage is one recorded Send call.
type SentMessage struct {
	Target  models.Handle
	Message string
}

// Fake records every call. Unset hooks succeed.
type Fake struct {
	mu sync.Mutex

	// SendFunc decides the result of each Send; attempt counts calls per
	// target starting at 1.
	SendFunc func(target models.Handle, message string, attempt int) (automation.SendResult, error)
	// UseSessionFunc decides whether cookies are accepted.
	UseSessionFunc func(cookies []models.Cookie) (bool, error)
	CheckFunc      func() (bool, error)
	LoginCookies   []models.Cookie

	FollowerCount int
	PostAuthors   map[string]models.Handle
	// Batches are returned by successive ExtractBatch calls; the last one
	// repeats once exhausted.
	Batches [][]models.Handle
	// ScrollLimit is the number of successful scrolls; negative means
	// unlimited.
	ScrollLimit int
	// OnBatch runs inside ExtractBatch with the 1-based batch number.
	OnBatch func(n int)

	Sent      []SentMessage
	attempts  map[models.Handle]int
	Sessions  [][]models.Cookie
	Calls     []string
	batchIdx  int
	scrolls   int
	closed    bool
	warmUps   int
	opened    []models.Handle
	openPosts []string
}

var _ automation.Adapter = (*Fake)(nil)

func New() *Fake {
	return &Fake{ScrollLimit: -1, attempts: make(map[models.Handle]int)}
}

// StructuralFailure returns a SendFunc rejecting targets with reason.
func StructuralFailure(targets map[models.Handle]string) func(models.Handle, string, int) (automation.SendResult, error) {
	return func(target models.Handle, _ string, _ int) (automation.SendResult, error) {
		if reason, ok := targets[target]; ok {
			return automation.SendResult{Reason: reason}, errs.Structural(reason)
		}
		return automation.SendResult{}, nil
	}
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *Fake) Send(ctx context.Context, target models.Handle, message string) (automation.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return automation.SendResult{}, err
	}
	f.mu.Lock()
	f.record("send:" + target.String())
	if f.attempts == nil {
		f.attempts = make(map[models.Handle]int)
	}
	f.attempts[target]++
	attempt := f.attempts[target]
	fn := f.SendFunc
	f.mu.Unlock()

	if fn != nil {
		res, err := fn(target, message, attempt)
		if err != nil {
			return res, err
		}
	}
	f.mu.Lock()
	f.Sent = append(f.Sent, SentMessage{Target: target, Message: message})
	f.mu.Unlock()
	return automation.SendResult{}, nil
}

// Attempts returns how many times Send was called for target.
func (f *Fake) Attempts(target models.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[target]
}

// SentTargets returns the targets of successful sends in order.
func (f *Fake) SentTargets() []models.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Handle, 0, len(f.Sent))
	for _, s := range f.Sent {
		out = append(out, s.Target)
	}
	return out
}

func (f *Fake) UseSession(_ context.Context, cookies []models.Cookie) (bool, error) {
	f.mu.Lock()
	f.record("use_session")
	f.Sessions = append(f.Sessions, cookies)
	fn := f.UseSessionFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(cookies)
	}
	return true, nil
}

func (f *Fake) Login(_ context.Context, creds automation.Credentials) ([]models.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("login:" + creds.Username)
	if len(f.LoginCookies) == 0 {
		return nil, errs.New(errs.ErrorTypeSession, "login failed")
	}
	return f.LoginCookies, nil
}

func (f *Fake) CheckSession(context.Context) (bool, error) {
	f.mu.Lock()
	f.record("check_session")
	fn := f.CheckFunc
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return true, nil
}

func (f *Fake) WarmUp(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("warmup")
	f.warmUps++
	return nil
}

// WarmUps returns how many warm-up passes ran.
func (f *Fake) WarmUps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.warmUps
}

func (f *Fake) OpenFollowers(_ context.Context, target models.Handle) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open_followers:" + target.String())
	f.opened = append(f.opened, target)
	f.batchIdx = 0
	f.scrolls = 0
	return f.FollowerCount, nil
}

func (f *Fake) OpenPost(_ context.Context, url string) (models.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open_post:" + url)
	f.openPosts = append(f.openPosts, url)
	f.batchIdx = 0
	f.scrolls = 0
	return f.PostAuthors[url], nil
}

func (f *Fake) ExtractBatch(ctx context.Context) ([]models.Handle, error) {
	f.mu.Lock()
	f.record("extract")
	var batch []models.Handle
	if len(f.Batches) > 0 {
		i := f.batchIdx
		if i >= len(f.Batches) {
			i = len(f.Batches) - 1
		}
		batch = append(batch, f.Batches[i]...)
		f.batchIdx++
	}
	n := f.batchIdx
	hook := f.OnBatch
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return batch, ctx.Err()
}

func (f *Fake) Scroll(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("scroll")
	if f.ScrollLimit >= 0 && f.scrolls >= f.ScrollLimit {
		return false, nil
	}
	f.scrolls++
	return true, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// CallLog returns a copy of all calls in order.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}
