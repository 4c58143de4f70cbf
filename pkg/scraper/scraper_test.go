package scraper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igoutreach/pkg/automation/automationtest"
	"igoutreach/pkg/clock"
	"igoutreach/pkg/events"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/models"
	"igoutreach/pkg/session"
	"igoutreach/pkg/store/memstore"
)

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st   *memstore.Store
	clk  *clock.Fake
	fake *automationtest.Fake
	rec  *events.Recorder
	log  *logger.TestLogger
	s    *Scraper
}

func newFixture(t *testing.T, kind models.SessionKind) *fixture {
	t.Helper()
	f := &fixture{
		st:   memstore.New(),
		clk:  clock.NewFake(now),
		fake: automationtest.New(),
		rec:  &events.Recorder{},
		log:  logger.NewTestLogger(),
	}
	if kind != "" {
		sess := models.Session{
			Tenant:  "t1",
			Account: "scout",
			Kind:    kind,
			Cookies: []models.Cookie{{Name: "sessionid", Value: "scout"}},
		}
		require.NoError(t, f.st.SaveSession(context.Background(), &sess))
	}
	pool := session.NewPool(f.st, f.fake, f.clk, f.log)
	f.s = New(f.st, pool, f.fake, f.clk, f.log, f.rec, DefaultOptions())
	return f
}

func (f *fixture) job(t *testing.T, job models.ScrapeJob) models.ScrapeJob {
	t.Helper()
	if job.Tenant == "" {
		job.Tenant = "t1"
	}
	require.NoError(t, f.st.CreateScrapeJob(context.Background(), &job))
	return job
}

func (f *fixture) leads(t *testing.T) map[models.Handle]string {
	t.Helper()
	all, err := f.st.Leads(context.Background(), "t1")
	require.NoError(t, err)
	out := make(map[models.Handle]string, len(all))
	for _, l := range all {
		out[l.Handle] = l.Source
	}
	return out
}

func hs(names ...string) []models.Handle {
	out := make([]models.Handle, len(names))
	for i, n := range names {
		out[i] = models.Handle(n)
	}
	return out
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestFollowersScrape(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SessionScraper)
	require.NoError(t, f.st.AddConversationParticipant(ctx, "t1", "friend"))

	f.fake.Batches = [][]models.Handle{
		hs("alice", "bob", "explore", "target", "friend", "Bad-Name!"),
		hs("bob", "carol"),
		hs("carol"),
	}
	f.fake.ScrollLimit = 2

	group := int64(4)
	job := f.job(t, models.ScrapeJob{Type: models.ScrapeFollowers, Target: "target", LeadGroupID: &group})

	final, err := f.s.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 3, final.ScrapedCount)
	assert.NotNil(t, final.FinishedAt)

	assert.Equal(t, map[models.Handle]string{
		"alice": "followers:target",
		"bob":   "followers:target",
		"carol": "followers:target",
	}, f.leads(t))

	calls := f.fake.CallLog()
	assert.Equal(t, "use_session", calls[0])
	assert.Equal(t, "warmup", calls[1])
	assert.Equal(t, "open_followers:target", calls[2])
	assert.Equal(t, "warmup", calls[len(calls)-1])
	assert.Equal(t, 2, f.fake.WarmUps())

	for _, d := range f.clk.Sleeps() {
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.Len(t, f.clk.Sleeps(), 2)

	require.Len(t, f.rec.Events, 1)
	assert.Equal(t, "scrape.finished.completed", f.rec.Events[0].RoutingKey())
	assert.Equal(t, 3, f.rec.Events[0].Count)
}

func TestFollowerCountCapsJob(t *testing.T) {
	f := newFixture(t, models.SessionScraper)
	f.fake.FollowerCount = 2
	f.fake.Batches = [][]models.Handle{hs("a1", "b1", "c1")}

	final, err := f.s.Run(context.Background(), f.job(t, models.ScrapeJob{Type: models.ScrapeFollowers, Target: "target"}))
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 2, final.ScrapedCount)
	assert.Len(t, f.leads(t), 2)
	assert.Equal(t, 0, countCalls(f.fake.CallLog(), "scroll"))
}

func TestMaxLeadsCap(t *testing.T) {
	f := newFixture(t, models.SessionScraper)
	f.fake.FollowerCount = 100
	f.fake.Batches = [][]models.Handle{hs("a1", "b1"), hs("c1", "d1")}

	final, err := f.s.Run(context.Background(), f.job(t, models.ScrapeJob{
		Type: models.ScrapeFollowers, Target: "target", MaxLeads: 3,
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, final.ScrapedCount)
	assert.Equal(t, map[models.Handle]string{
		"a1": "followers:target",
		"b1": "followers:target",
		"c1": "followers:target",
	}, f.leads(t))
}

func TestStagnationCompletesAfterGrace(t *testing.T) {
	f := newFixture(t, models.SessionScraper)
	f.fake.Batches = [][]models.Handle{hs("only_one")}

	final, err := f.s.Run(context.Background(), f.job(t, models.ScrapeJob{Type: models.ScrapeFollowers, Target: "target"}))
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 1, final.ScrapedCount)

	// one productive batch, two inside the grace period, six stagnant
	assert.Equal(t, 1+2+6, countCalls(f.fake.CallLog(), "extract"))
	assert.True(t, f.log.HasMessage("no new handles, stopping"))
}

func TestCancelledBetweenBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SessionScraper)
	f.fake.Batches = [][]models.Handle{hs("a1"), hs("b1"), hs("c1")}

	job := f.job(t, models.ScrapeJob{Type: models.ScrapeFollowers, Target: "target"})
	f.fake.OnBatch = func(n int) {
		if n == 2 {
			require.NoError(t, f.st.CancelScrapeJob(ctx, job.ID, now))
		}
	}

	final, err := f.s.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, final.Status)
	assert.Equal(t, 2, final.ScrapedCount)
	assert.Equal(t, 2, countCalls(f.fake.CallLog(), "extract"))
	assert.Equal(t, 1, f.fake.WarmUps())

	require.Len(t, f.rec.Events, 1)
	assert.Equal(t, "scrape.finished.cancelled", f.rec.Events[0].RoutingKey())
}

func TestContextCancellationCancelsJob(t *testing.T) {
	f := newFixture(t, models.SessionScraper)
	f.fake.Batches = [][]models.Handle{hs("a1"), hs("b1")}
	ctx, cancel := context.WithCancel(context.Background())
	f.clk.OnSleep = func(time.Time, time.Duration) { cancel() }

	final, err := f.s.Run(ctx, f.job(t, models.ScrapeJob{Type: models.ScrapeFollowers, Target: "target"}))
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, final.Status)
	assert.Equal(t, 1, final.ScrapedCount)
}

func TestCommentsScrape(t *testing.T) {
	f := newFixture(t, models.SessionScraper)
	f.fake.PostAuthors = map[string]models.Handle{"https://www.instagram.com/p/one/": "author1"}
	f.fake.Batches = [][]models.Handle{hs("author1", "x1"), hs("x2")}
	f.fake.ScrollLimit = 1

	final, err := f.s.Run(context.Background(), f.job(t, models.ScrapeJob{
		Type:   models.ScrapeComments,
		Target: "author1",
		PostURLs: []string{
			"https://www.instagram.com/p/one/",
			"https://www.instagram.com/p/two/",
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 2, final.ScrapedCount)
	assert.Equal(t, map[models.Handle]string{
		"x1": "comments:author1",
		"x2": "comments:author1",
	}, f.leads(t))

	calls := f.fake.CallLog()
	assert.Contains(t, calls, "open_post:https://www.instagram.com/p/one/")
	assert.Contains(t, calls, "open_post:https://www.instagram.com/p/two/")
}

func TestCommentsWithoutAuthorUsesURL(t *testing.T) {
	f := newFixture(t, models.SessionScraper)
	f.fake.Batches = [][]models.Handle{hs("x1")}
	f.fake.ScrollLimit = 0

	_, err := f.s.Run(context.Background(), f.job(t, models.ScrapeJob{
		Type:     models.ScrapeComments,
		PostURLs: []string{"https://www.instagram.com/p/abc/"},
	}))
	require.NoError(t, err)
	assert.Equal(t, map[models.Handle]string{
		"x1": "comments:https://www.instagram.com/p/abc/",
	}, f.leads(t))
}

func TestNoSessionFailsJob(t *testing.T) {
	f := newFixture(t, "")

	final, err := f.s.Run(context.Background(), f.job(t, models.ScrapeJob{Type: models.ScrapeFollowers, Target: "target"}))
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Equal(t, models.ReasonSessionExpired, final.Error)
	assert.Empty(t, f.fake.CallLog())
	assert.True(t, f.log.HasError())
	assert.Equal(t, "scrape.finished.failed", f.rec.Events[0].RoutingKey())
}

func TestLoggedOutSessionFailsJob(t *testing.T) {
	f := newFixture(t, models.SessionScraper)
	f.fake.UseSessionFunc = func([]models.Cookie) (bool, error) { return false, nil }

	final, err := f.s.Run(context.Background(), f.job(t, models.ScrapeJob{Type: models.ScrapeFollowers, Target: "target"}))
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Equal(t, models.ReasonSessionExpired, final.Error)
}

func TestPlatformSessionUsageIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	platform := models.Session{Account: "shared", Kind: models.SessionPlatform, DailyActionLimit: 50}
	require.NoError(t, f.st.SaveSession(ctx, &platform))

	f.fake.Batches = [][]models.Handle{hs("a1"), hs("b1")}
	f.fake.ScrollLimit = 1

	final, err := f.s.Run(ctx, f.job(t, models.ScrapeJob{Type: models.ScrapeFollowers, Target: "target"}))
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)

	used, err := f.st.ActionsToday(ctx, platform.ID, models.DateKey(now))
	require.NoError(t, err)
	assert.Equal(t, 2, used)
}
