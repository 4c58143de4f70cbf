// Package scraper discovers outreach leads by browsing Instagram.
//
// A job either opens a target account's followers dialog or walks the
// comment threads of a list of posts. Each pass extracts the visible
// handles, keeps the ones that are valid and new, stores them as leads and
// scrolls for more.
//
// A job ends when:
//   - the lead cap is reached (the job's max leads, or the follower count)
//   - several consecutive passes yield nothing new after the grace scrolls
//   - the dialog cannot scroll any further
//   - the job is cancelled, either through its row or its context
//
// Handles the tenant already talks to, the scraped account itself and post
// authors are never stored.
//
// Usage:
//
//	pool := session.NewPool(st, adapter, clock.Real{}, log)
//	s := scraper.New(st, pool, adapter, clock.Real{}, log, publisher, scraper.DefaultOptions())
//
//	job := models.ScrapeJob{Tenant: "acme", Type: models.ScrapeFollowers, Target: "natgeo", MaxLeads: 500}
//	if err := st.CreateScrapeJob(ctx, &job); err != nil {
//	    return err
//	}
//	final, err := s.Run(ctx, job)
//
// Run always leaves the job in a terminal status; failures are reported in
// the job's Error field rather than as a returned error.
package scraper
