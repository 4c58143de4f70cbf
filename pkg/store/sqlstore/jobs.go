package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"igoutreach/pkg/models"
)

const jobColumns = `id, tenant_id, scrape_type, target_username, post_urls, lead_group_id, session_id,
	max_leads, status, scraped_count, error_message, started_at, finished_at`

func scanJob(sc scanner) (models.ScrapeJob, error) {
	var (
		job                models.ScrapeJob
		kind, target, urls string
		status             string
		group, session     sql.NullInt64
		started            int64
		finished           sql.NullInt64
	)
	err := sc.Scan(&job.ID, &job.Tenant, &kind, &target, &urls, &group, &session,
		&job.MaxLeads, &status, &job.ScrapedCount, &job.Error, &started, &finished)
	if err != nil {
		return job, storageErr(err, "select")
	}
	job.Type = models.ScrapeType(kind)
	job.Target = models.Handle(target)
	job.Status = models.JobStatus(status)
	job.LeadGroupID = idPtr(group)
	job.SessionID = idPtr(session)
	job.StartedAt = fromMillis(started)
	job.FinishedAt = nullMillis(finished)
	if urls != "" {
		if err := json.Unmarshal([]byte(urls), &job.PostURLs); err != nil {
			return job, storageErr(err, "decode")
		}
	}
	return job, nil
}

func (s *Store) CreateScrapeJob(ctx context.Context, job *models.ScrapeJob) error {
	if job.Status == "" {
		job.Status = models.JobRunning
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = s.now()
	}
	if job.PostURLs == nil {
		job.PostURLs = []string{}
	}
	urls, err := json.Marshal(job.PostURLs)
	if err != nil {
		return storageErr(err, "encode")
	}
	id, err := s.insert(ctx, s.db,
		`INSERT INTO scrape_jobs (tenant_id, scrape_type, target_username, post_urls, lead_group_id, session_id,
		   max_leads, status, scraped_count, error_message, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Tenant, string(job.Type), string(job.Target), string(urls), nullID(job.LeadGroupID), nullID(job.SessionID),
		job.MaxLeads, string(job.Status), job.ScrapedCount, job.Error, millis(job.StartedAt))
	if err != nil {
		return err
	}
	job.ID = id
	return nil
}

func (s *Store) ScrapeJob(ctx context.Context, id int64) (models.ScrapeJob, error) {
	return scanJob(s.row(ctx, s.db, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = ?`, id))
}

func (s *Store) LatestRunningJob(ctx context.Context, tenant string) (models.ScrapeJob, error) {
	return scanJob(s.row(ctx, s.db,
		`SELECT `+jobColumns+` FROM scrape_jobs WHERE tenant_id = ? AND status = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		tenant, string(models.JobRunning)))
}

func (s *Store) UpdateScrapeProgress(ctx context.Context, id int64, scraped int) error {
	res, err := s.exec(ctx, s.db, `UPDATE scrape_jobs SET scraped_count = ? WHERE id = ?`, scraped, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FinishScrapeJob only moves a job out of running; a cancelled job keeps
// its status but still gets the final count.
func (s *Store) FinishScrapeJob(ctx context.Context, id int64, status models.JobStatus, scraped int, errMsg string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `UPDATE scrape_jobs SET scraped_count = ? WHERE id = ?`, scraped, id)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		_, err = s.exec(ctx, tx,
			`UPDATE scrape_jobs SET status = ?, error_message = ?, finished_at = ? WHERE id = ? AND status = ?`,
			string(status), errMsg, millis(at), id, string(models.JobRunning))
		return err
	})
}

func (s *Store) CancelScrapeJob(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.ScrapeJob(ctx, id); err != nil {
		return err
	}
	_, err := s.exec(ctx, s.db,
		`UPDATE scrape_jobs SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
		string(models.JobCancelled), millis(at), id, string(models.JobRunning))
	return err
}
