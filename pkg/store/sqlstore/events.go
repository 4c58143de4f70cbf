package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"igoutreach/pkg/models"
	"igoutreach/pkg/store"
)

func (s *Store) AlreadyContacted(ctx context.Context, tenant string, target models.Handle) (bool, error) {
	var n int
	err := s.row(ctx, s.db,
		`SELECT COUNT(1) FROM sent_messages WHERE tenant_id = ? AND username = ?`,
		tenant, string(target)).Scan(&n)
	if err != nil {
		return false, storageErr(err, "select")
	}
	return n > 0, nil
}

// RecordEvent appends the event and bumps the daily counter atomically.
func (s *Store) RecordEvent(ctx context.Context, ev *models.SendEvent) error {
	if ev.SentAt.IsZero() {
		ev.SentAt = s.now()
	}
	sent, failed := 0, 0
	if ev.Status == models.StatusSuccess {
		sent = 1
	} else {
		failed = 1
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.insert(ctx, tx,
			`INSERT INTO sent_messages (tenant_id, username, message, status, reason, campaign_id, message_group_id, sent_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.Tenant, string(ev.Target), ev.Message, string(ev.Status), ev.Reason,
			nullID(ev.CampaignID), nullID(ev.MessageGroupID), millis(ev.SentAt))
		if err != nil {
			return err
		}

		_, err = s.exec(ctx, tx,
			`INSERT INTO daily_stats (tenant_id, date, total_sent, total_failed) VALUES (?, ?, ?, ?)
			 ON CONFLICT (tenant_id, date) DO UPDATE SET
			   total_sent = daily_stats.total_sent + excluded.total_sent,
			   total_failed = daily_stats.total_failed + excluded.total_failed`,
			ev.Tenant, models.DateKey(ev.SentAt), sent, failed)
		if err != nil {
			return err
		}
		ev.ID = id
		return nil
	})
}

func (s *Store) DailyCounter(ctx context.Context, tenant, date string) (models.DailyCounter, error) {
	c := models.DailyCounter{Tenant: tenant, Date: date}
	err := s.row(ctx, s.db,
		`SELECT total_sent, total_failed FROM daily_stats WHERE tenant_id = ? AND date = ?`,
		tenant, date).Scan(&c.Sent, &c.Failed)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return c, storageErr(err, "select")
	}
	return c, nil
}

func (s *Store) EventsSince(ctx context.Context, tenant string, since time.Time) ([]time.Time, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT sent_at FROM sent_messages WHERE tenant_id = ? AND sent_at >= ? ORDER BY sent_at ASC`,
		tenant, millis(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, storageErr(err, "select")
		}
		out = append(out, fromMillis(ms))
	}
	return out, rows.Err()
}

func (s *Store) RecentEvents(ctx context.Context, tenant string, limit int) ([]models.SendEvent, error) {
	if limit <= 0 || limit > store.MaxRecent {
		limit = store.MaxRecent
	}
	rows, err := s.query(ctx, s.db,
		`SELECT id, tenant_id, username, message, status, reason, campaign_id, message_group_id, sent_at
		 FROM sent_messages WHERE tenant_id = ? ORDER BY sent_at DESC, id DESC LIMIT ?`,
		tenant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SendEvent
	for rows.Next() {
		var (
			ev              models.SendEvent
			target, status  string
			campaign, group sql.NullInt64
			sentAt          int64
		)
		if err := rows.Scan(&ev.ID, &ev.Tenant, &target, &ev.Message, &status, &ev.Reason, &campaign, &group, &sentAt); err != nil {
			return nil, storageErr(err, "select")
		}
		ev.Target = models.Handle(target)
		ev.Status = models.EventStatus(status)
		ev.CampaignID = idPtr(campaign)
		ev.MessageGroupID = idPtr(group)
		ev.SentAt = fromMillis(sentAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Totals(ctx context.Context, tenant string) (int, int, error) {
	var sent, failed sql.NullInt64
	err := s.row(ctx, s.db,
		`SELECT SUM(total_sent), SUM(total_failed) FROM daily_stats WHERE tenant_id = ?`,
		tenant).Scan(&sent, &failed)
	if err != nil {
		return 0, 0, storageErr(err, "select")
	}
	return int(sent.Int64), int(failed.Int64), nil
}

// ResetFailed removes every failed event for the tenant so those targets
// become eligible again, and zeroes the failed count of date.
func (s *Store) ResetFailed(ctx context.Context, tenant, date string) (int, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`DELETE FROM sent_messages WHERE tenant_id = ? AND status = ?`,
			tenant, string(models.StatusFailed))
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		_, err = s.exec(ctx, tx,
			`UPDATE daily_stats SET total_failed = 0 WHERE tenant_id = ? AND date = ?`,
			tenant, date)
		return err
	})
	return int(removed), err
}

func (s *Store) ResetDaily(ctx context.Context, tenant, date string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM daily_stats WHERE tenant_id = ? AND date = ?`, tenant, date)
	return err
}

func (s *Store) Paused(ctx context.Context, tenant string) (bool, error) {
	var paused int
	err := s.row(ctx, s.db, `SELECT paused FROM control WHERE tenant_id = ?`, tenant).Scan(&paused)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storageErr(err, "select")
	}
	return paused != 0, nil
}

func (s *Store) SetPaused(ctx context.Context, tenant string, paused bool) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO control (tenant_id, paused, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET paused = excluded.paused, updated_at = excluded.updated_at`,
		tenant, boolInt(paused), millis(s.now()))
	return err
}
