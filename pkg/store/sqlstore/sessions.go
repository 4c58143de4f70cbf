package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"igoutreach/pkg/models"
)

func (s *Store) Settings(ctx context.Context, tenant string) (models.TenantSettings, error) {
	st := models.TenantSettings{Tenant: tenant}
	var minSec, maxSec int64
	err := s.row(ctx, s.db,
		`SELECT daily_send_limit, hourly_send_limit, min_delay_sec, max_delay_sec
		 FROM tenant_settings WHERE tenant_id = ?`, tenant).
		Scan(&st.Limits.Daily, &st.Limits.Hourly, &minSec, &maxSec)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, storageErr(err, "select")
	}
	st.Delay = models.DelayBounds{Min: time.Duration(minSec) * time.Second, Max: time.Duration(maxSec) * time.Second}
	return st, nil
}

func (s *Store) SaveSettings(ctx context.Context, st models.TenantSettings) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO tenant_settings (tenant_id, daily_send_limit, hourly_send_limit, min_delay_sec, max_delay_sec)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   daily_send_limit = excluded.daily_send_limit,
		   hourly_send_limit = excluded.hourly_send_limit,
		   min_delay_sec = excluded.min_delay_sec,
		   max_delay_sec = excluded.max_delay_sec`,
		st.Tenant, st.Limits.Daily, st.Limits.Hourly,
		int64(st.Delay.Min/time.Second), int64(st.Delay.Max/time.Second))
	return err
}

func (s *Store) texts(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, storageErr(err, "select")
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

func (s *Store) MessageTemplates(ctx context.Context, tenant string) ([]string, error) {
	return s.texts(ctx, `SELECT message_text FROM message_templates WHERE tenant_id = ? ORDER BY id`, tenant)
}

func (s *Store) AddMessageTemplate(ctx context.Context, tenant, text string) (int64, error) {
	return s.insert(ctx, s.db,
		`INSERT INTO message_templates (tenant_id, message_text) VALUES (?, ?)`, tenant, text)
}

func (s *Store) MessageTemplate(ctx context.Context, tenant string, id int64) (string, error) {
	var text string
	err := s.row(ctx, s.db,
		`SELECT message_text FROM message_templates WHERE id = ? AND tenant_id = ?`, id, tenant).Scan(&text)
	if err != nil {
		return "", storageErr(err, "select")
	}
	return text, nil
}

func (s *Store) MessageGroupTexts(ctx context.Context, tenant string, groupID int64) ([]string, error) {
	return s.texts(ctx,
		`SELECT message_text FROM message_group_messages WHERE tenant_id = ? AND message_group_id = ? ORDER BY id`,
		tenant, groupID)
}

func (s *Store) AddMessageGroupText(ctx context.Context, tenant string, groupID int64, text string) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO message_group_messages (tenant_id, message_group_id, message_text) VALUES (?, ?, ?)`,
		tenant, groupID, text)
	return err
}

const sessionColumns = `s.id, s.tenant_id, s.instagram_username, s.kind, s.cookies, s.daily_actions_limit, s.expired, s.updated_at`

func (s *Store) sessions(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (models.Session, error) {
	var (
		sess          models.Session
		account, kind string
		cookies       string
		expired       int
		updatedAt     int64
	)
	err := sc.Scan(&sess.ID, &sess.Tenant, &account, &kind, &cookies, &sess.DailyActionLimit, &expired, &updatedAt)
	if err != nil {
		return sess, storageErr(err, "select")
	}
	sess.Account = models.Handle(account)
	sess.Kind = models.SessionKind(kind)
	sess.Expired = expired != 0
	sess.UpdatedAt = fromMillis(updatedAt)
	if cookies != "" {
		if err := json.Unmarshal([]byte(cookies), &sess.Cookies); err != nil {
			return sess, storageErr(err, "decode")
		}
	}
	return sess, nil
}

func (s *Store) Sessions(ctx context.Context, tenant string, kind models.SessionKind) ([]models.Session, error) {
	if kind == "" {
		return s.sessions(ctx,
			`SELECT `+sessionColumns+` FROM instagram_sessions s WHERE s.tenant_id = ? ORDER BY s.id`, tenant)
	}
	return s.sessions(ctx,
		`SELECT `+sessionColumns+` FROM instagram_sessions s WHERE s.tenant_id = ? AND s.kind = ? ORDER BY s.id`,
		tenant, string(kind))
}

func (s *Store) CampaignSessions(ctx context.Context, tenant string, campaignID int64) ([]models.Session, error) {
	return s.sessions(ctx,
		`SELECT `+sessionColumns+` FROM instagram_sessions s
		 JOIN campaign_sessions cs ON cs.session_id = s.id
		 WHERE cs.campaign_id = ? AND s.tenant_id = ? ORDER BY s.id`,
		campaignID, tenant)
}

func (s *Store) AssignSession(ctx context.Context, campaignID, sessionID int64) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO campaign_sessions (campaign_id, session_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		campaignID, sessionID)
	return err
}

func (s *Store) Session(ctx context.Context, id int64) (models.Session, error) {
	return scanSession(s.row(ctx, s.db,
		`SELECT `+sessionColumns+` FROM instagram_sessions s WHERE s.id = ?`, id))
}

// SaveSession upserts on (tenant, account, kind) and sets sess.ID.
func (s *Store) SaveSession(ctx context.Context, sess *models.Session) error {
	if sess.Kind == "" {
		sess.Kind = models.SessionSender
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = s.now()
	}
	cookies, err := json.Marshal(sess.Cookies)
	if err != nil {
		return storageErr(err, "encode")
	}

	id, err := s.insert(ctx, s.db,
		`INSERT INTO instagram_sessions (tenant_id, instagram_username, kind, cookies, daily_actions_limit, expired, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, instagram_username, kind) DO UPDATE SET
		   cookies = excluded.cookies,
		   daily_actions_limit = excluded.daily_actions_limit,
		   expired = excluded.expired,
		   updated_at = excluded.updated_at`,
		sess.Tenant, string(sess.Account), string(sess.Kind), string(cookies),
		sess.DailyActionLimit, boolInt(sess.Expired), millis(sess.UpdatedAt))
	if err != nil {
		return err
	}
	sess.ID = id
	return nil
}

func (s *Store) MarkSessionExpired(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE instagram_sessions SET expired = 1, updated_at = ? WHERE id = ?`, millis(s.now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) PlatformSessions(ctx context.Context) ([]models.Session, error) {
	return s.sessions(ctx,
		`SELECT `+sessionColumns+` FROM instagram_sessions s WHERE s.kind = ? ORDER BY s.id`,
		string(models.SessionPlatform))
}

func (s *Store) ActionsToday(ctx context.Context, sessionID int64, date string) (int, error) {
	var n int
	err := s.row(ctx, s.db,
		`SELECT actions_count FROM scraper_daily_usage WHERE session_id = ? AND usage_date = ?`,
		sessionID, date).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr(err, "select")
	}
	return n, nil
}

func (s *Store) AddActions(ctx context.Context, sessionID int64, date string, n int) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO scraper_daily_usage (session_id, usage_date, actions_count) VALUES (?, ?, ?)
		 ON CONFLICT (session_id, usage_date) DO UPDATE SET
		   actions_count = scraper_daily_usage.actions_count + excluded.actions_count`,
		sessionID, date, n)
	return err
}
