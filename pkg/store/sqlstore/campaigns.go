package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"igoutreach/pkg/models"
)

func (s *Store) ActiveTenants(ctx context.Context) ([]string, error) {
	return s.texts(ctx,
		`SELECT DISTINCT tenant_id FROM campaigns WHERE status = ? ORDER BY tenant_id`,
		string(models.CampaignActive))
}

func (s *Store) ActiveCampaigns(ctx context.Context, tenant string) ([]models.Campaign, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, tenant_id, name, status, message_template_id, message_group_id,
		        schedule_start_time, schedule_end_time, daily_send_limit, hourly_send_limit,
		        min_delay_sec, max_delay_sec, created_at
		 FROM campaigns WHERE tenant_id = ? AND status = ? ORDER BY id`,
		tenant, string(models.CampaignActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		var (
			c               models.Campaign
			status          string
			template, group sql.NullInt64
			minSec, maxSec  int64
			createdAt       int64
		)
		err := rows.Scan(&c.ID, &c.Tenant, &c.Name, &status, &template, &group,
			&c.Schedule.Start, &c.Schedule.End, &c.Limits.Daily, &c.Limits.Hourly,
			&minSec, &maxSec, &createdAt)
		if err != nil {
			return nil, storageErr(err, "select")
		}
		c.Status = models.CampaignStatus(status)
		c.MessageTemplateID = idPtr(template)
		c.MessageGroupID = idPtr(group)
		c.Delay = models.DelayBounds{Min: time.Duration(minSec) * time.Second, Max: time.Duration(maxSec) * time.Second}
		c.CreatedAt = fromMillis(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if c.Status == "" {
		c.Status = models.CampaignActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	id, err := s.insert(ctx, s.db,
		`INSERT INTO campaigns (tenant_id, name, status, message_template_id, message_group_id,
		   schedule_start_time, schedule_end_time, daily_send_limit, hourly_send_limit,
		   min_delay_sec, max_delay_sec, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Tenant, c.Name, string(c.Status), nullID(c.MessageTemplateID), nullID(c.MessageGroupID),
		c.Schedule.Start, c.Schedule.End, c.Limits.Daily, c.Limits.Hourly,
		int64(c.Delay.Min/time.Second), int64(c.Delay.Max/time.Second), millis(c.CreatedAt))
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func (s *Store) LinkLeadGroup(ctx context.Context, campaignID, leadGroupID int64) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO campaign_lead_groups (campaign_id, lead_group_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		campaignID, leadGroupID)
	return err
}

// NextCampaignLead copies newly grouped leads into the queue, then returns
// the oldest pending entry.
func (s *Store) NextCampaignLead(ctx context.Context, campaignID int64) (models.CampaignLead, error) {
	var cl models.CampaignLead
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO campaign_leads (campaign_id, lead_id, status, created_at)
			 SELECT c.id, l.id, ?, ?
			 FROM campaigns c
			 JOIN campaign_lead_groups g ON g.campaign_id = c.id
			 JOIN leads l ON l.lead_group_id = g.lead_group_id AND l.tenant_id = c.tenant_id
			 WHERE c.id = ?
			   AND NOT EXISTS (SELECT 1 FROM campaign_leads x WHERE x.campaign_id = c.id AND x.lead_id = l.id)
			 ORDER BY l.id`,
			string(models.LeadPending), millis(s.now()), campaignID)
		if err != nil {
			return err
		}

		var (
			handle  string
			status  string
			sentAt  sql.NullInt64
			created int64
		)
		err = s.row(ctx, tx,
			`SELECT cl.id, cl.campaign_id, cl.lead_id, l.instagram_username, l.first_name, l.last_name,
			        cl.status, cl.sent_at, cl.created_at
			 FROM campaign_leads cl JOIN leads l ON l.id = cl.lead_id
			 WHERE cl.campaign_id = ? AND cl.status = ?
			 ORDER BY cl.created_at, cl.id LIMIT 1`,
			campaignID, string(models.LeadPending)).
			Scan(&cl.ID, &cl.CampaignID, &cl.LeadID, &handle, &cl.FirstName, &cl.LastName, &status, &sentAt, &created)
		if err != nil {
			return storageErr(err, "select")
		}
		cl.Target = models.Handle(handle)
		cl.Status = models.LeadStatus(status)
		cl.SentAt = nullMillis(sentAt)
		cl.CreatedAt = fromMillis(created)
		return nil
	})
	if err != nil {
		return models.CampaignLead{}, err
	}
	return cl, nil
}

// UpdateCampaignLead records the lead's outcome and completes the campaign
// when no pending entries remain.
func (s *Store) UpdateCampaignLead(ctx context.Context, id int64, status models.LeadStatus, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var sentAt sql.NullInt64
		if status == models.LeadSent {
			sentAt = sql.NullInt64{Int64: millis(at), Valid: true}
		}
		res, err := s.exec(ctx, tx,
			`UPDATE campaign_leads SET status = ?, sent_at = COALESCE(?, sent_at) WHERE id = ?`,
			string(status), sentAt, id)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}

		var campaignID int64
		if err := s.row(ctx, tx, `SELECT campaign_id FROM campaign_leads WHERE id = ?`, id).Scan(&campaignID); err != nil {
			return storageErr(err, "select")
		}
		var pending int
		if err := s.row(ctx, tx,
			`SELECT COUNT(1) FROM campaign_leads WHERE campaign_id = ? AND status = ?`,
			campaignID, string(models.LeadPending)).Scan(&pending); err != nil {
			return storageErr(err, "select")
		}
		if pending > 0 {
			return nil
		}
		_, err = s.exec(ctx, tx,
			`UPDATE campaigns SET status = ? WHERE id = ?`, string(models.CampaignCompleted), campaignID)
		return err
	})
}
