package sqlstore

import (
	"context"
	"database/sql"

	"igoutreach/pkg/models"
)

// UpsertLeads inserts unseen handles in one transaction. Existing leads
// are re-tagged when a group is given.
func (s *Store) UpsertLeads(ctx context.Context, tenant string, handles []models.Handle, source string, groupID *int64) (int, error) {
	added := 0
	now := millis(s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, h := range handles {
			h = models.Normalize(string(h))
			if h == "" {
				continue
			}
			res, err := s.exec(ctx, tx,
				`INSERT INTO leads (tenant_id, instagram_username, source, lead_group_id, added_at)
				 VALUES (?, ?, ?, ?, ?) ON CONFLICT (tenant_id, instagram_username) DO NOTHING`,
				tenant, string(h), source, nullID(groupID), now)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added++
				continue
			}
			if groupID != nil {
				if _, err := s.exec(ctx, tx,
					`UPDATE leads SET lead_group_id = ?, source = ? WHERE tenant_id = ? AND instagram_username = ?`,
					*groupID, source, tenant, string(h)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return added, err
}

func (s *Store) Leads(ctx context.Context, tenant string) ([]models.Lead, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, tenant_id, instagram_username, first_name, last_name, source, lead_group_id, added_at
		 FROM leads WHERE tenant_id = ? ORDER BY id`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Lead
	for rows.Next() {
		var (
			l       models.Lead
			handle  string
			group   sql.NullInt64
			addedAt int64
		)
		if err := rows.Scan(&l.ID, &l.Tenant, &handle, &l.FirstName, &l.LastName, &l.Source, &group, &addedAt); err != nil {
			return nil, storageErr(err, "select")
		}
		l.Handle = models.Handle(handle)
		l.LeadGroupID = idPtr(group)
		l.AddedAt = fromMillis(addedAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) ConversationParticipants(ctx context.Context, tenant string) (map[models.Handle]struct{}, error) {
	names, err := s.texts(ctx,
		`SELECT participant_username FROM conversations WHERE tenant_id = ?`, tenant)
	if err != nil {
		return nil, err
	}
	out := make(map[models.Handle]struct{}, len(names))
	for _, n := range names {
		out[models.Normalize(n)] = struct{}{}
	}
	return out, nil
}

func (s *Store) AddConversationParticipant(ctx context.Context, tenant string, h models.Handle) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO conversations (tenant_id, participant_username) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		tenant, string(models.Normalize(string(h))))
	return err
}
