package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igoutreach/pkg/config"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/store"
	"igoutreach/pkg/store/storetest"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "outreach.db")}
	s, err := Open(context.Background(), cfg, logger.NewNopLogger())
	require.NoError(t, err)
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openSQLite(t)
	})
}

// Set IGOUTREACH_TEST_POSTGRES to a DSN pointing at a disposable database
// to run the suite against PostgreSQL.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("IGOUTREACH_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("IGOUTREACH_TEST_POSTGRES not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(context.Background(), config.StoreConfig{Driver: "postgres", DSN: dsn}, logger.NewNopLogger())
		require.NoError(t, err)
		for _, table := range []string{
			"sent_messages", "daily_stats", "control", "tenant_settings", "message_templates",
			"message_group_messages", "instagram_sessions", "campaign_sessions", "scraper_daily_usage",
			"leads", "conversations", "campaigns", "campaign_lead_groups", "campaign_leads", "scrape_jobs",
		} {
			_, err := s.db.Exec("TRUNCATE " + table + " RESTART IDENTITY")
			require.NoError(t, err)
		}
		return s
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openSQLite(t)
	defer s.Close()

	v1, err := s.Migrate()
	require.NoError(t, err)
	v2, err := s.Migrate()
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, uint(1), v2)
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &Store{dialect: SQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "mysql"}, logger.NewNopLogger())
	assert.Error(t, err)
}

func TestMemoryDriver(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{Driver: "memory"}, logger.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetPaused(ctx, "t1", true))
	paused, err := s.Paused(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, paused)
}
