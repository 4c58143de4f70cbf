package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igoutreach/pkg/clock"
	"igoutreach/pkg/control"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/models"
	"igoutreach/pkg/store/memstore"
)

const testKey = "secret-key"

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	svc := control.New(st, control.Options{
		Defaults: models.Limits{Daily: 100, Hourly: 20},
		Clock:    clock.NewFake(now),
		Logger:   logger.NewNopLogger(),
	})
	srv := httptest.NewServer(NewServer(svc, testKey, logger.NewNopLogger()))
	t.Cleanup(srv.Close)
	return srv, st
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestHealthNeedsNoKey(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong key", "X-API-Key", "nope", http.StatusUnauthorized},
		{"header", "X-API-Key", testKey, http.StatusOK},
		{"bearer", "Authorization", "Bearer " + testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/tenants/t1/stats", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestPauseAndResume(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	resp, body := do(t, srv, http.MethodPost, "/api/tenants/t1/pause", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["paused"])
	paused, err := st.Paused(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, paused)

	resp, body = do(t, srv, http.MethodPost, "/api/tenants/t1/resume", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["paused"])
	paused, err = st.Paused(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestStartAcceptsEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := do(t, srv, http.MethodPost, "/api/tenants/t1/start", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/tenants/t1/start", `{"limits":{"daily_send_limit":50}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/tenants/t1/start", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsAndSent(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	for _, h := range []string{"a1", "b1", "c1"} {
		require.NoError(t, st.RecordEvent(ctx, &models.SendEvent{
			Tenant: "t1", Target: models.Handle(h), Status: models.StatusSuccess, SentAt: now.Add(-time.Minute),
		}))
	}

	resp, body := do(t, srv, http.MethodGet, "/api/tenants/t1/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(100), body["daily_limit"])
	assert.Equal(t, float64(3), body["last_hour"])

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/tenants/t1/sent?limit=2", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	r, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer r.Body.Close()
	var events []models.SendEvent
	require.NoError(t, json.NewDecoder(r.Body).Decode(&events))
	require.Len(t, events, 2)
	assert.Equal(t, models.Handle("c1"), events[0].Target)
}

func TestScrapeLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, srv, http.MethodPost, "/api/tenants/t1/scrapes", `{"target":"natgeo","max_leads":10}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "followers", body["scrape_type"])
	id := int64(body["id"].(float64))

	resp, body = do(t, srv, http.MethodGet, "/api/tenants/t1/scrapes/latest", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(id), body["id"])

	resp, _ = do(t, srv, http.MethodGet, "/api/tenants/t2/scrapes/"+jsonID(id), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/api/tenants/t1/scrapes/"+jsonID(id)+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = do(t, srv, http.MethodPost, "/api/tenants/t1/scrapes/"+jsonID(id)+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/tenants/t1/scrapes/latest/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScrapeValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/api/tenants/t1/scrapes", `{"target":"explore"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/tenants/t1/scrapes", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/tenants/t1/scrapes/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessagesAndLeads(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/api/tenants/t1/messages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["messages"])

	resp, _ = do(t, srv, http.MethodPost, "/api/tenants/t1/messages", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/api/tenants/t1/messages", `{"messages":["Hey {{first_name}}"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = do(t, srv, http.MethodPost, "/api/tenants/t1/leads", `{"raw":"@alice\nbob\n\n","usernames":["carol"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["added"])

	resp, body = do(t, srv, http.MethodGet, "/api/tenants/t1/leads", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["count"])
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
