package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igoutreach/pkg/config"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleBrowsers registers the driver's browser lifecycle endpoints,
// numbering browsers in creation order and recording which were closed.
func handleBrowsers(mux *http.ServeMux) *[]string {
	var (
		mu     sync.Mutex
		n      int
		closed []string
	)
	mux.HandleFunc(BrowsersEndpoint, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n++
		id := fmt.Sprintf("b%d", n)
		mu.Unlock()
		writeJSON(w, http.StatusOK, browserResponse{ID: id})
	})
	mux.HandleFunc(BrowsersEndpoint+"/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		mu.Lock()
		closed = append(closed, strings.TrimPrefix(r.URL.Path, BrowsersEndpoint+"/"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return &closed
}

func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, *logger.TestLogger) {
	t.Helper()
	handleBrowsers(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	log := logger.NewTestLogger()
	cfg := config.DefaultConfig().Browser
	cfg.DriverURL = srv.URL + "/"
	c := NewClient(cfg, log)
	c.readRetry.Sleep = func(context.Context, time.Duration) error { return nil }
	return c, log
}

func TestNewClient(t *testing.T) {
	cfg := config.DefaultConfig().Browser
	cfg.DriverURL = "http://driver:9222/"
	cfg.Timeout = 0

	c := NewClient(cfg, logger.NewNopLogger())
	assert.Equal(t, "http://driver:9222", c.baseURL)
	assert.Equal(t, 90*time.Second, c.httpClient.Timeout)
	assert.Equal(t, "application/json", c.headers["Content-Type"])
	assert.Contains(t, cfg.UserAgents, c.pickUserAgent())
}

func TestSend(t *testing.T) {
	var got sendRequest
	mux := http.NewServeMux()
	mux.HandleFunc(SendEndpoint, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	c, _ := newTestClient(t, mux)

	res, err := c.Send(context.Background(), "jane", "hello")
	require.NoError(t, err)
	assert.Empty(t, res.Reason)
	assert.Equal(t, sendRequest{Target: "jane", Message: "hello"}, got)
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      interface{}
		wantType  errs.ErrorType
		wantRsn   string
		retryable bool
	}{
		{"user not found", http.StatusUnprocessableEntity, errorResponse{Error: "no such user", Reason: models.ReasonUserNotFound}, errs.ErrorTypeStructural, models.ReasonUserNotFound, false},
		{"no compose", http.StatusUnprocessableEntity, errorResponse{Reason: models.ReasonNoCompose}, errs.ErrorTypeStructural, models.ReasonNoCompose, false},
		{"logged out", http.StatusUnauthorized, errorResponse{Error: "login required"}, errs.ErrorTypeSession, models.ReasonSessionExpired, false},
		{"driver crash", http.StatusInternalServerError, errorResponse{Error: "page crashed"}, errs.ErrorTypeTransient, "", true},
		{"throttled", http.StatusTooManyRequests, nil, errs.ErrorTypeTransient, "", true},
		{"bad request", http.StatusBadRequest, errorResponse{Error: "bad"}, errs.ErrorTypeUnknown, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc(SendEndpoint, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			c, _ := newTestClient(t, mux)

			res, err := c.Send(context.Background(), "jane", "hello")
			require.Error(t, err)
			assert.Equal(t, tt.wantType, errs.TypeOf(err))
			assert.Equal(t, tt.retryable, errs.IsRetryable(errs.TypeOf(err)))
			if tt.wantRsn != "" {
				assert.Equal(t, tt.wantRsn, errs.ReasonOf(err))
			}
			if tt.wantType == errs.ErrorTypeStructural {
				assert.Equal(t, tt.wantRsn, res.Reason)
			}
		})
	}
}

func TestSendUnreachableDriver(t *testing.T) {
	cfg := config.DefaultConfig().Browser
	cfg.DriverURL = "http://127.0.0.1:1"
	cfg.Timeout = time.Second
	c := NewClient(cfg, logger.NewNopLogger())

	_, err := c.Send(context.Background(), "jane", "hi")
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeNetwork, errs.TypeOf(err))
}

func TestSendCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(SendEndpoint, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	c, _ := newTestClient(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Send(ctx, "jane", "hi")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUseSessionSendsEmulation(t *testing.T) {
	var got sessionRequest
	mux := http.NewServeMux()
	mux.HandleFunc(SessionEndpoint, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, activeResponse{Active: true})
	})
	c, _ := newTestClient(t, mux)

	cookies := []models.Cookie{{Name: "sessionid", Value: "abc", Domain: ".instagram.com"}}
	ok, err := c.UseSession(context.Background(), cookies)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cookies, got.Cookies)
	require.NotNil(t, got.Viewport)
	assert.Equal(t, Viewport{Width: 390, Height: 844, Touch: true}, *got.Viewport)
	assert.NotEmpty(t, got.UserAgent)
	assert.True(t, got.Headless)
}

func TestUseSessionLoginRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(SessionEndpoint, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "redirected to login"})
	})
	c, _ := newTestClient(t, mux)

	ok, err := c.UseSession(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckSessionRetriesTransientFailures(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc(CheckEndpoint, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "starting"})
			return
		}
		writeJSON(w, http.StatusOK, activeResponse{Active: true})
	})
	c, _ := newTestClient(t, mux)

	ok, err := c.CheckSession(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(LoginEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var creds Credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		if creds.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "bad password"})
			return
		}
		writeJSON(w, http.StatusOK, cookiesResponse{Cookies: []models.Cookie{{Name: "sessionid", Value: "xyz"}}})
	})
	c, _ := newTestClient(t, mux)

	cookies, err := c.Login(context.Background(), Credentials{Username: "me", Password: "secret"})
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "xyz", cookies[0].Value)

	_, err = c.Login(context.Background(), Credentials{Username: "me", Password: "wrong"})
	assert.Equal(t, errs.ErrorTypeSession, errs.TypeOf(err))
}

func TestScrapeSteps(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(FollowersEndpoint, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, followersResponse{FollowerCount: 1234})
	})
	mux.HandleFunc(PostEndpoint, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, postResponse{HTML: `<header><a href="/poster/">poster</a></header>`})
	})
	mux.HandleFunc(DialogEndpoint, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, dialogResponse{HTML: dialogHTML})
	})
	mux.HandleFunc(ScrollEndpoint, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, scrollResponse{Scrolled: false})
	})
	mux.HandleFunc(WarmUpEndpoint, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.WarmUp(ctx))

	n, err := c.OpenFollowers(ctx, "target")
	require.NoError(t, err)
	assert.Equal(t, 1234, n)

	author, err := c.OpenPost(ctx, GetPostURL("Cx1"))
	require.NoError(t, err)
	assert.Equal(t, models.Handle("poster"), author)

	handles, err := c.ExtractBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Handle{"alice", "bob.smith", "carol_1"}, handles)

	more, err := c.Scroll(ctx)
	require.NoError(t, err)
	assert.False(t, more)
}

func TestMalformedResponseIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(FollowersEndpoint, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>not json</html>"))
	})
	c, log := newTestClient(t, mux)

	_, err := c.OpenFollowers(context.Background(), "target")
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeTransient, errs.TypeOf(err))
	assert.True(t, log.HasMessage("failed to parse driver response"))
}

func TestRequestLogging(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(WarmUpEndpoint, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "igoutreach/")
		w.WriteHeader(http.StatusOK)
	})
	c, log := newTestClient(t, mux)

	require.NoError(t, c.WarmUp(context.Background()))
	assert.True(t, log.HasMessage("sending driver request"))
	assert.True(t, log.HasMessage("driver request completed"))
}

func TestClientsUseSeparateBrowsers(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	mux := http.NewServeMux()
	closed := handleBrowsers(mux)
	mux.HandleFunc(SendEndpoint, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get(BrowserHeader))
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig().Browser
	cfg.DriverURL = srv.URL
	sendLoop := NewClient(cfg, logger.NewNopLogger())
	worker := NewClient(cfg, logger.NewNopLogger())

	ctx := context.Background()
	require.NoError(t, sendLoop.Open(ctx))
	_, err := worker.Send(ctx, "jane", "from worker")
	require.NoError(t, err)
	_, err = sendLoop.Send(ctx, "john", "from loop")
	require.NoError(t, err)
	_, err = worker.Send(ctx, "jill", "again")
	require.NoError(t, err)

	assert.Equal(t, "b1", sendLoop.BrowserID())
	assert.Equal(t, "b2", worker.BrowserID())
	assert.Equal(t, []string{"b2", "b1", "b2"}, seen)

	require.NoError(t, worker.Close())
	require.NoError(t, sendLoop.Close())
	assert.Equal(t, []string{"b2", "b1"}, *closed)
	assert.Empty(t, worker.BrowserID())
}

func TestCloseWithoutBrowserIsNoop(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})
	c, _ := newTestClient(t, mux)

	require.NoError(t, c.Close())
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestOpenFailsWithoutBrowserID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(BrowsersEndpoint, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, browserResponse{})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig().Browser
	cfg.DriverURL = srv.URL
	c := NewClient(cfg, logger.NewNopLogger())

	err := c.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(errs.TypeOf(err)))
	assert.Empty(t, c.BrowserID())
}
