// Package api exposes the control surface over HTTP.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"igoutreach/pkg/control"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/store"
)

// maxBody bounds request bodies, lead imports included.
const maxBody = 1 << 20

// Server routes HTTP requests to a control.Service.
type Server struct {
	svc    *control.Service
	apiKey string
	logger logger.Logger
}

// NewServer returns the router. An empty apiKey disables authentication,
// which is only sensible when listening on loopback.
func NewServer(svc *control.Service, apiKey string, log logger.Logger) http.Handler {
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Server{svc: svc, apiKey: apiKey, logger: log.WithField("component", "api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.health)

	r.Route("/api/tenants/{tenant}", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/status", s.status)
		r.Get("/stats", s.stats)
		r.Get("/sent", s.sent)

		r.Post("/start", s.start)
		r.Post("/pause", s.pause)
		r.Post("/resume", s.resume)
		r.Post("/reset-failed", s.resetFailed)
		r.Post("/reset-daily", s.resetDaily)

		r.Post("/scrapes", s.startScrape)
		r.Get("/scrapes/latest", s.latestScrape)
		r.Post("/scrapes/latest/cancel", s.cancelScrape)
		r.Get("/scrapes/{id}", s.scrape)
		r.Post("/scrapes/{id}/cancel", s.cancelScrape)

		r.Get("/messages", s.messages)
		r.Post("/messages", s.addMessages)
		r.Get("/leads", s.leads)
		r.Post("/leads", s.importLeads)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.DebugWithFields("HTTP request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
	})
}

// authenticate accepts the key in X-API-Key or as a bearer token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		provided := r.Header.Get("X-API-Key")
		if provided == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				provided = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if provided == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), tenantOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context(), tenantOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) sent(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	evs, err := s.svc.Recent(r.Context(), tenantOf(r), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var body control.StartOptions
	if !decode(w, r, &body, true) {
		return
	}
	if err := s.svc.Start(r.Context(), tenantOf(r), body); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "paused": false})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Pause(r.Context(), tenantOf(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "paused": true})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Resume(r.Context(), tenantOf(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "paused": false})
}

func (s *Server) resetFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ResetFailed(r.Context(), tenantOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "removed": n})
}

func (s *Server) resetDaily(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResetDaily(r.Context(), tenantOf(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) startScrape(w http.ResponseWriter, r *http.Request) {
	var body control.ScrapeRequest
	if !decode(w, r, &body, false) {
		return
	}
	job, err := s.svc.StartScrape(r.Context(), tenantOf(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) latestScrape(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.LatestScrape(r.Context(), tenantOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.svc.Scrape(r.Context(), tenantOf(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// cancelScrape serves both the latest and the by-id route; the latest
// route has no id parameter.
func (s *Server) cancelScrape(w http.ResponseWriter, r *http.Request) {
	var id int64
	if chi.URLParam(r, "id") != "" {
		var ok bool
		if id, ok = jobID(w, r); !ok {
			return
		}
	}
	job, err := s.svc.CancelScrape(r.Context(), tenantOf(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	texts, err := s.svc.Templates(r.Context(), tenantOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if texts == nil {
		texts = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": texts})
}

func (s *Server) addMessages(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []string `json:"messages"`
	}
	if !decode(w, r, &body, false) {
		return
	}
	n, err := s.svc.AddTemplates(r.Context(), tenantOf(r), body.Messages)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "count": n})
}

func (s *Server) leads(w http.ResponseWriter, r *http.Request) {
	leads, err := s.svc.Leads(r.Context(), tenantOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leads": leads, "count": len(leads)})
}

// importLeads accepts {"usernames": [...]} or {"raw": "one per line"}.
func (s *Server) importLeads(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Usernames   []string `json:"usernames"`
		Raw         string   `json:"raw"`
		LeadGroupID *int64   `json:"lead_group_id"`
	}
	if !decode(w, r, &body, false) {
		return
	}
	names := body.Usernames
	for _, line := range strings.Split(body.Raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	n, err := s.svc.ImportLeads(r.Context(), tenantOf(r), names, body.LeadGroupID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "added": n})
}

// fail maps service errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, control.ErrJobNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errs.TypeOf(err) == errs.ErrorTypeConfig:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.WithError(err).ErrorWithFields("Request failed", map[string]interface{}{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		})
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func tenantOf(r *http.Request) string {
	return chi.URLParam(r, "tenant")
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

// decode reads a JSON body into v. An empty body is accepted when
// optional is set.
func decode(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
