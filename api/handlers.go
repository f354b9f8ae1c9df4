package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/metrics"
	"leadpilot/models"
	"leadpilot/progress"
	"leadpilot/scraper"
	"leadpilot/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	defaultUsageDays = 30
)

type runRequest struct {
	Locations       []string               `json:"locations"`
	PropertyTypes   []string               `json:"propertyTypes"`
	PriceMin        *float64               `json:"priceMin"`
	PriceMax        *float64               `json:"priceMax"`
	BedroomsMin     int                    `json:"bedroomsMin"`
	BedroomsMax     int                    `json:"bedroomsMax"`
	AreaMin         int                    `json:"areaMin"`
	AreaMax         int                    `json:"areaMax"`
	TransactionType models.TransactionType `json:"transactionType"`
	Sources         []string               `json:"sources"`
}

func (r runRequest) toRunRequest() (scraper.RunRequest, error) {
	if r.PriceMin != nil && r.PriceMax != nil && *r.PriceMin > *r.PriceMax {
		return scraper.RunRequest{}, eris.New("priceMin must not exceed priceMax")
	}
	if r.BedroomsMax > 0 && r.BedroomsMin > r.BedroomsMax {
		return scraper.RunRequest{}, eris.New("bedroomsMin must not exceed bedroomsMax")
	}
	switch r.TransactionType {
	case "", models.TransactionSale, models.TransactionRent:
	default:
		return scraper.RunRequest{}, eris.New("transactionType must be sale or rent")
	}
	return scraper.RunRequest{
		Filters: models.SearchFilters{
			Locations:       r.Locations,
			PropertyTypes:   r.PropertyTypes,
			PriceMin:        r.PriceMin,
			PriceMax:        r.PriceMax,
			BedroomsMin:     r.BedroomsMin,
			BedroomsMax:     r.BedroomsMax,
			AreaMin:         r.AreaMin,
			AreaMax:         r.AreaMax,
			TransactionType: r.TransactionType,
		},
		Sources: r.Sources,
		Trigger: scraper.TriggerManual,
	}, nil
}

type runResponse struct {
	RunID            uuid.UUID              `json:"runId"`
	TotalFound       int                    `json:"totalFound"`
	Results          []models.SourceOutcome `json:"results"`
	LeadsCreated     int                    `json:"leadsCreated"`
	Leads            []models.Lead          `json:"leads"`
	SourcesAllFailed bool                   `json:"sourcesAllFailed"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRun runs a search synchronously and returns the summary.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())

	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req, err := body.toRunRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := s.orchestrator.Run(r.Context(), sess, req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		RunID:            summary.RunID,
		TotalFound:       summary.TotalFound,
		Results:          summary.Results,
		LeadsCreated:     summary.LeadsCreated,
		Leads:            summary.Leads,
		SourcesAllFailed: summary.SourcesAllFailed,
	})
}

// handleRunStream starts a run and forwards its events as server-sent events.
// Errors detected before the run starts are plain JSON responses.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())

	body, err := runRequestFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.toRunRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.orchestrator.RunSearch(r.Context(), sess, req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	metrics.StreamOpened()
	defer metrics.StreamClosed()

	err = progress.NewSSEWriter(w, sess, s.logger).Stream(r.Context(), events)
	if err != nil {
		s.logger.Info("api: stream detached before run finished", zap.String("customer_id", sess.CustomerID), zap.Error(err))
	}
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, scraper.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case eris.Is(err, scraper.ErrNoSources):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("api: run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run failed")
	}
}

func runRequestFromQuery(r *http.Request) (runRequest, error) {
	q := r.URL.Query()
	body := runRequest{
		Locations:       queryList(q["locations"]),
		PropertyTypes:   queryList(q["propertyTypes"]),
		Sources:         queryList(q["sources"]),
		TransactionType: models.TransactionType(q.Get("transactionType")),
	}

	for _, p := range []struct {
		key string
		dst **float64
	}{{"priceMin", &body.PriceMin}, {"priceMax", &body.PriceMax}} {
		if v := q.Get(p.key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return runRequest{}, eris.Errorf("%s must be a number", p.key)
			}
			*p.dst = &f
		}
	}
	for _, p := range []struct {
		key string
		dst *int
	}{
		{"bedroomsMin", &body.BedroomsMin}, {"bedroomsMax", &body.BedroomsMax},
		{"areaMin", &body.AreaMin}, {"areaMax", &body.AreaMax},
	} {
		if v := q.Get(p.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return runRequest{}, eris.Errorf("%s must be an integer", p.key)
			}
			*p.dst = n
		}
	}
	return body, nil
}

// queryList accepts both repeated parameters and comma-separated values.
func queryList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())
	runs, err := s.store.ListRuns(r.Context(), sess.CustomerID, listLimit(r))
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []models.SearchRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) loadSettings(ctx context.Context, customerID string) (*models.AutomationSettings, error) {
	st, err := s.store.GetSettings(ctx, customerID)
	if eris.Is(err, storage.ErrNotFound) {
		return models.DefaultSettings(customerID), nil
	}
	return st, err
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())
	st, err := s.loadSettings(r.Context(), sess.CustomerID)
	if err != nil {
		s.internalError(w, "load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handlePutSettings applies the body over the stored settings, so omitted fields keep their values.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())
	st, err := s.loadSettings(r.Context(), sess.CustomerID)
	if err != nil {
		s.internalError(w, "load settings", err)
		return
	}

	if err := json.NewDecoder(r.Body).Decode(st); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	st.CustomerID = sess.CustomerID
	if st.MessageMode == "" {
		st.MessageMode = models.MessageModeTemplate
	}
	if err := st.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	known := make(map[string]bool)
	for _, id := range s.orchestrator.SourceIDs() {
		known[id] = true
	}
	for id := range st.Sources {
		if !known[id] {
			writeError(w, http.StatusBadRequest, "unknown source "+id)
			return
		}
	}

	if err := s.store.SaveSettings(r.Context(), st); err != nil {
		s.internalError(w, "save settings", err)
		return
	}
	if s.followUps != nil {
		if err := s.followUps.Sync(r.Context()); err != nil {
			s.logger.Error("api: scheduler sync after settings change failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())

	since := time.Now().UTC().AddDate(0, 0, -defaultUsageDays)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = t
	}

	sum, err := s.usage.Summary(r.Context(), sess.CustomerID, since)
	if err != nil {
		s.internalError(w, "usage summary", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since":      since,
		"operations": sum,
	})
}

func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())
	leads, err := s.store.ListLeads(r.Context(), sess.CustomerID, listLimit(r))
	if err != nil {
		s.internalError(w, "list leads", err)
		return
	}
	if leads == nil {
		leads = []models.Lead{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leads": leads})
}

// handleLeadStatus moves a lead through its lifecycle. Leaving "new" cancels pending follow-ups.
func (s *Server) handleLeadStatus(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFrom(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return
	}

	var body struct {
		Status models.LeadStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if !body.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(body.Status))
		return
	}

	err = s.store.UpdateLeadStatus(r.Context(), sess.CustomerID, id, body.Status)
	if eris.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}
	if err != nil {
		s.internalError(w, "update lead status", err)
		return
	}

	cancelled := 0
	if !body.Status.NeedsContact() && s.followUps != nil {
		cancelled, err = s.followUps.CancelFollowUps(r.Context(), id)
		if err != nil {
			s.internalError(w, "cancel follow-ups", err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":                 id,
		"status":             body.Status,
		"cancelledFollowUps": cancelled,
	})
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("api: "+op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
