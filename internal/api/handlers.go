package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wesm/sheetvault/internal/blobstore"
	"github.com/wesm/sheetvault/internal/credential"
	"github.com/wesm/sheetvault/internal/oauth"
	"github.com/wesm/sheetvault/internal/scheduler"
	"github.com/wesm/sheetvault/internal/store"
)

// StatsResponse represents the database statistics.
type StatsResponse struct {
	TotalAccounts int64 `json:"total_accounts"`
	TotalFiles    int64 `json:"total_files"`
	TotalBytes    int64 `json:"total_bytes"`
	TotalRuns     int64 `json:"total_sync_runs"`
	DatabaseSize  int64 `json:"database_size_bytes"`
}

// AccountInfo represents an account in list responses.
type AccountInfo struct {
	Email      string `json:"email"`
	Unattended bool   `json:"unattended"`
	LastResult string `json:"last_result,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Watermark  string `json:"watermark,omitempty"`
}

// FileInfo is one stored attachment in list responses.
type FileInfo struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	IngestedAt string `json:"ingested_at"`
	Size       int64  `json:"size"`
}

// DashboardResponse is the signed-in user's view.
type DashboardResponse struct {
	Email string     `json:"email"`
	Files []FileInfo `json:"files"`
}

// SchedulerStatusResponse represents scheduler status.
type SchedulerStatusResponse = scheduler.Status

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service":   "sheetvault",
		"authorize": "/authorize",
		"dashboard": "/dashboard",
	})
}

// handleAuthorize starts the consent flow.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth_unavailable", "OAuth client secrets not configured")
		return
	}
	state, err := oauth.NewState()
	if err != nil {
		s.logger.Error("failed to generate oauth state", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to start authorization")
		return
	}
	s.sessions.setState(w, state)
	http.Redirect(w, r, s.deps.OAuth.AuthURL(state), http.StatusFound)
}

// handleCallback completes the consent flow, stores the credential and
// signs the user in.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth_unavailable", "OAuth client secrets not configured")
		return
	}
	q := r.URL.Query()
	if !s.sessions.checkState(w, r, q.Get("state")) {
		writeError(w, http.StatusBadRequest, "invalid_state", "Session state missing or mismatched. Try logging in again.")
		return
	}
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, "authorization_denied", e)
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing_code", "Authorization code is required")
		return
	}

	rec, err := s.deps.OAuth.Complete(r.Context(), code)
	if err != nil {
		var incomplete *oauth.IncompleteError
		if errors.As(err, &incomplete) {
			s.logger.Warn("rejected incomplete credential", "email", incomplete.Identity, "missing", incomplete.Missing)
			writeError(w, http.StatusBadRequest, "incomplete_credentials", err.Error())
			return
		}
		s.logger.Error("oauth callback failed", "error", err)
		writeError(w, http.StatusBadGateway, "exchange_failed", "Failed to complete authorization")
		return
	}

	if err := s.sessions.issue(w, rec.Identity); err != nil {
		s.logger.Error("failed to issue session", "email", rec.Identity, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to sign in")
		return
	}
	s.logger.Info("account authorized", "email", rec.Identity)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// handleDashboard lists the signed-in user's files.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	identity, err := s.sessions.identity(r)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, DashboardResponse{
		Email: identity,
		Files: s.listFiles(r, identity),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.clear(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// listFiles degrades to an empty list when the store is unavailable.
func (s *Server) listFiles(r *http.Request, identity string) []FileInfo {
	files := []FileInfo{}
	if s.deps.Files == nil {
		return files
	}
	objs, err := s.deps.Files.List(r.Context(), identity)
	if err != nil {
		s.logger.Warn("failed to list files", "email", identity, "error", err)
		return files
	}
	for _, o := range objs {
		files = append(files, fileInfo(o))
	}
	return files
}

func fileInfo(o blobstore.StoredObject) FileInfo {
	return FileInfo{
		Name:       o.Filename,
		URL:        o.URL,
		IngestedAt: o.IngestedAt.UTC().Format(time.RFC3339),
		Size:       o.Size,
	}
}

// handleListFiles returns an account's stored files.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing_account", "Account email is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"email": credential.Canonical(email),
		"files": s.listFiles(r, email),
	})
}

// handleStats returns database statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Database not available")
		return
	}
	stats, err := s.deps.Stats.GetStats(r.Context())
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		TotalAccounts: stats.Accounts,
		TotalFiles:    stats.IngestedObjects,
		TotalBytes:    stats.IngestedBytes,
		TotalRuns:     stats.SyncRuns,
		DatabaseSize:  stats.DatabaseSize,
	})
}

// handleListAccounts returns every stored identity with its last sync
// outcome.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Credential store not available")
		return
	}
	records, err := s.deps.Accounts.ListAll(r.Context())
	if err != nil {
		s.logger.Error("failed to list accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve accounts")
		return
	}

	statuses := make(map[string]scheduler.AccountStatus)
	if s.deps.Scheduler != nil {
		for _, st := range s.deps.Scheduler.Status().Accounts {
			statuses[credential.Canonical(st.Email)] = st
		}
	}

	accounts := make([]AccountInfo, 0, len(records))
	for _, rec := range records {
		info := AccountInfo{
			Email:      rec.Identity,
			Unattended: rec.Unattended(),
		}
		if st, ok := statuses[credential.Canonical(rec.Identity)]; ok {
			info.LastResult = st.Result
			info.LastError = st.LastError
			if !st.Watermark.IsZero() {
				info.Watermark = st.Watermark.UTC().Format(time.RFC3339)
			}
		}
		accounts = append(accounts, info)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
	})
}

// handleListRuns returns the most recent sync runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Database not available")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	runs, err := s.deps.Runs.RecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list sync runs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve sync runs")
		return
	}
	if runs == nil {
		runs = []store.SyncRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}

// handleTriggerSync starts a sweep in the background.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Scheduler not running")
		return
	}
	id, err := s.deps.Scheduler.Trigger()
	switch {
	case errors.Is(err, scheduler.ErrSweepRunning):
		writeError(w, http.StatusConflict, "sweep_running", err.Error())
		return
	case err != nil:
		s.logger.Error("failed to trigger sweep", "error", err)
		writeError(w, http.StatusServiceUnavailable, "sync_error", err.Error())
		return
	}

	s.logger.Info("sweep triggered via API", "sweep", id)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"sweep":  id,
	})
}

// handleSchedulerStatus returns the scheduler status.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}
