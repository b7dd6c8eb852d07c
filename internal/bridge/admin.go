package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hubmcp/hubbridge/internal/auth"
	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/httpx"
	"github.com/hubmcp/hubbridge/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// permissionBody is the wire shape for permission rows on the admin API.
type permissionBody struct {
	CanRead    bool `json:"can_read"`
	CanWrite   bool `json:"can_write"`
	CanExecute bool `json:"can_execute"`
	Enabled    bool `json:"enabled"`
}

func (p permissionBody) toStore() store.Permission {
	return store.Permission{CanRead: p.CanRead, CanWrite: p.CanWrite, CanExecute: p.CanExecute, Enabled: p.Enabled}
}

func permissionView(p store.Permission) permissionBody {
	return permissionBody{CanRead: p.CanRead, CanWrite: p.CanWrite, CanExecute: p.CanExecute, Enabled: p.Enabled}
}

type requestView struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	UserID      int64      `json:"user_id"`
	Tool        string     `json:"tool"`
	Priority    string     `json:"priority"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	QueueWaitMS *int64     `json:"queue_wait_ms,omitempty"`
	ExecMS      *int64     `json:"exec_ms,omitempty"`
	Status      string     `json:"status"`
	ErrorCode   string     `json:"error_code,omitempty"`
}

type logView struct {
	ID       int64           `json:"id"`
	Level    string          `json:"level"`
	Category string          `json:"category"`
	Message  string          `json:"message"`
	Fields   json.RawMessage `json:"fields,omitempty"`
	TS       time.Time       `json:"ts"`
}

func (s *Server) adminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", s.handleAdminStats)
	r.Get("/metrics", s.handleAdminMetrics)
	r.Post("/cleanup", s.handleAdminCleanup)
	r.Post("/logs/rotate", s.handleAdminLogRotate)
	r.Get("/logs", s.handleAdminLogs)
	r.Get("/requests", s.handleAdminRequests)
	r.Get("/users", s.handleAdminUsers)
	r.Route("/permissions", func(r chi.Router) {
		r.Get("/defaults", s.handleAdminDefaultPermissions)
		r.Put("/defaults/{tool}", s.handleAdminSetDefaultPermission)
		r.Get("/{user}/{tool}", s.handleAdminGetPermission)
		r.Put("/{user}/{tool}", s.handleAdminSetPermission)
		r.Delete("/{user}/{tool}", s.handleAdminDeletePermission)
	})
	return r
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tables, err := s.store.TableCounts(ctx)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	byStatus, err := s.store.RequestStats(ctx)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"version":            s.version,
		"uptime_seconds":     int64(s.clock.Since(s.startedAt).Seconds()),
		"tables":             tables,
		"requests_by_status": byStatus,
		"recorder_dropped":   s.rec.Dropped(),
	})
}

// handleAdminMetrics is the JSON runtime snapshot; the Prometheus exposition
// lives on /metrics.
func (s *Server) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"queue": queueStatus{
			Depth:    s.queue.Depth(),
			ByClass:  s.queue.DepthByClass(),
			Capacity: s.cfg.Queue.Capacity,
		},
		"pools":           s.pools.Snapshots(),
		"breakers":        s.breakers.Snapshots(),
		"cache":           cacheStatus{Entries: s.cache.Len(), Capacity: s.cfg.Cache.Capacity},
		"client_sessions": s.sessions.Len(),
	})
}

func (s *Server) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.clock.Now().UTC()
	horizon := now.AddDate(0, 0, -s.cfg.RetentionDays)

	counts, err := s.store.SweepExpired(ctx, now, horizon)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := s.store.Compact(ctx); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	s.log.Info().
		Int64("sessions", counts.Sessions).
		Int64("requests", counts.Requests).
		Int64("errors", counts.Errors).
		Int64("logs", counts.Logs).
		Time("horizon", horizon).
		Msg("retention sweep completed")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"removed":   counts,
		"horizon":   horizon,
		"compacted": true,
	})
}

func (s *Server) handleAdminLogRotate(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		httpx.WriteError(w, r, errx.New(errx.KindConflict, "file logging is not enabled"))
		return
	}
	archived, err := s.files.Rotate()
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	s.log.Info().Str("archived", archived).Msg("log file rotated")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"archived": archived})
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.RecentLogs(r.Context(), store.LogFilter{
		Level:    r.URL.Query().Get("level"),
		Category: r.URL.Query().Get("category"),
		Limit:    listLimit(r),
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	views := make([]logView, 0, len(entries))
	for _, e := range entries {
		v := logView{ID: e.ID, Level: e.Level, Category: e.Category, Message: e.Message, TS: e.TS}
		if e.FieldsJSON != "" {
			v.Fields = json.RawMessage(e.FieldsJSON)
		}
		views = append(views, v)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"logs": views})
}

func (s *Server) handleAdminRequests(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.RecentRequests(r.Context(), listLimit(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	views := make([]requestView, 0, len(records))
	for _, rec := range records {
		views = append(views, requestView{
			ID:          rec.ID,
			SessionID:   rec.SessionID,
			UserID:      rec.UserID,
			Tool:        rec.ToolName,
			Priority:    rec.Priority,
			EnqueuedAt:  rec.EnqueuedAt,
			StartedAt:   rec.StartedAt,
			FinishedAt:  rec.FinishedAt,
			QueueWaitMS: rec.QueueWaitMS,
			ExecMS:      rec.ExecMS,
			Status:      rec.Status,
			ErrorCode:   rec.ErrorCode,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"requests": views})
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	views := make([]auth.UserView, 0, len(users))
	for _, u := range users {
		views = append(views, auth.NewUserView(u))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"users": views})
}

func (s *Server) handleAdminDefaultPermissions(w http.ResponseWriter, r *http.Request) {
	defaults, err := s.store.ListDefaultToolPermissions(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	views := make(map[string]permissionBody, len(defaults))
	for tool, p := range defaults {
		views[tool] = permissionView(p)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"defaults": views})
}

func (s *Server) handleAdminSetDefaultPermission(w http.ResponseWriter, r *http.Request) {
	tool, err := s.toolParam(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var body permissionBody
	if err := httpx.Decode(r, &body); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := s.store.SetDefaultToolPermission(r.Context(), tool, body.toStore()); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	s.log.Info().Str("tool", tool).Msg("default tool permission updated")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"tool": tool, "permission": body})
}

// handleAdminGetPermission reports the user's effective permission alongside
// the explicit override, if any, so an operator can see where the answer
// comes from.
func (s *Server) handleAdminGetPermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, tool, err := s.permissionParams(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	effective, err := s.store.EffectivePermission(ctx, userID, tool)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp := map[string]any{
		"user_id":   userID,
		"tool":      tool,
		"effective": permissionView(effective),
	}
	if override, oerr := s.store.ToolPermission(ctx, userID, tool); oerr == nil {
		resp["override"] = permissionView(override)
	} else if !errors.Is(oerr, store.ErrNotFound) {
		httpx.WriteError(w, r, oerr)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminSetPermission(w http.ResponseWriter, r *http.Request) {
	userID, tool, err := s.permissionParams(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var body permissionBody
	if err := httpx.Decode(r, &body); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := s.store.SetToolPermission(r.Context(), userID, tool, body.toStore()); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	s.log.Info().Int64("user_id", userID).Str("tool", tool).Msg("tool permission updated")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user_id": userID, "tool": tool, "permission": body})
}

func (s *Server) handleAdminDeletePermission(w http.ResponseWriter, r *http.Request) {
	userID, tool, err := s.permissionParams(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := s.store.DeleteToolPermission(r.Context(), userID, tool); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = errx.New(errx.KindNotFound, "no permission override for this user and tool")
		}
		httpx.WriteError(w, r, err)
		return
	}
	s.log.Info().Int64("user_id", userID).Str("tool", tool).Msg("tool permission override removed")
	w.WriteHeader(http.StatusNoContent)
}

// permissionParams resolves and validates the {user}/{tool} pair.
func (s *Server) permissionParams(r *http.Request) (int64, string, error) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "user"), 10, 64)
	if err != nil {
		return 0, "", errx.New(errx.KindInvalidArgument, "user id must be numeric")
	}
	if _, err := s.store.UserByID(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, "", errx.New(errx.KindNotFound, "user not found")
		}
		return 0, "", err
	}
	tool, err := s.toolParam(r)
	if err != nil {
		return 0, "", err
	}
	return userID, tool, nil
}

func (s *Server) toolParam(r *http.Request) (string, error) {
	tool := chi.URLParam(r, "tool")
	if _, ok := s.registry.Lookup(tool); !ok {
		return "", errx.Newf(errx.KindNotFound, "unknown tool: %s", tool)
	}
	return tool, nil
}

func listLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
