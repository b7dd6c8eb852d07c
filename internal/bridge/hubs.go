package bridge

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hubmcp/hubbridge/internal/httpx"
	"github.com/hubmcp/hubbridge/internal/hub"
)

func (s *Server) hubRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", s.handleHubList)
	r.Post("/", s.handleHubCreate)
	r.Put("/{id}", s.handleHubUpdate)
	r.Delete("/{id}", s.handleHubDelete)
	r.Post("/{id}/probe", s.handleHubProbe)
	r.Post("/{id}/default", s.handleHubSetDefault)
	return r
}

func (s *Server) handleHubList(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	hubs, err := s.hubs.List(r.Context(), id.UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	views := make([]hub.View, 0, len(hubs))
	for _, h := range hubs {
		views = append(views, hub.NewView(h))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"hubs": views})
}

func (s *Server) handleHubCreate(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	var in hub.Input
	if err := httpx.Decode(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	h, err := s.hubs.Create(r.Context(), id.UserID, in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	s.log.Info().Int64("user_id", id.UserID).Str("hub_id", h.ID).Str("name", h.Name).Msg("hub config created")
	httpx.WriteJSON(w, http.StatusCreated, hub.NewView(h))
}

// handleHubUpdate rewrites the config and resets the hub's runtime state:
// pooled sessions dialed with the old URL or token are useless afterwards,
// and the old breaker history no longer describes the endpoint.
func (s *Server) handleHubUpdate(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	hubID := chi.URLParam(r, "id")
	var in hub.Input
	if err := httpx.Decode(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	h, err := s.hubs.Update(r.Context(), id.UserID, hubID, in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	s.dropHubRuntime(r.Context(), hubID)
	s.log.Info().Int64("user_id", id.UserID).Str("hub_id", hubID).Msg("hub config updated")
	httpx.WriteJSON(w, http.StatusOK, hub.NewView(h))
}

func (s *Server) handleHubDelete(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	hubID := chi.URLParam(r, "id")
	if err := s.hubs.Delete(r.Context(), id.UserID, hubID); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	s.dropHubRuntime(r.Context(), hubID)
	s.log.Info().Int64("user_id", id.UserID).Str("hub_id", hubID).Msg("hub config deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHubProbe(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	hubID := chi.URLParam(r, "id")
	res, err := s.hubs.Probe(r.Context(), id.UserID, hubID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleHubSetDefault(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	hubID := chi.URLParam(r, "id")
	if err := s.hubs.SetDefault(r.Context(), id.UserID, hubID); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	h, err := s.hubs.Get(r.Context(), id.UserID, hubID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	s.log.Info().Int64("user_id", id.UserID).Str("hub_id", hubID).Msg("default hub changed")
	httpx.WriteJSON(w, http.StatusOK, hub.NewView(h))
}

// dropHubRuntime tears down the pool and breaker for a hub whose config
// changed or disappeared. Both are rebuilt lazily on the next call.
func (s *Server) dropHubRuntime(ctx context.Context, hubID string) {
	if err := s.pools.Drop(ctx, hubID); err != nil {
		s.log.Warn().Err(err).Str("hub_id", hubID).Msg("failed to drop session pool")
	}
	s.breakers.Remove(hubID)
}
