package auth

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/httpx"
)

// API serves the /auth and /tokens endpoint groups.
type API struct {
	svc *Service
}

// NewAPI wraps the service for HTTP mounting.
func NewAPI(svc *Service) *API {
	return &API{svc: svc}
}

// Routes builds the /auth subtree. Login and refresh are public; everything
// else requires a bearer credential, and register additionally requires an
// admin.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", a.handleLogin)
	r.Post("/refresh", a.handleRefresh)
	r.Group(func(r chi.Router) {
		r.Use(Middleware(a.svc))
		r.Post("/logout", a.handleLogout)
		r.Get("/me", a.handleMe)
		r.Post("/password", a.handleChangePassword)
		r.Get("/sessions", a.handleListSessions)
		r.Delete("/sessions/{id}", a.handleRevokeSession)
		r.With(RequireAdmin).Post("/register", a.handleRegister)
	})
	return r
}

// TokenRoutes builds the /tokens subtree, fully authenticated.
func (a *API) TokenRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(Middleware(a.svc))
	r.Post("/", a.handleCreateToken)
	r.Get("/", a.handleListTokens)
	r.Delete("/{id}", a.handleRevokeToken)
	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := a.svc.Login(r.Context(), req.Username, req.Password, r.UserAgent(), remoteAddr(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	if id.Method != MethodSession {
		httpx.WriteError(w, r, errx.New(errx.KindInvalidArgument, "no session to log out"))
		return
	}
	if err := a.svc.Logout(r.Context(), id.UserID, id.SessionID); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	me, err := a.svc.CurrentUser(r.Context(), mustIdentity(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, me)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	id := mustIdentity(r)
	if err := a.svc.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	views, err := a.svc.ListSessions(r.Context(), id.UserID, id.SessionID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string][]SessionView{"sessions": views})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	if err := a.svc.RevokeSessionByID(r.Context(), id.UserID, chi.URLParam(r, "id")); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in RegisterInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	view, err := a.svc.Register(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, view)
}

func (a *API) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var in CreateTokenInput
	if err := httpx.Decode(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	created, err := a.svc.CreateToken(r.Context(), mustIdentity(r).UserID, in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (a *API) handleListTokens(w http.ResponseWriter, r *http.Request) {
	views, err := a.svc.ListTokens(r.Context(), mustIdentity(r).UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string][]TokenView{"tokens": views})
}

func (a *API) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.RevokeToken(r.Context(), mustIdentity(r).UserID, chi.URLParam(r, "id")); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mustIdentity is for handlers mounted behind Middleware, where a missing
// identity is a programming error.
func mustIdentity(r *http.Request) *Identity {
	id := IdentityFrom(r.Context())
	if id == nil {
		panic("auth: handler reached without identity")
	}
	return id
}

func remoteAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
