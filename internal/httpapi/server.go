package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sHx2604/relay/internal/auth"
	"github.com/sHx2604/relay/internal/realtime"
	"github.com/sHx2604/relay/internal/relays"
	apperr "github.com/sHx2604/relay/pkg/errors"
)

type Options struct {
	CORSOrigins []string
	// StaticDir, when set, is served for every path the API does not own.
	StaticDir  string
	Middleware []func(http.Handler) http.Handler
}

type Server struct {
	svc      *relays.Service
	sessions *auth.Sessions
	hub      *realtime.Hub
	opts     Options
}

func NewServer(svc *relays.Service, sessions *auth.Sessions, hub *realtime.Hub, opts Options) *Server {
	return &Server{svc: svc, sessions: sessions, hub: hub, opts: opts}
}

func (s *Server) Register(mux *http.ServeMux) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	for _, mw := range s.opts.Middleware {
		r.Use(mw)
	}

	if s.hub != nil {
		r.Get("/ws", s.hub.Handler(s.svc).ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/relays", s.handleRelays)
			r.Put("/relays/{index}/name", s.handleRenameRelay)
			r.Post("/control", s.handleControl)
			r.Get("/timers", s.handleTimers)
			r.Post("/timer", s.handleSetTimer)
			r.Delete("/timer/{id}", s.handleCancelTimer)
			r.Get("/status", s.handleStatus)
		})
	})

	if dir := strings.TrimSpace(s.opts.StaticDir); dir != "" {
		r.NotFound(staticHandler(dir).ServeHTTP)
	}

	mux.Handle("/", r)
}

// staticHandler serves files from dir and falls back to index.html for unknown
// non-API paths.
func staticHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		p := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if st, err := os.Stat(p); err != nil || st.IsDir() {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
			return
		}
		files.ServeHTTP(w, r)
	})
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.sessions.Parse(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		// A token can outlive its user; only existing users reach the broker.
		if err := s.svc.Authorize(r.Context(), user); err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			apperr.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type success struct {
	Success bool `json:"success"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.Register(r.Context(), body.Username, body.Password); err != nil {
		apperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, success{Success: true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	username := strings.TrimSpace(body.Username)
	if err := s.svc.Login(r.Context(), username, body.Password); err != nil {
		apperr.WriteError(w, err)
		return
	}
	token, err := s.sessions.Issue(username)
	if err != nil {
		apperr.WriteError(w, apperr.Internal("session error", err))
		return
	}
	http.SetCookie(w, s.sessions.Cookie(token))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "username": username, "token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, auth.ClearCookie())
	writeJSON(w, http.StatusOK, success{Success: true})
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.Relays(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleRenameRelay(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid relay index")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	relay, err := s.svc.RenameRelay(r.Context(), auth.UserFromContext(r.Context()), index, body.Name)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, relay)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RelayID *int   `json:"relayId"`
		Action  string `json:"action"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.RelayID == nil {
		writeError(w, http.StatusBadRequest, "relayId is required")
		return
	}
	if err := s.svc.Control(r.Context(), auth.UserFromContext(r.Context()), *body.RelayID, body.Action); err != nil {
		apperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, success{Success: true})
}

func (s *Server) handleTimers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.Timers(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSetTimer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RelayID  *int `json:"relayId"`
		Duration int  `json:"duration"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.RelayID == nil {
		writeError(w, http.StatusBadRequest, "relayId is required")
		return
	}
	timer, err := s.svc.SetTimer(r.Context(), auth.UserFromContext(r.Context()), *body.RelayID, body.Duration)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "timerId": timer.ID})
}

func (s *Server) handleCancelTimer(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelTimer(r.Context(), auth.UserFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		apperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, success{Success: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
