package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/veramed/caregate/internal/broadcast"
	"github.com/veramed/caregate/internal/config"
	"github.com/veramed/caregate/internal/guard"
	"github.com/veramed/caregate/internal/jsonw"
	"github.com/veramed/caregate/internal/log"
	"github.com/veramed/caregate/internal/metrics"
)

// Deps are the wired components the server routes to.
type Deps struct {
	Auth        *AuthHandler
	Proxy       http.Handler
	Broadcaster broadcast.Broadcaster
	Metrics     *metrics.Metrics

	// Pages serves the application pages behind the route guard. Nil gets
	// the built-in shell, which is enough for development.
	Pages http.Handler

	// Activity, when set, is touched on every authenticated request so the
	// inactivity watchdog knows the fleet is alive.
	Activity ActivityRecorder
}

// Server is the HTTP front: auth routes, the authenticated proxy, the
// logout event stream, and guarded pages.
type Server struct {
	httpServer  *http.Server
	broadcaster broadcast.Broadcaster
}

func New(cfg *config.Config, deps Deps) *Server {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RecoverMiddleware)
	r.Use(LoggerMiddleware(deps.Metrics))
	r.Use(CORSMiddleware(cfg.AllowedOrigins))
	if deps.Activity != nil {
		r.Use(ActivityMiddleware(deps.Activity))
	}

	s := &Server{
		broadcaster: deps.Broadcaster,
	}

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", deps.Auth.Login)
		r.Post("/signup", deps.Auth.Signup)
		r.Post("/logout", deps.Auth.Logout)
		r.Post("/refresh", deps.Auth.Refresh)
		r.Post("/session", deps.Auth.Session)
		r.Get("/me", deps.Auth.Me)
		r.Get("/oauth", deps.Auth.OAuthStart)
		r.Get("/callback", deps.Auth.Callback)
		r.Get("/events", s.handleLogoutEvents)
	})

	if deps.Proxy != nil {
		r.Handle("/api/proxy/*", deps.Proxy)
	}

	pages := deps.Pages
	if pages == nil {
		pages = http.HandlerFunc(handleShell)
	}
	r.Handle("/*", guard.Middleware(pages))

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: event streams and long proxy calls outlive any
		// sane fixed value; the proxy applies its own per-call timeout.
	}
	return s
}

// Start begins serving. It returns when the listener stops.
func (s *Server) Start() error {
	log.LogInfoWithFields("server", "Listening", map[string]any{
		"addr": s.httpServer.Addr,
	})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	log.Logf("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonw.Write(w, map[string]any{"status": "ok"})
}

// handleLogoutEvents streams logout broadcasts to the browser as
// server-sent events. Every open tab subscribes; when any of them logs out
// the rest see the event and bounce to login.
func (s *Server) handleLogoutEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		jsonw.WriteServiceUnavailable(w, "Event stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonw.WriteInternalServerError(w, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan broadcast.LogoutEvent, 8)
	cancel := s.broadcaster.Subscribe(func(ev broadcast.LogoutEvent) {
		select {
		case events <- ev:
		default:
			// Slow consumer; drop rather than block the publisher.
		}
	})
	defer cancel()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: logout\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleShell is the development fallback for page routes: a minimal HTML
// shell so the guarded routes respond with something renderable.
func handleShell(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><html><head><title>CareGate</title></head><body><div id=\"root\" data-path=%q></div></body></html>", r.URL.Path)
}
