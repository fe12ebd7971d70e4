// Package http serves the JSON API and the server-rendered UI.
package http

import (
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tanklog/internal/analytics"
	"tanklog/internal/cache"
	"tanklog/internal/core"
	"tanklog/internal/session"
	appweb "tanklog/web"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Deps bundles everything the server talks to.
type Deps struct {
	Cars       CarStore
	Logs       LogStore
	Currencies CurrencyStore
	Users      UserStore
	Events     EventPublisher
	Sessions   *session.Manager
}

type Server struct {
	http.Server
	templates *template.Template

	cars       CarStore
	logs       LogStore
	currencies CurrencyStore
	users      UserStore
	events     EventPublisher
	sessions   *session.Manager

	rateLimiter *rateLimiter

	// Caches over the log collection; purged on every mutation.
	filterCache  *cache.LRUCache[[]core.RefuelLog]
	summaryCache *cache.LRUCache[analytics.Summary]
	cacheManager *cache.Manager

	requestsTotal int64
	errorsTotal   int64
	rateLimitHits int64

	shutdownOnce sync.Once
}

// NewServer configures routes and templates, returning a ready-to-run server.
func NewServer(addr string, deps Deps) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		cars:         deps.Cars,
		logs:         deps.Logs,
		currencies:   deps.Currencies,
		users:        deps.Users,
		events:       deps.Events,
		sessions:     deps.Sessions,
		rateLimiter:  newRateLimiter(),
		filterCache:  cache.NewLRUCache[[]core.RefuelLog](200, 5*time.Minute),
		summaryCache: cache.NewLRUCache[analytics.Summary](100, 5*time.Minute),
		cacheManager: cache.NewManager(),
	}

	s.cacheManager.Register(s.filterCache)
	s.cacheManager.Register(s.summaryCache)
	s.cacheManager.StartCleanup(10 * time.Minute)

	// Parse embedded templates at startup.
	t, err := template.ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		slog.Warn("Failed parsing templates", "error", err)
	}
	s.templates = t

	// Static assets (served from embedded FS)
	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("/static/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "public, max-age=3600, immutable")
			static.ServeHTTP(w, r)
		}))
	} else {
		slog.Warn("Failed to mount embedded static FS", "error", err)
	}

	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/metrics", s.handleMetrics)

	// JSON API
	mux.HandleFunc("GET /api/cars", s.withSecurityHeaders(s.handleListCars))
	mux.HandleFunc("POST /api/cars", s.withSecurityHeaders(s.handleCreateCar))
	mux.HandleFunc("GET /api/cars/{id}", s.withSecurityHeaders(s.handleGetCar))
	mux.HandleFunc("PUT /api/cars/{id}", s.withSecurityHeaders(s.handleUpdateCar))
	mux.HandleFunc("DELETE /api/cars/{id}", s.withSecurityHeaders(s.handleArchiveCar))

	mux.HandleFunc("GET /api/logs", s.withSecurityHeaders(s.handleListLogs))
	mux.HandleFunc("POST /api/logs", s.withSecurityHeaders(s.handleCreateLog))
	mux.HandleFunc("GET /api/logs/{id}", s.withSecurityHeaders(s.handleGetLog))
	mux.HandleFunc("PUT /api/logs/{id}", s.withSecurityHeaders(s.handleUpdateLog))
	mux.HandleFunc("DELETE /api/logs/{id}", s.withSecurityHeaders(s.handleDeleteLog))

	mux.HandleFunc("GET /api/currencies", s.withSecurityHeaders(s.handleListCurrencies))
	mux.HandleFunc("POST /api/login", s.withSecurityHeaders(s.handleAPILogin))

	// UI views
	mux.HandleFunc("GET /{$}", s.withSecurityHeaders(s.handleIndex))
	mux.HandleFunc("GET /login", s.withSecurityHeaders(s.handleLoginForm))
	mux.HandleFunc("POST /login", s.withSecurityHeaders(s.handleLogin))
	mux.HandleFunc("GET /register", s.withSecurityHeaders(s.handleRegisterForm))
	mux.HandleFunc("POST /register", s.withSecurityHeaders(s.handleRegister))
	mux.HandleFunc("GET /logout", s.withSecurityHeaders(s.handleLogout))

	mux.HandleFunc("GET /logs", s.withSecurityHeaders(s.withUser(s.handleHistory)))
	mux.HandleFunc("GET /logs/new", s.withSecurityHeaders(s.withUser(s.handleLogForm)))
	mux.HandleFunc("POST /logs/new", s.withSecurityHeaders(s.withUser(s.handleLogSave)))
	mux.HandleFunc("GET /logs/{id}/edit", s.withSecurityHeaders(s.withUser(s.handleLogForm)))
	mux.HandleFunc("POST /logs/{id}/edit", s.withSecurityHeaders(s.withUser(s.handleLogSave)))
	mux.HandleFunc("POST /logs/{id}/delete", s.withSecurityHeaders(s.withUser(s.handleLogDelete)))

	mux.HandleFunc("GET /analytics", s.withSecurityHeaders(s.withUser(s.handleAnalytics)))
	mux.HandleFunc("POST /map", s.withSecurityHeaders(s.withUser(s.handleMapStash)))
	mux.HandleFunc("GET /map", s.withSecurityHeaders(s.withUser(s.handleMap)))

	mux.HandleFunc("GET /cars", s.withSecurityHeaders(s.withUser(s.handleCars)))
	mux.HandleFunc("GET /cars/new", s.withSecurityHeaders(s.withUser(s.handleCarForm)))
	mux.HandleFunc("POST /cars/new", s.withSecurityHeaders(s.withUser(s.handleCarSave)))
	mux.HandleFunc("GET /cars/{id}/edit", s.withSecurityHeaders(s.withUser(s.handleCarForm)))
	mux.HandleFunc("POST /cars/{id}/edit", s.withSecurityHeaders(s.withUser(s.handleCarSave)))
	mux.HandleFunc("POST /cars/{id}/archive", s.withSecurityHeaders(s.withUser(s.handleCarArchive)))
	mux.HandleFunc("POST /cars/{id}/primary", s.withSecurityHeaders(s.withUser(s.handleCarSetPrimary)))

	mux.HandleFunc("GET /profile", s.withSecurityHeaders(s.withUser(s.handleProfile)))
	mux.HandleFunc("POST /profile", s.withSecurityHeaders(s.withUser(s.handleProfileSave)))

	return s
}

// Shutdown stops the cleanup goroutines along with the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.cacheManager != nil {
			s.cacheManager.Stop()
		}
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// purgeLogCaches is called after every log mutation.
func (s *Server) purgeLogCaches() {
	s.filterCache.Purge()
	s.summaryCache.Purge()
}

// withSecurityHeaders adds security headers, rate limiting, and request
// logging to responses.
func (s *Server) withSecurityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		atomic.AddInt64(&s.requestsTotal, 1)

		clientIP := r.Header.Get("X-Forwarded-For")
		if clientIP == "" {
			clientIP = r.Header.Get("X-Real-IP")
		}
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}

		requestID := generateRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		slog.InfoContext(ctx, "Request started",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"client_ip", clientIP,
			"user_agent", r.Header.Get("User-Agent"))

		// Rate limit mutations only; reads are cheap.
		if r.Method != http.MethodGet && !s.rateLimiter.allow(clientIP, &s.rateLimitHits) {
			slog.WarnContext(ctx, "Rate limit exceeded", "client_ip", clientIP, "method", r.Method, "url", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self' https://unpkg.com 'unsafe-eval'; style-src 'self' 'unsafe-inline' https://unpkg.com; img-src 'self' data: https://*.tile.openstreetmap.org; connect-src 'self'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		if rw.statusCode >= 500 {
			atomic.AddInt64(&s.errorsTotal, 1)
		}

		duration := time.Since(start)
		slog.InfoContext(ctx, "Request completed",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", duration.Milliseconds(),
			"client_ip", clientIP)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// gate resolves the request's session cookie.
func (s *Server) gate(r *http.Request) (*session.Gate, error) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, session.ErrNoSession
	}
	return s.sessions.Gate(c.Value)
}

// withUser gates a view behind a logged-in session.
func (s *Server) withUser(next func(http.ResponseWriter, *http.Request, *session.Gate, core.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := s.gate(r)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		u, err := g.CurrentUser()
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r, g, u)
	}
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	if s.templates == nil {
		slog.ErrorContext(r.Context(), "Templates not loaded", "url", r.URL.Path)
		http.Error(w, "templates not loaded", http.StatusInternalServerError)
		return
	}
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		slog.ErrorContext(r.Context(), "Template execution failed", "error", err, "template", name)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.currencies.Currencies(r.Context()); err != nil {
		http.Error(w, "storage not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "tanklog_requests_total %d\n", atomic.LoadInt64(&s.requestsTotal))
	fmt.Fprintf(w, "tanklog_errors_total %d\n", atomic.LoadInt64(&s.errorsTotal))
	fmt.Fprintf(w, "tanklog_rate_limit_hits_total %d\n", atomic.LoadInt64(&s.rateLimitHits))
	fmt.Fprintf(w, "tanklog_filter_cache_entries %d\n", s.filterCache.Size())
	fmt.Fprintf(w, "tanklog_summary_cache_entries %d\n", s.summaryCache.Size())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if g, err := s.gate(r); err == nil {
		if _, err := g.CurrentUser(); err == nil {
			http.Redirect(w, r, "/logs", http.StatusSeeOther)
			return
		}
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// filteredLogs loads the log collection and applies criteria, consulting
// the filter cache first.
func (s *Server) filteredLogs(ctx context.Context, c analytics.Criteria) ([]core.RefuelLog, error) {
	key := criteriaKey(c)
	if cached, ok := s.filterCache.Get(key); ok {
		return cached, nil
	}
	all, err := s.logs.Logs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load logs: %w", err)
	}
	filtered := analytics.Filter(all, c)
	s.filterCache.Set(key, filtered)
	return filtered, nil
}

// summaryFor computes totals for a criteria, consulting the summary cache.
func (s *Server) summaryFor(ctx context.Context, c analytics.Criteria) (analytics.Summary, []core.RefuelLog, error) {
	logs, err := s.filteredLogs(ctx, c)
	if err != nil {
		return analytics.Summary{}, nil, err
	}
	key := criteriaKey(c)
	if cached, ok := s.summaryCache.Get(key); ok {
		return cached, logs, nil
	}
	sum := analytics.Summarize(logs)
	s.summaryCache.Set(key, sum)
	return sum, logs, nil
}
