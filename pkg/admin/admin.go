// Package admin provides the administrative HTTP API over the
// settings store.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/cappuccinotm/slogx"
	"github.com/julienschmidt/httprouter"
	"github.com/lowdown-proxy/lowdown/pkg/proxy"
	"github.com/lowdown-proxy/lowdown/pkg/proxy/middleware"
	"github.com/lowdown-proxy/lowdown/pkg/settings"
	"github.com/lowdown-proxy/lowdown/pkg/store"
)

// Server is the admin HTTP server.
type Server struct {
	version string
	debug   bool

	store *store.Store

	http *http.Server
}

// Option is a functional option for the server.
type Option func(*Server)

// Version sets the version of the server.
func Version(v string) Option {
	return func(s *Server) { s.version = v }
}

// Debug enables debug logging of requests.
func Debug() Option {
	return func(s *Server) { s.debug = true }
}

// Maybe conditionally applies the given option.
func Maybe(apply bool, opt Option) Option {
	if !apply {
		return func(*Server) {}
	}
	return opt
}

// NewServer creates a new admin server over the given store.
func NewServer(st *store.Store, opts ...Option) *Server {
	s := &Server{store: st}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen starts the server on the given address.
// Blocking call.
func (s *Server) Listen(addr string) (err error) {
	slog.Info("starting admin server", slog.Any("addr", addr))
	defer slog.Warn("admin server stopped", slogx.Error(err))

	s.http = &http.Server{
		Addr: addr,
		Handler: middleware.Wrap(s.routes(),
			middleware.Recoverer,
			middleware.AppInfo("lowdown", "lowdown-proxy", s.version),
			middleware.Log(s.debug),
		),
	}

	if err = s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

// Close stops the server.
func (s *Server) Close() {
	if s.http != nil {
		_ = s.http.Shutdown(context.Background())
	}
}

func (s *Server) routes() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodPost, "/api/v1/update", s.update)
	router.HandlerFunc(http.MethodPost, "/api/v1/reset", s.reset)
	router.HandlerFunc(http.MethodGet, "/api/v1/list", s.list)
	router.HandlerFunc(http.MethodPost, "/api/v1/one-off", s.addOneOff)
	router.HandlerFunc(http.MethodPost, "/api/v1/list-headers", s.listHeaders)
	router.HandlerFunc(http.MethodGet, "/", s.root)
	router.HandlerFunc(http.MethodGet, "/health", s.health)
	router.HandlerFunc(http.MethodGet, "/healthcheck", s.health)
	router.NotFound = http.HandlerFunc(s.notFound)
	return router
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	layer := settings.FromHeaders(r.Header)
	snapshot := s.store.MergeAdmin(layer)
	proxy.JSON(w, http.StatusOK, snapshot, s.store.Trailer())
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	layer := settings.FromHeaders(r.Header)
	snapshot := s.store.ResetAdmin(layer)
	proxy.JSON(w, http.StatusOK, snapshot, s.store.Trailer())
}

func (s *Server) list(w http.ResponseWriter, _ *http.Request) {
	proxy.JSON(w, http.StatusOK, s.store.AdminSnapshot(), s.store.Trailer())
}

func (s *Server) addOneOff(w http.ResponseWriter, r *http.Request) {
	layer := settings.FromHeaders(r.Header)
	stg := settings.Default()
	stg.ApplyLayer(layer)
	s.store.AddOneOff(stg)
	proxy.JSON(w, http.StatusOK, map[string]string{
		"service": "lowdown",
		"message": "Added one-off",
	}, s.store.Trailer())
}

func (s *Server) listHeaders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.HasPrefix(name, settings.HeaderPrefix) {
			slog.InfoContext(ctx, "override header",
				slog.String("name", name), slog.String("value", r.Header.Get(name)))
		}
	}
	for _, name := range names {
		if !strings.HasPrefix(name, settings.HeaderPrefix) {
			slog.InfoContext(ctx, "other header",
				slog.String("name", name), slog.String("value", r.Header.Get(name)))
		}
	}

	proxy.JSON(w, http.StatusOK, names, s.store.Trailer())
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	proxy.JSON(w, http.StatusOK, map[string]string{"service": "lowdown"}, s.store.Trailer())
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	proxy.JSON(w, http.StatusOK, map[string]string{
		"service": "lowdown",
		"status":  "healthy",
	}, s.store.Trailer())
}

func (s *Server) notFound(w http.ResponseWriter, _ *http.Request) {
	proxy.JSON(w, http.StatusNotFound, map[string]string{"message": "not-found"}, s.store.Trailer())
}
