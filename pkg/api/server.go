package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/coldpoint/permafrost/pkg/auth"
	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/log"
	"github.com/coldpoint/permafrost/pkg/storage"
)

// Server is the coordinator's REST front end. All document mutations go
// through it; the store behind it supplies the atomicity that makes
// claims exclusive.
type Server struct {
	store       storage.Store
	verifier    auth.Verifier
	staleAfter  time.Duration
	maxBodySize int64
	log         zerolog.Logger
	http        *http.Server
}

// NewServer wires the REST surface over the given store. A nil verifier
// disables authentication; that mode exists for tests and is logged
// loudly at startup.
func NewServer(cfg *config.Coordinator, store storage.Store, verifier auth.Verifier) *Server {
	s := &Server{
		store:       store,
		verifier:    verifier,
		staleAfter:  cfg.StaleAfter,
		maxBodySize: cfg.MaxBodySize,
		log:         log.WithComponent("rest-server"),
	}
	if verifier == nil {
		s.log.Warn().Msg("token verification DISABLED - every caller is admin")
	}
	s.http = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  time.Minute,
	}
	return s
}

// routes builds the router. Route names follow the wire contract the
// original workers spoke, capitalized collections included.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(s.trackMetrics)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(s.limitBody)
	r.Use(s.authenticate)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]any{})
	})

	r.Route("/TransferRequests", func(r chi.Router) {
		r.Get("/", s.handleListTransferRequests)
		r.Post("/", s.handleCreateTransferRequest)
		r.Post("/actions/pop", s.handlePopTransferRequest)
		r.Get("/{uuid}", s.handleGetTransferRequest)
		r.Patch("/{uuid}", s.handlePatchTransferRequest)
		r.Delete("/{uuid}", s.handleDeleteTransferRequest)
	})

	r.Route("/Bundles", func(r chi.Router) {
		r.Get("/", s.handleListBundles)
		r.Post("/actions/pop", s.handlePopBundle)
		r.Post("/actions/bulk_create", s.handleBulkCreateBundles)
		r.Post("/actions/bulk_update", s.handleBulkUpdateBundles)
		r.Post("/actions/bulk_delete", s.handleBulkDeleteBundles)
		r.Get("/{uuid}", s.handleGetBundle)
		r.Patch("/{uuid}", s.handlePatchBundle)
		r.Delete("/{uuid}", s.handleDeleteBundle)
	})

	r.Route("/Metadata", func(r chi.Router) {
		r.Get("/", s.handleListMetadata)
		r.Delete("/", s.handleDeleteMetadataByBundle)
		r.Post("/actions/bulk_create", s.handleBulkCreateMetadata)
		r.Post("/actions/bulk_delete", s.handleBulkDeleteMetadata)
		r.Get("/{uuid}", s.handleGetMetadata)
		r.Delete("/{uuid}", s.handleDeleteMetadataOne)
	})

	r.Route("/status", func(r chi.Router) {
		r.Get("/", s.handleGetStatus)
		r.Get("/nersc", s.handleGetStatusNersc)
		r.Get("/{componentType}", s.handleGetStatusComponent)
		r.Patch("/{componentType}", s.handlePatchStatus)
		r.Get("/{componentType}/count", s.handleGetStatusCount)
		r.Delete("/{componentType}/{name}", s.handleDeleteStatusName)
	})

	return r
}

// Handler exposes the route tree for callers that manage their own
// listener, such as the integration harness.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("REST API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("REST API shutting down")
	return s.http.Shutdown(ctx)
}
