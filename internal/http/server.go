package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"metasdb/internal/catalog"
	"metasdb/pkg/backup"
	"metasdb/pkg/dberrors"
	"metasdb/pkg/feed"
	"metasdb/pkg/sdb"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeAvro        = "application/avro"
	contentTypeZstd        = "application/zstd"
	headerFeedLast         = "X-Feed-Last"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iRegistry interface {
	Version() uint64
	Tables() []sdb.Handle
	Table(name string) (sdb.Handle, bool)
}

type iCatalog interface {
	CreateDB(name, acct string, replicas int) (catalog.DB, error)
	DropDB(name string) error
	GetDB(name string) (catalog.DB, error)
	ListDBs() []catalog.DB
	CreateVgroup(db string) (catalog.Vgroup, error)
	SetVgroupStatus(db, status string) ([]catalog.Vgroup, error)
}

// Server is the admin and metadata API of sdbd.
type Server struct {
	reg        iRegistry
	catalog    iCatalog
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
	URL        string
	addr       string
}

// NewServer creates a new server instance
func NewServer(reg iRegistry, cat iCatalog, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		reg:     reg,
		catalog: cat,
		logger:  slog.Default().With("component", "http"),
		URL:     "http://localhost:" + port,
		addr:    ":" + port,
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Addr is the bound listen address once the server has started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", s.handleVersion)

		r.Get("/tables", s.handleTables)
		r.Get("/tables/{name}", s.handleTable)
		r.Post("/tables/{name}/snapshot", s.handleSnapshot)

		r.Get("/feed", s.handleFeed)
		r.Get("/backup", s.handleBackup)

		r.Get("/dbs", s.handleListDBs)
		r.Put("/dbs", s.handleCreateDB)
		r.Delete("/dbs", s.handleDropDB)
		r.Get("/dbs/{name}", s.handleGetDB)
		r.Put("/dbs/{name}/vgroups", s.handleCreateVgroup)
		r.Post("/dbs/{name}/status", s.handleVgroupStatus)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", ln.Addr().String())
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, resp Response) {
	resp.RequestID = requestIDFrom(r.Context())
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

// writeError maps engine errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrDuplicateKey):
		status = http.StatusConflict
	case errors.Is(err, dberrors.ErrInvalidArgument),
		errors.Is(err, dberrors.ErrRowTooLarge),
		errors.Is(err, dberrors.ErrMalformedRow):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrFeedTruncated):
		status = http.StatusGone
	case errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", requestIDFrom(r.Context()))
	}
	s.writeJSON(w, r, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, NewOKResponse())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, NewDataResponse(versionInfo{
		Version: s.reg.Version(),
		Tables:  len(s.reg.Tables()),
	}))
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	tables := s.reg.Tables()
	stats := make([]sdb.Stats, 0, len(tables))
	for _, h := range tables {
		stats = append(stats, h.Stats())
	}
	s.writeJSON(w, r, http.StatusOK, NewDataResponse(stats))
}

func (s *Server) table(w http.ResponseWriter, r *http.Request) (sdb.Handle, bool) {
	name := chi.URLParam(r, "name")
	h, ok := s.reg.Table(name)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: table %s", dberrors.ErrNotFound, name))
	}
	return h, ok
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	if h, ok := s.table(w, r); ok {
		s.writeJSON(w, r, http.StatusOK, NewDataResponse(h.Stats()))
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	h, ok := s.table(w, r)
	if !ok {
		return
	}
	if err := h.SaveSnapshot(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, NewDataResponse(h.Stats()))
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		var err error
		if since, err = strconv.ParseUint(v, 10, 64); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: since %q", dberrors.ErrInvalidArgument, v))
			return
		}
	}

	changes, err := feed.Since(s.reg, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	last := feed.Last(changes, since)
	w.Header().Set(headerFeedLast, strconv.FormatUint(last, 10))

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		page := feedPage{Since: since, Last: last, Changes: make([]change, 0, len(changes))}
		for _, c := range changes {
			page.Changes = append(page.Changes, change{
				Table:   c.Table,
				Op:      c.Op.String(),
				ID:      c.ID,
				Version: c.Version,
				Payload: c.Payload,
			})
		}
		s.writeJSON(w, r, http.StatusOK, NewDataResponse(page))
	case "avro":
		w.Header().Set("Content-Type", contentTypeAvro)
		if err := feed.WriteAvro(w, changes); err != nil {
			s.logger.Warn("feed write failed", "error", err)
		}
	default:
		s.writeError(w, r, fmt.Errorf("%w: format %q", dberrors.ErrInvalidArgument, format))
	}
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("sdb-%d.tar.zst", s.reg.Version())
	w.Header().Set("Content-Type", contentTypeZstd)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))

	n, err := backup.Write(w, s.reg.Tables())
	if err != nil {
		// headers are gone, the client sees a truncated stream
		s.logger.Error("backup failed", "error", err, "written", n)
		return
	}
	s.logger.Info("backup sent", "bytes", n, "request_id", requestIDFrom(r.Context()))
}

func (s *Server) handleListDBs(w http.ResponseWriter, r *http.Request) {
	dbs := s.catalog.ListDBs()
	if dbs == nil {
		dbs = []catalog.DB{}
	}
	s.writeJSON(w, r, http.StatusOK, NewDataResponse(dbs))
}

func (s *Server) handleGetDB(w http.ResponseWriter, r *http.Request) {
	db, err := s.catalog.GetDB(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, NewDataResponse(db))
}

func (s *Server) handleCreateDB(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	name := r.FormValue("name")
	acct := r.FormValue("acct")
	if name == "" || acct == "" {
		s.writeJSON(w, r, http.StatusBadRequest, NewErrorResponse("Missing name or acct"))
		return
	}
	replicas := 1
	if v := r.FormValue("replicas"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeJSON(w, r, http.StatusBadRequest, NewErrorResponse("Bad replicas"))
			return
		}
		replicas = n
	}

	db, err := s.catalog.CreateDB(name, acct, replicas)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, NewDataResponse(db))
}

func (s *Server) handleDropDB(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeJSON(w, r, http.StatusBadRequest, NewErrorResponse("Missing name"))
		return
	}
	if err := s.catalog.DropDB(name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCreateVgroup(w http.ResponseWriter, r *http.Request) {
	vg, err := s.catalog.CreateVgroup(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, NewDataResponse(vg))
}

func (s *Server) handleVgroupStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}
	status := r.FormValue("status")
	if status == "" {
		s.writeJSON(w, r, http.StatusBadRequest, NewErrorResponse("Missing status"))
		return
	}

	vgs, err := s.catalog.SetVgroupStatus(chi.URLParam(r, "name"), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, NewDataResponse(vgs))
}
