// Package server exposes a read-only HTTP view of a catalog: namespaces,
// tables, snapshots and the files a snapshot is made of.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spacemonkeygo/monkit/v3/present"
	"go.uber.org/zap"

	"arctic-table/catalog"
	"arctic-table/failure"
	"arctic-table/iceberg"
	"arctic-table/manifest"
	"arctic-table/partition"
	"arctic-table/schema"
	"arctic-table/table"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

type Server struct {
	log         *zap.Logger
	cat         catalog.Catalog
	parallelism int
	httpServer  *http.Server
}

func New(log *zap.Logger, cat catalog.Catalog, addr string, parallelism int) *Server {
	s := &Server{log: log, cat: cat, parallelism: parallelism}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: time.Second,
	}
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/namespaces", s.handleNamespaces)
	r.Get("/namespaces/{ns}/tables", s.handleTables)
	r.Route("/tables/{ns}/{table}", func(r chi.Router) {
		r.Get("/", s.handleTable)
		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/files", s.handleFiles)
	})
	r.Mount("/mon", http.StripPrefix("/mon", present.HTTP(monkit.Default)))
	return r
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.httpServer.ListenAndServe()
	}()
	s.log.Info("HTTP server started", zap.String("addr", s.httpServer.Addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("encoding response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case failure.NotFound.Has(err):
		status = http.StatusNotFound
	case failure.InvalidArgument.Has(err):
		status = http.StatusBadRequest
	default:
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "catalog": s.cat.Name()})
}

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	names, err := s.cat.ListNamespaces(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"namespaces": nonNil(names)})
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	idents, err := s.cat.ListTables(r.Context(), chi.URLParam(r, "ns"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	names := make([]string, len(idents))
	for i, id := range idents {
		names[i] = id.Name
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"tables": names})
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) (*table.Table, bool) {
	ident := table.Identifier{Namespace: chi.URLParam(r, "ns"), Name: chi.URLParam(r, "table")}
	tbl, err := s.cat.LoadTable(r.Context(), ident)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return tbl, true
}

type tableResponse struct {
	Identifier        string            `json:"identifier"`
	Location          string            `json:"location"`
	MetadataLocation  string            `json:"metadata-location"`
	TableUUID         string            `json:"table-uuid"`
	CurrentSnapshotID int64             `json:"current-snapshot-id,omitempty"`
	Schema            *schema.Schema    `json:"schema"`
	PartitionSpec     *partition.Spec   `json:"partition-spec"`
	Properties        map[string]string `json:"properties"`
	Snapshots         int               `json:"snapshots"`
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	tbl, ok := s.load(w, r)
	if !ok {
		return
	}
	md := tbl.Metadata()
	s.writeJSON(w, http.StatusOK, tableResponse{
		Identifier:        tbl.Identifier().String(),
		Location:          md.Location,
		MetadataLocation:  tbl.MetadataLocation(),
		TableUUID:         md.TableUUID,
		CurrentSnapshotID: md.CurrentSnapshotID,
		Schema:            md.CurrentSchema(),
		PartitionSpec:     md.Spec(),
		Properties:        md.Properties,
		Snapshots:         len(md.Snapshots),
	})
}

type snapshotResponse struct {
	*iceberg.Snapshot
	Current bool `json:"current"`
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	tbl, ok := s.load(w, r)
	if !ok {
		return
	}
	md := tbl.Metadata()
	out := make([]snapshotResponse, len(md.Snapshots))
	for i, snap := range md.Snapshots {
		out[i] = snapshotResponse{Snapshot: snap, Current: snap.SnapshotID == md.CurrentSnapshotID}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"snapshots": out})
}

type fileResponse struct {
	Path        string           `json:"path"`
	Format      string           `json:"format"`
	Partition   partition.Values `json:"partition,omitempty"`
	RecordCount int64            `json:"record-count"`
	SizeBytes   int64            `json:"file-size-bytes"`
	SchemaID    int              `json:"schema-id"`
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	tbl, ok := s.load(w, r)
	if !ok {
		return
	}
	md := tbl.Metadata()
	snap := md.CurrentSnapshot()
	if v := r.URL.Query().Get("snapshot"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, r, failure.InvalidArgument.New("snapshot %q is not a number", v))
			return
		}
		if snap, err = md.SnapshotByID(id); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	files, err := iceberg.LiveFiles(r.Context(), tbl.Store(), snap, s.parallelism)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": toFileResponses(files)})
}

func toFileResponses(files []manifest.DataFile) []fileResponse {
	out := make([]fileResponse, len(files))
	for i, f := range files {
		out[i] = fileResponse{
			Path:        f.FilePath,
			Format:      f.FileFormat,
			Partition:   f.Partition,
			RecordCount: f.RecordCount,
			SizeBytes:   f.FileSizeBytes,
			SchemaID:    f.SchemaID,
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
