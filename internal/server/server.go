// Package server exposes the processing core over HTTP: artifact
// submission, task status polling, cached-output lookup, and downloads.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pkgpatch/pkgpatch/pkg/index"
	"github.com/pkgpatch/pkgpatch/pkg/pipeline"
	"github.com/pkgpatch/pkgpatch/pkg/store"
	"github.com/pkgpatch/pkgpatch/pkg/task"
)

// Version is reported by the health endpoint.
const Version = "1.0"

// Dispatcher hands a task off to the pipeline for background execution.
type Dispatcher interface {
	Dispatch(req *pipeline.ProcessRequest)
}

// Server wires the HTTP surface to the core components.
type Server struct {
	registry   *task.Registry
	index      *index.Index
	artifacts  *store.Repository
	dispatcher Dispatcher

	uploadDir   string
	maxFileSize int64
}

// New creates a server.
func New(
	registry *task.Registry,
	ix *index.Index,
	artifacts *store.Repository,
	dispatcher Dispatcher,
	uploadDir string,
	maxFileSize int64,
) *Server {
	return &Server{
		registry:    registry,
		index:       ix,
		artifacts:   artifacts,
		dispatcher:  dispatcher,
		uploadDir:   uploadDir,
		maxFileSize: maxFileSize,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /exist_pkg", s.handleExistPkg)
	mux.HandleFunc("GET /task_status/{id}", s.handleTaskStatus)
	mux.HandleFunc("GET /download/{id}", s.handleDownload)
	mux.HandleFunc("GET /download_cached/{hash}", s.handleDownloadCached)
	mux.HandleFunc("GET /check_hash/{hash}", s.handleCheckHash)
	mux.HandleFunc("GET /index", s.handleIndex)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response_encode_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
