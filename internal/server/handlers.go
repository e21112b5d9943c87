package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkgpatch/pkgpatch/pkg/digest"
	"github.com/pkgpatch/pkgpatch/pkg/index"
	"github.com/pkgpatch/pkgpatch/pkg/pipeline"
	"github.com/pkgpatch/pkgpatch/pkg/store"
	"github.com/pkgpatch/pkgpatch/pkg/task"
	"github.com/pkgpatch/pkgpatch/pkg/tools"
)

// handleRoot is the health check.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"msg":     "pkgpatch component replacement service",
		"version": Version,
		"status":  "running",
	})
}

// handleUpload accepts a multipart artifact submission and starts a
// processing task.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request: "+err.Error())
		return
	}

	variant, components, pkgName, ok := s.parseSubmission(w, r)
	if !ok {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing artifact file")
		return
	}
	defer file.Close()

	declaredHash := strings.ToLower(r.FormValue("sha256"))
	if declaredHash != "" && !digest.Valid(declaredHash) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid sha256 format: must be %d hexadecimal characters", digest.HexLength))
		return
	}

	artifact, err := s.storeUpload(file, header.Filename, pkgName, declaredHash)
	if err != nil {
		if he, ok := err.(*hashMismatchError); ok {
			writeError(w, http.StatusBadRequest, he.Error())
			return
		}
		slog.Error("upload_store_failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	t := s.registry.Create(pkgName, header.Filename, string(variant), artifact.SHA256)

	s.dispatcher.Dispatch(&pipeline.ProcessRequest{
		TaskID:       t.ID,
		ArtifactPath: artifact.Path,
		InputHash:    artifact.SHA256,
		PkgName:      pkgName,
		Variant:      string(variant),
		Components:   components,
	})

	slog.Info("upload_accepted",
		"task_id", t.ID,
		"filename", header.Filename,
		"sha256", artifact.SHA256,
		"variant", variant,
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": t.ID,
		"status":  "pending",
		"message": "artifact processing started",
	})
}

// handleExistPkg starts a processing task for an artifact already known
// by content hash, avoiding a re-upload.
func (s *Server) handleExistPkg(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form request: "+err.Error())
		return
	}

	variant, components, pkgName, ok := s.parseSubmission(w, r)
	if !ok {
		return
	}

	hash := strings.ToLower(r.FormValue("sha256"))
	if !digest.Valid(hash) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid sha256 format: must be %d hexadecimal characters", digest.HexLength))
		return
	}

	// A derived hash is accepted and resolved to its original record.
	// Ambiguous resolution fails closed: the caller must re-upload.
	key := hash
	switch res := s.index.Resolve(hash); res.State {
	case index.Resolved:
		key = res.OriginalHash
	case index.Ambiguous:
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("hash %s is ambiguous; re-upload via /upload", hash))
		return
	}

	artifact, err := s.artifacts.GetByHash(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "artifact lookup failed")
		return
	}
	if artifact == nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("hash %s not known; upload the artifact via /upload", hash))
		return
	}
	if _, err := os.Stat(artifact.Path); err != nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("original artifact for %s no longer on disk; re-upload via /upload", hash))
		return
	}

	t := s.registry.Create(pkgName, artifact.Filename, string(variant), key)

	s.dispatcher.Dispatch(&pipeline.ProcessRequest{
		TaskID:       t.ID,
		ArtifactPath: artifact.Path,
		InputHash:    key,
		PkgName:      pkgName,
		Variant:      string(variant),
		Components:   components,
	})

	slog.Info("exist_pkg_accepted", "task_id", t.ID, "sha256", key, "variant", variant)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": t.ID,
		"status":  "pending",
		"message": "artifact processing started from stored upload",
		"sha256":  key,
	})
}

// handleTaskStatus returns a snapshot of the task.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleDownload serves the signed output of a completed task.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if t.Status != task.StatusComplete {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("task not complete, current status: %s", t.Status))
		return
	}
	if _, err := os.Stat(t.OutputPath); err != nil {
		writeError(w, http.StatusNotFound, "processed artifact not found")
		return
	}

	serveArtifact(w, r, t.OutputPath, t.PkgName)
}

// handleDownloadCached serves the most recent cached output for a hash,
// optionally restricted to a variant.
func (s *Server) handleDownloadCached(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(r.PathValue("hash"))
	variant := r.URL.Query().Get("variant")

	if variant != "" {
		if _, err := tools.ParseVariant(variant); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	entry, ok := s.index.Latest(hash, variant)
	if !ok {
		writeError(w, http.StatusNotFound, "cached artifact not found")
		return
	}
	if _, err := os.Stat(entry.OutputPath); err != nil {
		writeError(w, http.StatusNotFound, "cached artifact file not found")
		return
	}

	serveArtifact(w, r, entry.OutputPath, entry.PkgName)
}

// handleCheckHash reports whether a hash is known to the index.
func (s *Server) handleCheckHash(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(r.PathValue("hash"))
	if !digest.Valid(hash) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid sha256 format: must be %d hexadecimal characters", digest.HexLength))
		return
	}

	res := s.index.Resolve(hash)
	if res.State != index.Resolved {
		writeJSON(w, http.StatusOK, map[string]any{
			"exists": false,
			"sha256": hash,
			"count":  0,
		})
		return
	}

	rec, _ := s.index.Get(res.OriginalHash)
	resp := map[string]any{
		"exists":        true,
		"sha256":        hash,
		"original_hash": rec.OriginalHash,
		"count":         len(rec.History),
	}
	if len(rec.History) > 0 {
		resp["latest_task"] = rec.History[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIndex dumps every index record.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.index.Records())
}

// parseSubmission validates the fields shared by /upload and
// /exist_pkg. Validation happens once at this boundary; the pipeline
// receives an already-typed request.
func (s *Server) parseSubmission(w http.ResponseWriter, r *http.Request) (tools.Variant, map[string]string, string, bool) {
	variant, err := tools.ParseVariant(r.FormValue("so_architecture"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, "", false
	}

	components, err := parseComponents(r.FormValue("so_files"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, "", false
	}

	pkgName := r.FormValue("pkg_name")
	return variant, components, pkgName, true
}

// parseComponents decodes the component replacement map. Entries with
// blank URLs are tolerated here (the pipeline drops them); a map with
// no usable entry at all, or any unsafe component name, is rejected up
// front so no task is created.
func parseComponents(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, fmt.Errorf("so_files is required")
	}

	var components map[string]string
	if err := json.Unmarshal([]byte(raw), &components); err != nil {
		return nil, fmt.Errorf("so_files must be a JSON object of component name to URL")
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("so_files cannot be empty")
	}

	usable := 0
	for name, url := range components {
		if err := pipeline.ValidateComponentName(name); err != nil {
			return nil, err
		}
		if strings.TrimSpace(url) != "" {
			usable++
		}
	}
	if usable == 0 {
		return nil, fmt.Errorf("no valid replacement supplied: all component URLs are empty")
	}

	return components, nil
}

type hashMismatchError struct {
	declared   string
	calculated string
}

func (e *hashMismatchError) Error() string {
	return fmt.Sprintf("sha256 mismatch: declared %s, calculated %s", e.declared, e.calculated)
}

// storeUpload streams the upload to disk while hashing it, verifies the
// declared hash when one was provided, and registers the artifact.
func (s *Server) storeUpload(file io.Reader, filename, pkgName, declaredHash string) (*store.Artifact, error) {
	tmp, err := os.CreateTemp(s.uploadDir, ".upload-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()

	dw := digest.NewWriter()
	size, err := io.Copy(io.MultiWriter(tmp, dw), file)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	hash := dw.Sum()
	if declaredHash != "" && declaredHash != hash {
		os.Remove(tmpPath)
		return nil, &hashMismatchError{declared: declaredHash, calculated: hash}
	}

	finalPath := filepath.Join(s.uploadDir, hash+"_"+filepath.Base(filename))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	artifact := &store.Artifact{
		SHA256:   hash,
		Path:     finalPath,
		Filename: filepath.Base(filename),
		PkgName:  pkgName,
		Size:     size,
	}
	if err := s.artifacts.Save(artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

func serveArtifact(w http.ResponseWriter, r *http.Request, path, pkgName string) {
	name := "signed.apk"
	if pkgName != "" {
		name = pkgName + "_signed.apk"
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", "application/vnd.android.package-archive")
	http.ServeFile(w, r, path)
}
