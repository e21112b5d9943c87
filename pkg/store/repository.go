// Package store persists uploaded artifacts in SQLite, keyed by
// content hash.
package store

import (
	"database/sql"
	"log/slog"

	"github.com/pkgpatch/pkgpatch/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for stored artifacts.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (and if needed initializes) the artifact database.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("artifact_db_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("artifact_db_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("artifact_db_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("artifact_db_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save upserts an artifact record. Re-uploading bytes with a known hash
// refreshes the stored path and metadata instead of duplicating the row.
func (r *Repository) Save(a *Artifact) error {
	slog.Info("artifact_db_save", "sha256", a.SHA256, "path", a.Path, "size", a.Size)

	query := `
		INSERT INTO artifacts (sha256, path, filename, pkg_name, size)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sha256) DO UPDATE SET
		    path = excluded.path,
		    filename = excluded.filename,
		    pkg_name = excluded.pkg_name,
		    size = excluded.size,
		    updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.Exec(query, a.SHA256, a.Path, a.Filename, a.PkgName, a.Size); err != nil {
		slog.Error("artifact_db_save_failed", "sha256", a.SHA256, "error", err)
		return errors.Wrap(err, "failed to save artifact")
	}

	return nil
}

// GetByHash retrieves an artifact by content hash. A miss returns
// (nil, nil).
func (r *Repository) GetByHash(sha256 string) (*Artifact, error) {
	query := `
		SELECT id, sha256, path, filename, pkg_name, size, created_at, updated_at
		FROM artifacts WHERE sha256 = ?
	`
	var a Artifact
	var filename, pkgName sql.NullString

	err := r.db.QueryRow(query, sha256).Scan(
		&a.ID, &a.SHA256, &a.Path, &filename, &pkgName, &a.Size,
		&a.CreatedAt, &a.UpdatedAt)

	if err == sql.ErrNoRows {
		slog.Info("artifact_db_not_found", "sha256", sha256)
		return nil, nil
	}
	if err != nil {
		slog.Error("artifact_db_query_failed", "sha256", sha256, "error", err)
		return nil, errors.Wrap(err, "failed to query artifact")
	}

	a.Filename = filename.String
	a.PkgName = pkgName.String
	return &a, nil
}

// List retrieves all artifacts, newest first.
func (r *Repository) List() ([]*Artifact, error) {
	query := `
		SELECT id, sha256, path, filename, pkg_name, size, created_at, updated_at
		FROM artifacts ORDER BY created_at DESC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("artifact_db_list_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list artifacts")
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var a Artifact
		var filename, pkgName sql.NullString

		if err := rows.Scan(&a.ID, &a.SHA256, &a.Path, &filename, &pkgName, &a.Size,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			slog.Error("artifact_db_scan_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}

		a.Filename = filename.String
		a.PkgName = pkgName.String
		artifacts = append(artifacts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("artifact_db_list_complete", "artifact_count", len(artifacts))
	return artifacts, nil
}

// Delete removes an artifact record by content hash.
func (r *Repository) Delete(sha256 string) error {
	slog.Info("artifact_db_delete", "sha256", sha256)

	if _, err := r.db.Exec(`DELETE FROM artifacts WHERE sha256 = ?`, sha256); err != nil {
		slog.Error("artifact_db_delete_failed", "sha256", sha256, "error", err)
		return errors.Wrap(err, "failed to delete artifact")
	}
	return nil
}
