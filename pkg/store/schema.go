package store

// Schema defines the SQLite schema for uploaded artifacts. Artifacts
// are keyed by content hash so a submission that references a known
// hash can locate the original bytes without re-uploading.
const Schema = `
CREATE TABLE IF NOT EXISTS artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sha256 TEXT NOT NULL UNIQUE,
    path TEXT NOT NULL,
    filename TEXT,
    pkg_name TEXT,
    size INTEGER NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_artifacts_sha256 ON artifacts(sha256);
CREATE INDEX IF NOT EXISTS idx_artifacts_created_at ON artifacts(created_at);
`

// Artifact is one stored upload.
type Artifact struct {
	ID        int64
	SHA256    string
	Path      string
	Filename  string
	PkgName   string
	Size      int64
	CreatedAt string
	UpdatedAt string
}
