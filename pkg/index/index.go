// Package index implements the content-addressable processing index.
// It maps the digest of an original artifact to every artifact the
// pipeline derived from it, keeps a bounded per-original task history,
// and resolves any known digest back to its originating record.
package index

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkgpatch/pkgpatch/pkg/errors"
)

// HistoryLimit bounds the per-original task history. Older entries are
// dropped and the derived set is recomputed from what remains.
const HistoryLimit = 10

// Entry is one successful pipeline completion recorded against an
// original artifact hash.
type Entry struct {
	TaskID      string    `json:"task_id"`
	PkgName     string    `json:"pkg_name,omitempty"`
	Variant     string    `json:"variant"`
	OutputPath  string    `json:"output_path"`
	DerivedHash string    `json:"derived_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Record groups everything known about one original artifact hash.
// DerivedHashes is always recomputed from the retained history, so it
// never references an entry that retention has evicted.
type Record struct {
	OriginalHash  string   `json:"original_hash"`
	DerivedHashes []string `json:"derived_hashes"`
	History       []Entry  `json:"history"`
}

// ResolutionState classifies the outcome of resolving a hash.
type ResolutionState int

const (
	// NotFound means no record knows the hash.
	NotFound ResolutionState = iota
	// Resolved means exactly one record owns the hash.
	Resolved
	// Ambiguous means more than one record claims the hash as derived.
	// This is a digest collision; resolution fails closed and callers
	// must treat it as a miss.
	Ambiguous
)

// Resolution is the tagged result of Index.Resolve.
type Resolution struct {
	State        ResolutionState
	OriginalHash string
}

// Index is the durable registry. Mutations are serialized per original
// hash; reads take snapshots so concurrent pipeline completions never
// block status queries.
type Index struct {
	path string

	mu      sync.RWMutex
	records map[string]*Record

	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex

	persistMu sync.Mutex
}

// Open loads the index file at path, creating an empty index when the
// file does not exist. Older on-disk shapes (a lone entry, a bare entry
// list) are folded into the current record shape.
func Open(path string) (*Index, error) {
	ix := &Index{
		path:     path,
		records:  make(map[string]*Record),
		keyLocks: make(map[string]*sync.Mutex),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("index_init_empty", "path", path)
		return ix, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read index file")
	}

	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse index file")
	}

	for hash, msg := range raw {
		rec, err := foldRecord(hash, msg)
		if err != nil {
			return nil, errors.Wrap(err, "failed to fold index record")
		}
		ix.records[hash] = rec
	}

	slog.Info("index_loaded", "path", path, "record_count", len(ix.records))
	return ix, nil
}

// foldRecord decodes one index value, accepting the current record
// shape as well as the two legacy shapes: a bare entry list and a lone
// entry object.
func foldRecord(hash string, msg json.RawMessage) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(msg, &rec); err == nil && len(rec.History) > 0 {
		rec.OriginalHash = hash
		prune(&rec)
		return &rec, nil
	}

	var entries []Entry
	if err := json.Unmarshal(msg, &entries); err == nil {
		rec := &Record{OriginalHash: hash, History: entries}
		prune(rec)
		return rec, nil
	}

	var single Entry
	if err := json.Unmarshal(msg, &single); err == nil && (single.TaskID != "" || single.DerivedHash != "") {
		rec := &Record{OriginalHash: hash, History: []Entry{single}}
		prune(rec)
		return rec, nil
	}

	// Unrecognized but syntactically valid JSON: keep an empty record
	// rather than dropping the key on the floor.
	slog.Warn("index_record_unrecognized_shape", "original_hash", hash)
	return &Record{OriginalHash: hash}, nil
}

// prune applies history retention and recomputes the derived set.
// History is sorted newest first; entries with equal timestamps keep
// their relative order.
func prune(rec *Record) {
	sort.SliceStable(rec.History, func(i, j int) bool {
		return rec.History[i].Timestamp.After(rec.History[j].Timestamp)
	})
	if len(rec.History) > HistoryLimit {
		rec.History = rec.History[:HistoryLimit]
	}

	seen := make(map[string]bool, len(rec.History))
	derived := make([]string, 0, len(rec.History))
	for _, e := range rec.History {
		if e.DerivedHash == "" || seen[e.DerivedHash] {
			continue
		}
		seen[e.DerivedHash] = true
		derived = append(derived, e.DerivedHash)
	}
	sort.Strings(derived)
	rec.DerivedHashes = derived
}

// Resolve maps hash to the record it belongs to. An exact original-hash
// match wins; otherwise every record's derived set is scanned. A hash
// claimed by more than one record is a collision and resolves as
// Ambiguous, never as either owner.
func (ix *Index) Resolve(hash string) Resolution {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if _, ok := ix.records[hash]; ok {
		return Resolution{State: Resolved, OriginalHash: hash}
	}

	var owner string
	owners := 0
	for original, rec := range ix.records {
		for _, derived := range rec.DerivedHashes {
			if derived == hash {
				owner = original
				owners++
				break
			}
		}
	}

	switch owners {
	case 0:
		return Resolution{State: NotFound}
	case 1:
		return Resolution{State: Resolved, OriginalHash: owner}
	default:
		slog.Warn("index_hash_collision", "hash", hash, "owner_count", owners)
		return Resolution{State: Ambiguous}
	}
}

// Latest returns the most recent retained history entry for hash,
// optionally restricted to entries with the given variant. The hash may
// be an original or a derived hash.
func (ix *Index) Latest(hash, variant string) (Entry, bool) {
	res := ix.Resolve(hash)
	if res.State != Resolved {
		return Entry{}, false
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rec := ix.records[res.OriginalHash]
	if rec == nil {
		return Entry{}, false
	}

	// History is kept newest first; the first variant match is the
	// most recent one.
	for _, e := range rec.History {
		if variant == "" || e.Variant == variant {
			return e, true
		}
	}
	return Entry{}, false
}

// Get returns a snapshot copy of the record keyed by originalHash.
func (ix *Index) Get(originalHash string) (Record, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rec, ok := ix.records[originalHash]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Records returns a snapshot of every record, keyed by original hash.
func (ix *Index) Records() map[string]Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make(map[string]Record, len(ix.records))
	for hash, rec := range ix.records {
		out[hash] = copyRecord(rec)
	}
	return out
}

// RecordSuccess appends entry to the record for originalHash, creating
// the record if absent, then applies retention and persists the index
// before returning. A persistence failure is returned to the caller and
// must fail the task that produced the entry: a completed task whose
// result is not durably indexed would be unreachable for future dedup.
//
// The read-modify-write is serialized per original hash, so two tasks
// finishing simultaneously for the same original cannot lose updates,
// while unrelated originals do not contend.
func (ix *Index) RecordSuccess(originalHash string, entry Entry) error {
	lock := ix.keyLock(originalHash)
	lock.Lock()
	defer lock.Unlock()

	ix.mu.Lock()
	rec, ok := ix.records[originalHash]
	if !ok {
		rec = &Record{OriginalHash: originalHash}
		ix.records[originalHash] = rec
	}
	rec.History = append(rec.History, entry)
	prune(rec)
	historyLen := len(rec.History)
	ix.mu.Unlock()

	if err := ix.persist(); err != nil {
		return errors.Wrap(err, "failed to persist index")
	}

	slog.Info("index_record_success",
		"original_hash", originalHash,
		"derived_hash", entry.DerivedHash,
		"task_id", entry.TaskID,
		"history_len", historyLen,
	)
	return nil
}

// keyLock returns the mutex serializing mutations for one original hash.
func (ix *Index) keyLock(originalHash string) *sync.Mutex {
	ix.keyMu.Lock()
	defer ix.keyMu.Unlock()

	lock, ok := ix.keyLocks[originalHash]
	if !ok {
		lock = &sync.Mutex{}
		ix.keyLocks[originalHash] = lock
	}
	return lock
}

// persist writes the whole index to a temp file and renames it into
// place. Writes are serialized so a snapshot taken later always
// includes every mutation completed before it, which keeps the last
// rename a superset of all earlier ones.
func (ix *Index) persist() error {
	ix.persistMu.Lock()
	defer ix.persistMu.Unlock()

	snapshot := ix.Records()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal index")
	}

	tmp, err := os.CreateTemp(filepath.Dir(ix.path), ".index-*.json")
	if err != nil {
		return errors.Wrap(err, "failed to create index temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to write index temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to close index temp file")
	}

	if err := os.Rename(tmpPath, ix.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to replace index file")
	}
	return nil
}

func copyRecord(rec *Record) Record {
	out := Record{OriginalHash: rec.OriginalHash}
	out.DerivedHashes = append([]string(nil), rec.DerivedHashes...)
	out.History = append([]Entry(nil), rec.History...)
	return out
}
