// Package annindex implements the approximate-nearest-neighbor index over
// message embeddings. Vectors live in a dedicated SQLite file; search uses
// the sqlite-vec extension when available and falls back to a brute-force
// scan otherwise.
//
// Vectors inserted since the last Rebuild are not visible to Search. Callers
// that need within-batch deduplication use InsertOrReuse with a batch map.
package annindex

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"mimic/internal/embedding"
	"mimic/internal/logging"
)

// ErrNoMatch is returned by Search when the index holds no searchable
// vectors.
var ErrNoMatch = errors.New("annindex: no match")

// Result is a single search hit. Distance is cosine distance in [0, 2],
// ascending order from Search.
type Result struct {
	ID       int64
	Distance float64
}

// Index is a persistent vector index.
type Index struct {
	db     *sql.DB
	path   string
	dims   int
	mu     sync.RWMutex
	vecExt bool
}

// Open creates or opens an index file. dims fixes the vector length; vectors
// of any other length are rejected.
func Open(path string, dims int) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "Open")
	defer timer.Stop()

	if dims <= 0 {
		return nil, fmt.Errorf("annindex: dimensions must be positive, got %d", dims)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("annindex: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("annindex: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.IndexDebug("pragma failed: %q: %v", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS vectors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		embedding BLOB NOT NULL,
		built INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_built ON vectors(built);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("annindex: failed to initialize schema: %w", err)
	}

	ix := &Index{db: db, path: path, dims: dims}
	ix.detectVecExtension()
	return ix, nil
}

// detectVecExtension probes for sqlite-vec.
func (ix *Index) detectVecExtension() {
	var version string
	if err := ix.db.QueryRow("SELECT vec_version()").Scan(&version); err == nil {
		ix.vecExt = true
		logging.Index("sqlite-vec %s detected, using extension search", version)
		return
	}
	logging.Index("sqlite-vec not available, using brute-force search")
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Path returns the on-disk location of the index.
func (ix *Index) Path() string {
	return ix.path
}

// Insert adds a vector. The new id is not visible to Search until Rebuild.
func (ix *Index) Insert(vec []float32) (int64, error) {
	if len(vec) != ix.dims {
		return 0, fmt.Errorf("annindex: vector has %d dimensions, index expects %d", len(vec), ix.dims)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	res, err := ix.db.Exec("INSERT INTO vectors (embedding, built) VALUES (?, 0)", encodeVector(vec))
	if err != nil {
		return 0, fmt.Errorf("annindex: insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("annindex: insert id unavailable: %w", err)
	}
	logging.IndexDebug("inserted vector %d (unbuilt)", id)
	return id, nil
}

// InsertOrReuse inserts a vector, deduplicating bit-identical vectors.
// batch maps the byte representation of vectors inserted since the last
// Rebuild to their ids; Search cannot see those yet, so the map stands in
// for it. A searchable neighbor is reused only when its stored bytes equal
// the new vector exactly, never when it is merely close.
func (ix *Index) InsertOrReuse(vec []float32, batch map[string]int64) (int64, error) {
	if len(vec) != ix.dims {
		return 0, fmt.Errorf("annindex: vector has %d dimensions, index expects %d", len(vec), ix.dims)
	}

	key := string(encodeVector(vec))

	if id, ok := batch[key]; ok {
		logging.IndexDebug("reusing unbuilt vector %d", id)
		return id, nil
	}

	results, err := ix.Search(vec, 1)
	if err != nil && !errors.Is(err, ErrNoMatch) {
		return 0, err
	}
	if len(results) > 0 && results[0].Distance == 0 {
		same, err := ix.storedBytesEqual(results[0].ID, []byte(key))
		if err != nil {
			return 0, err
		}
		if same {
			logging.IndexDebug("reusing built vector %d", results[0].ID)
			return results[0].ID, nil
		}
	}

	id, err := ix.Insert(vec)
	if err != nil {
		return 0, err
	}
	batch[key] = id
	return id, nil
}

// storedBytesEqual reports whether the stored embedding for id matches blob
// byte for byte.
func (ix *Index) storedBytesEqual(id int64, blob []byte) (bool, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var stored []byte
	err := ix.db.QueryRow("SELECT embedding FROM vectors WHERE id = ?", id).Scan(&stored)
	if err != nil {
		return false, fmt.Errorf("annindex: failed to load vector %d: %w", id, err)
	}
	return bytes.Equal(stored, blob), nil
}

// Search returns up to k built vectors ordered by ascending cosine distance.
func (ix *Index) Search(vec []float32, k int) ([]Result, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "Search")
	defer timer.Stop()

	if len(vec) != ix.dims {
		return nil, fmt.Errorf("annindex: query vector has %d dimensions, index expects %d", len(vec), ix.dims)
	}
	if k <= 0 {
		k = 10
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.vecExt {
		results, err := ix.searchVec(vec, k)
		if err == nil {
			return results, nil
		}
		logging.IndexDebug("extension search failed, falling back: %v", err)
	}
	return ix.searchBruteForce(vec, k)
}

// searchVec queries through sqlite-vec's distance function.
func (ix *Index) searchVec(vec []float32, k int) ([]Result, error) {
	// Byte-identical vectors compare at exactly 0 rather than whatever
	// the float arithmetic rounds to.
	blob := encodeVector(vec)
	rows, err := ix.db.Query(`
		SELECT id, CASE WHEN embedding = ? THEN 0.0 ELSE vec_distance_cosine(embedding, ?) END AS distance
		FROM vectors
		WHERE built = 1
		ORDER BY distance ASC, id ASC
		LIMIT ?
	`, blob, blob, k)
	if err != nil {
		return nil, fmt.Errorf("annindex: vec search failed: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Distance); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoMatch
	}
	return results, nil
}

// searchBruteForce scans every built vector in Go. Byte-identical vectors
// compare at distance exactly 0.
func (ix *Index) searchBruteForce(vec []float32, k int) ([]Result, error) {
	queryBlob := encodeVector(vec)

	rows, err := ix.db.Query("SELECT id, embedding FROM vectors WHERE built = 1")
	if err != nil {
		return nil, fmt.Errorf("annindex: scan failed: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}

		var distance float64
		if bytes.Equal(blob, queryBlob) {
			distance = 0
		} else {
			stored, err := decodeVector(blob)
			if err != nil {
				logging.Get(logging.CategoryIndex).Warn("skipping undecodable vector %d: %v", id, err)
				continue
			}
			distance, err = embedding.CosineDistance(vec, stored)
			if err != nil {
				logging.Get(logging.CategoryIndex).Warn("skipping vector %d: %v", id, err)
				continue
			}
		}
		results = append(results, Result{ID: id, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoMatch
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Rebuild makes all previously inserted vectors searchable.
func (ix *Index) Rebuild() error {
	timer := logging.StartTimer(logging.CategoryIndex, "Rebuild")
	defer timer.Stop()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	res, err := ix.db.Exec("UPDATE vectors SET built = 1 WHERE built = 0")
	if err != nil {
		return fmt.Errorf("annindex: rebuild failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Index("rebuilt index, %d vectors became searchable", n)
	}
	return nil
}

// Persist flushes the write-ahead log to the main database file.
func (ix *Index) Persist() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, err := ix.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("annindex: checkpoint failed: %w", err)
	}
	return nil
}

// Size returns the number of searchable vectors.
func (ix *Index) Size() (int64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var n int64
	if err := ix.db.QueryRow("SELECT COUNT(*) FROM vectors WHERE built = 1").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
