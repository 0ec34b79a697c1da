package annindex

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func openTestIndex(t *testing.T, dims int) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "index.db"), dims)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestInsertNotSearchableBeforeRebuild(t *testing.T) {
	ix := openTestIndex(t, 3)

	if _, err := ix.Insert([]float32{1, 0, 0}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	_, err := ix.Search([]float32{1, 0, 0}, 1)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch before rebuild, got %v", err)
	}

	if err := ix.Rebuild(); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	results, err := ix.Search([]float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search failed after rebuild: %v", err)
	}
	if len(results) != 1 || results[0].Distance != 0 {
		t.Fatalf("expected exact match at distance 0, got %+v", results)
	}
}

func TestSearchOrdering(t *testing.T) {
	ix := openTestIndex(t, 3)

	ids := make(map[string]int64)
	for name, vec := range map[string][]float32{
		"east":  {1, 0, 0},
		"north": {0, 1, 0},
		"near":  {0.9, 0.1, 0},
	} {
		id, err := ix.Insert(vec)
		if err != nil {
			t.Fatalf("Insert %s failed: %v", name, err)
		}
		ids[name] = id
	}
	if err := ix.Rebuild(); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	results, err := ix.Search([]float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != ids["east"] {
		t.Errorf("closest should be east, got id %d", results[0].ID)
	}
	if results[1].ID != ids["near"] {
		t.Errorf("second should be near, got id %d", results[1].ID)
	}
	if results[2].ID != ids["north"] {
		t.Errorf("third should be north, got id %d", results[2].ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Errorf("distances not ascending: %+v", results)
		}
	}
}

func TestInsertOrReuseDedupWithinBatch(t *testing.T) {
	ix := openTestIndex(t, 3)
	batch := make(map[string]int64)

	vec := []float32{0.5, 0.5, 0}
	first, err := ix.InsertOrReuse(vec, batch)
	if err != nil {
		t.Fatalf("first InsertOrReuse failed: %v", err)
	}
	second, err := ix.InsertOrReuse(vec, batch)
	if err != nil {
		t.Fatalf("second InsertOrReuse failed: %v", err)
	}
	if first != second {
		t.Errorf("identical vectors in one batch got ids %d and %d", first, second)
	}
}

func TestInsertOrReuseDedupAcrossRebuild(t *testing.T) {
	ix := openTestIndex(t, 3)

	vec := []float32{0.25, 0.75, 0}
	first, err := ix.InsertOrReuse(vec, make(map[string]int64))
	if err != nil {
		t.Fatalf("InsertOrReuse failed: %v", err)
	}
	if err := ix.Rebuild(); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	// New batch; the built duplicate must be found via search.
	second, err := ix.InsertOrReuse(vec, make(map[string]int64))
	if err != nil {
		t.Fatalf("InsertOrReuse failed: %v", err)
	}
	if first != second {
		t.Errorf("identical vector across rebuilds got ids %d and %d", first, second)
	}
}

func TestInsertOrReuseKeepsDistinctVectorsApart(t *testing.T) {
	ix := openTestIndex(t, 3)
	batch := make(map[string]int64)

	a, err := ix.InsertOrReuse([]float32{1, 0, 0}, batch)
	if err != nil {
		t.Fatalf("InsertOrReuse failed: %v", err)
	}
	// Extremely close but not bit-identical; must not be merged.
	b, err := ix.InsertOrReuse([]float32{1, 1e-7, 0}, batch)
	if err != nil {
		t.Fatalf("InsertOrReuse failed: %v", err)
	}
	if a == b {
		t.Error("near-identical vectors were merged; only bit-identical vectors may share an id")
	}
}

func TestDimensionCheck(t *testing.T) {
	ix := openTestIndex(t, 4)
	if _, err := ix.Insert([]float32{1, 0}); err == nil {
		t.Fatal("expected error for wrong dimensionality")
	}
	if _, err := ix.Search([]float32{1, 0}, 1); err == nil {
		t.Fatal("expected error for wrong query dimensionality")
	}
}

func TestSizeAndPersist(t *testing.T) {
	ix := openTestIndex(t, 2)

	for i := 0; i < 3; i++ {
		if _, err := ix.Insert([]float32{float32(i), 1}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	n, err := ix.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if n != 0 {
		t.Errorf("unbuilt vectors counted as searchable: %d", n)
	}

	if err := ix.Rebuild(); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if err := ix.Persist(); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	n, err = ix.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 searchable vectors, got %d", n)
	}
}

func TestVectorBlobRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, math.MaxFloat32, 0}
	decoded, err := decodeVector(encodeVector(vec))
	if err != nil {
		t.Fatalf("decodeVector failed: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("length mismatch: %d != %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("index %d: %v != %v", i, decoded[i], vec[i])
		}
	}

	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated blob")
	}
}
