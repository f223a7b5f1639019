// Package vectorstore implements the persistent chunk index: brute-force
// cosine similarity search over an in-memory copy, backed by a bbolt file
// plus a JSON sidecar describing the index (dimension, chunk order, build
// time). Rebuilds are atomic: a new index is written beside the old one and
// renamed into place, so readers never observe a half-built index.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/synapsehq/synapse/pkg/models"
	"github.com/synapsehq/synapse/pkg/synerr"
)

const (
	dbFile      = "index.db"
	sidecarFile = "index.json"

	// ctxCheckStride bounds how long a search ignores cancellation.
	ctxCheckStride = 1024
)

var chunksBucket = []byte("chunks")

// Chunk is one indexed fragment of a source document.
type Chunk struct {
	ChunkID   string    `json:"chunk_id"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Tokens    int       `json:"tokens"`
	Embedding []float32 `json:"embedding"`
}

// sidecar is the index metadata document written next to the bbolt file.
type sidecar struct {
	Dimension int       `json:"dimension"`
	Order     []string  `json:"order"` // chunk ids in insertion order
	BuiltAt   time.Time `json:"built_at"`
	Sources   int       `json:"sources"`
}

// Store is the chunk index. Searches run against an in-memory copy loaded at
// open or swapped in atomically by Rebuild.
type Store struct {
	dir string

	mu      sync.RWMutex
	chunks  []Chunk // insertion order
	meta    sidecar
	present bool
}

// Open loads the index under dir. A missing index is not an error: the store
// opens empty and Ready reports false until the first rebuild.
func Open(dir string) (*Store, error) {
	s := &Store{dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, sidecarFile))
	if os.IsNotExist(err) {
		log.Info().Str("dir", dir).Msg("no chunk index present")
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &s.meta); err != nil {
		return nil, fmt.Errorf("parse index sidecar: %w", err)
	}

	chunks, err := loadChunks(filepath.Join(dir, dbFile), s.meta.Order)
	if err != nil {
		return nil, err
	}
	s.chunks = chunks
	s.present = true
	log.Info().
		Str("dir", dir).
		Int("chunks", len(chunks)).
		Int("dimension", s.meta.Dimension).
		Msg("chunk index loaded")
	return s, nil
}

func loadChunks(dbPath string, order []string) ([]Chunk, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	defer db.Close()

	byID := make(map[string]Chunk, len(order))
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		if b == nil {
			return fmt.Errorf("index db missing chunks bucket")
		}
		return b.ForEach(func(k, v []byte) error {
			var c Chunk
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decode chunk %s: %w", k, err)
			}
			byID[c.ChunkID] = c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// The sidecar's order is authoritative; bbolt iterates in key order.
	chunks := make([]Chunk, 0, len(order))
	for _, id := range order {
		c, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("index sidecar lists %s but db lacks it", id)
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// Ready reports whether an index is loaded and searchable.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.present
}

// Count returns the number of indexed chunks.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Dimension returns the embedding dimension of the loaded index, 0 if none.
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Dimension
}

// BuiltAt returns when the loaded index was built.
func (s *Store) BuiltAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.BuiltAt
}

// Search returns the topK chunks most similar to the query vector as
// artifacts with their relevance, best first. Equal scores keep insertion
// order, so identical inputs always produce identical rankings.
func (s *Store) Search(ctx context.Context, query []float32, topK int) ([]models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.present {
		return nil, synerr.New(synerr.KindRetrievalUnavailable, "no chunk index loaded")
	}
	if len(query) != s.meta.Dimension {
		return nil, synerr.Newf(synerr.KindRetrievalUnavailable,
			"query dimension %d does not match index dimension %d", len(query), s.meta.Dimension)
	}

	type scored struct {
		idx   int
		score float64
	}
	candidates := make([]scored, 0, len(s.chunks))
	for i, c := range s.chunks {
		if i%ctxCheckStride == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		candidates = append(candidates, scored{idx: i, score: cosineSimilarity(query, c.Embedding)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if topK > len(candidates) {
		topK = len(candidates)
	}
	results := make([]models.Artifact, topK)
	for i := 0; i < topK; i++ {
		c := s.chunks[candidates[i].idx]
		results[i] = models.Artifact{
			ChunkID:   c.ChunkID,
			Source:    c.Source,
			Text:      c.Text,
			Tokens:    c.Tokens,
			Embedding: c.Embedding,
			Relevance: candidates[i].score,
		}
	}
	return results, nil
}

// Append extends the loaded index with new chunks, keeping insertion order.
// New chunks rank after existing ones on tied scores. The sidecar swap is
// atomic; a crash between the db write and the swap leaves orphan db entries
// that the authoritative order ignores on the next load.
func (s *Store) Append(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return synerr.New(synerr.KindValidation, "append requires at least one chunk")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		return synerr.New(synerr.KindRetrievalUnavailable, "no chunk index loaded, rebuild first")
	}

	seen := make(map[string]struct{}, len(s.chunks)+len(chunks))
	sources := make(map[string]struct{})
	for _, c := range s.chunks {
		seen[c.ChunkID] = struct{}{}
		sources[c.Source] = struct{}{}
	}
	for i, c := range chunks {
		if c.ChunkID == "" {
			return synerr.Newf(synerr.KindValidation, "chunk %d has no id", i)
		}
		if _, dup := seen[c.ChunkID]; dup {
			return synerr.Newf(synerr.KindValidation, "chunk %s is already indexed", c.ChunkID)
		}
		if len(c.Embedding) != s.meta.Dimension {
			return synerr.Newf(synerr.KindValidation,
				"chunk %s dimension %d differs from index dimension %d",
				c.ChunkID, len(c.Embedding), s.meta.Dimension)
		}
		seen[c.ChunkID] = struct{}{}
		sources[c.Source] = struct{}{}
	}

	if err := writeChunks(ctx, filepath.Join(s.dir, dbFile), chunks); err != nil {
		return err
	}

	meta := s.meta
	meta.Order = make([]string, 0, len(s.meta.Order)+len(chunks))
	meta.Order = append(meta.Order, s.meta.Order...)
	for _, c := range chunks {
		meta.Order = append(meta.Order, c.ChunkID)
	}
	meta.Sources = len(sources)

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index sidecar: %w", err)
	}
	tmpMeta := filepath.Join(s.dir, ".index-append.json")
	if err := os.WriteFile(tmpMeta, metaData, 0o644); err != nil {
		return fmt.Errorf("write index sidecar: %w", err)
	}
	if err := os.Rename(tmpMeta, filepath.Join(s.dir, sidecarFile)); err != nil {
		os.Remove(tmpMeta)
		return fmt.Errorf("replace index sidecar: %w", err)
	}

	s.chunks = append(s.chunks, chunks...)
	s.meta = meta

	log.Info().
		Int("appended", len(chunks)).
		Int("chunks", len(s.chunks)).
		Msg("chunk index extended")
	return nil
}

// Rebuild writes a fresh index from chunks and swaps it in atomically. The
// previous index stays searchable until the swap completes.
func (s *Store) Rebuild(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return synerr.New(synerr.KindValidation, "rebuild requires at least one chunk")
	}
	dim := len(chunks[0].Embedding)
	sources := make(map[string]struct{})
	order := make([]string, len(chunks))
	for i, c := range chunks {
		if c.ChunkID == "" {
			return synerr.Newf(synerr.KindValidation, "chunk %d has no id", i)
		}
		if len(c.Embedding) != dim {
			return synerr.Newf(synerr.KindValidation,
				"chunk %s dimension %d differs from %d", c.ChunkID, len(c.Embedding), dim)
		}
		order[i] = c.ChunkID
		sources[c.Source] = struct{}{}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	tmpDB := filepath.Join(s.dir, ".index-rebuild.db")
	os.Remove(tmpDB)
	if err := writeChunks(ctx, tmpDB, chunks); err != nil {
		os.Remove(tmpDB)
		return err
	}

	meta := sidecar{
		Dimension: dim,
		Order:     order,
		BuiltAt:   time.Now().UTC(),
		Sources:   len(sources),
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		os.Remove(tmpDB)
		return fmt.Errorf("marshal index sidecar: %w", err)
	}
	tmpMeta := filepath.Join(s.dir, ".index-rebuild.json")
	if err := os.WriteFile(tmpMeta, metaData, 0o644); err != nil {
		os.Remove(tmpDB)
		return fmt.Errorf("write index sidecar: %w", err)
	}

	if err := os.Rename(tmpDB, filepath.Join(s.dir, dbFile)); err != nil {
		os.Remove(tmpDB)
		os.Remove(tmpMeta)
		return fmt.Errorf("replace index db: %w", err)
	}
	if err := os.Rename(tmpMeta, filepath.Join(s.dir, sidecarFile)); err != nil {
		os.Remove(tmpMeta)
		return fmt.Errorf("replace index sidecar: %w", err)
	}

	s.mu.Lock()
	s.chunks = chunks
	s.meta = meta
	s.present = true
	s.mu.Unlock()

	log.Info().
		Int("chunks", len(chunks)).
		Int("sources", len(sources)).
		Int("dimension", dim).
		Msg("chunk index rebuilt")
	return nil
}

func writeChunks(ctx context.Context, path string, chunks []Chunk) error {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("create index db: %w", err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(chunksBucket)
		if err != nil {
			return err
		}
		for i, c := range chunks {
			if i%ctxCheckStride == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode chunk %s: %w", c.ChunkID, err)
			}
			if err := b.Put([]byte(c.ChunkID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
