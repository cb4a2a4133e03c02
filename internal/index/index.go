// Package index keeps record embeddings in a chromem-go vector database.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/sekai-engine/sekai-memory/internal/embedding"
	"github.com/sekai-engine/sekai-memory/internal/model"
)

const worldCollection = "world"

// Index holds one collection per character memory space plus a shared world collection.
// A C2U/IC record is added to the collections of both its subject and object.
type Index struct {
	db       *chromem.DB
	embedder embedding.Embedder
	logger   *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// New opens the index. An empty path keeps it in memory only.
func New(path string, embedder embedding.Embedder, logger *slog.Logger) (*Index, error) {
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		db:          db,
		embedder:    embedder,
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func collectionName(characterID string) string {
	return "char_" + characterID
}

func (x *Index) collection(name string) (*chromem.Collection, error) {
	x.mu.RLock()
	col, ok := x.collections[name]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[name]; ok {
		return col, nil
	}
	col, err := x.db.GetOrCreateCollection(name, nil, chromem.EmbeddingFunc(x.embedder.Embed))
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	x.collections[name] = col
	return col, nil
}

func targets(rec model.MemoryRecord) []string {
	if rec.Type == model.World {
		return []string{worldCollection}
	}
	names := []string{collectionName(rec.SubjectID)}
	if rec.ObjectID != rec.SubjectID {
		names = append(names, collectionName(rec.ObjectID))
	}
	return names
}

// Add embeds the record content and indexes it. It returns the vector so
// callers can score it without a second lookup.
func (x *Index) Add(ctx context.Context, rec model.MemoryRecord) (embedding.Vector, error) {
	vec, err := x.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return nil, fmt.Errorf("embed record %s: %w", rec.ID, err)
	}
	if isZero(vec) {
		// chromem cannot normalise a zero vector; such a record simply never matches.
		return vec, nil
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: vec,
		Metadata: map[string]string{
			"type":    string(rec.Type),
			"subject": rec.SubjectID,
			"object":  rec.ObjectID,
			"chapter": strconv.Itoa(rec.Chapter),
		},
	}
	for _, name := range targets(rec) {
		col, err := x.collection(name)
		if err != nil {
			return nil, err
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("index record %s: %w", rec.ID, err)
		}
	}
	x.logger.Debug("indexed record", "id", rec.ID, "type", rec.Type, "collections", len(targets(rec)))
	return vec, nil
}

// Similarities returns the cosine similarity of every document in the
// character's space and the world collection to the query vector.
func (x *Index) Similarities(ctx context.Context, characterID string, query embedding.Vector) (map[string]float64, error) {
	out := make(map[string]float64)
	if isZero(query) {
		return out, nil
	}
	for _, name := range []string{collectionName(characterID), worldCollection} {
		col, err := x.collection(name)
		if err != nil {
			return nil, err
		}
		n := col.Count()
		if n == 0 {
			continue
		}
		results, err := col.QueryEmbedding(ctx, query, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		for _, r := range results {
			out[r.ID] = float64(r.Similarity)
		}
	}
	return out, nil
}

// Embed exposes the index embedder for query vectors.
func (x *Index) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	return x.embedder.Embed(ctx, text)
}

func isZero(v embedding.Vector) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}
