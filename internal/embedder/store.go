package embedder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// collectionName is the single chromem collection holding chunk vectors,
// keyed by the decimal chunk id.
const collectionName = "context_chunks"

// Document is one chunk's entry in the vector store. Embedding is always
// precomputed by the caller; the store never invokes an embedding function.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

// Store wraps an embedded chromem database holding one vector per chunk.
// Vectors live in memory and are exported to a gob file after every mutation
// so restarts keep the index. Losing the file is harmless — the backfill
// sweep re-embeds anything missing.
type Store struct {
	db          *chromem.DB
	col         *chromem.Collection
	persistPath string
	compress    bool
	logger      *zap.Logger
}

// NewStore opens (or creates) the vector store. persistPath is a directory;
// empty means memory-only.
func NewStore(persistPath string, compress bool, logger *zap.Logger) (*Store, error) {
	log := logger.Named("vectorstore")

	var db *chromem.DB
	if persistPath != "" {
		if err := os.MkdirAll(persistPath, 0o755); err != nil {
			return nil, fmt.Errorf("vectorstore: create persist directory: %w", err)
		}

		dbPath := gobPath(persistPath, compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded := chromem.NewDB()
			if err := loaded.Import(dbPath, ""); err != nil {
				log.Warn("failed to load existing vector database, creating new",
					zap.String("path", dbPath),
					zap.Error(err),
				)
				db = chromem.NewDB()
			} else {
				log.Info("loaded vector database", zap.String("path", dbPath))
				db = loaded
			}
		} else {
			db = chromem.NewDB()
			log.Info("created vector database", zap.String("path", dbPath))
		}
	} else {
		db = chromem.NewDB()
		log.Info("created in-memory vector database")
	}

	// Identity function: vectors arrive precomputed, so chromem must never
	// need to embed on its own.
	identity := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectorstore: embedding requested but vectors are precomputed")
	}

	col, err := db.GetOrCreateCollection(collectionName, nil, identity)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: get collection: %w", err)
	}

	return &Store{
		db:          db,
		col:         col,
		persistPath: persistPath,
		compress:    compress,
		logger:      log,
	}, nil
}

// Upsert writes one entry per document, overwriting entries with the same id.
func (s *Store) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	entries := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: d.Embedding,
		})
	}

	if err := s.col.AddDocuments(ctx, entries, 1); err != nil {
		return fmt.Errorf("vectorstore: upsert: %w", err)
	}

	if err := s.persist(); err != nil {
		s.logger.Warn("failed to persist after upsert", zap.Error(err))
	}
	return nil
}

// Has reports whether an entry exists for the given id.
func (s *Store) Has(ctx context.Context, id string) bool {
	_, err := s.col.GetByID(ctx, id)
	return err == nil
}

// Delete removes the entries with the given ids. Missing ids are ignored.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if s.Has(ctx, id) {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return nil
	}

	if err := s.col.Delete(ctx, nil, nil, present...); err != nil {
		return fmt.Errorf("vectorstore: delete: %w", err)
	}

	if err := s.persist(); err != nil {
		s.logger.Warn("failed to persist after delete", zap.Error(err))
	}
	return nil
}

// Count returns the number of stored vectors.
func (s *Store) Count() int {
	return s.col.Count()
}

// Close persists the database.
func (s *Store) Close() error {
	return s.persist()
}

func (s *Store) persist() error {
	if s.persistPath == "" {
		return nil
	}
	dbPath := gobPath(s.persistPath, s.compress)
	if err := s.db.Export(dbPath, s.compress, ""); err != nil {
		return fmt.Errorf("vectorstore: persist: %w", err)
	}
	return nil
}

func gobPath(dir string, compress bool) string {
	name := "vectors.gob"
	if compress {
		name += ".gz"
	}
	return filepath.Join(dir, name)
}
