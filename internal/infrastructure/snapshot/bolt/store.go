package bolt

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/core/ports"
)

var (
	sparseBucket = []byte("sparse")
	denseBucket  = []byte("dense")
)

type sparseRecord struct {
	IndexName  string
	DocumentID string
	Tokens     []string
}

type denseRecord struct {
	IndexName  string
	DocumentID string
	Vector     []float32
	Metadata   map[string]string
}

const lockStripes = 64

// Store journals index writes to a bolt file so in-memory indexes can be rebuilt on start.
type Store struct {
	db *bolt.DB

	// A journal holds the stripe of a document across its index write and the matching
	// put, so the journal records writes in the order the live index applied them.
	stripes [lockStripes]sync.Mutex
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sparseBucket, denseBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init snapshot buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket []byte, indexName, documentID string, value any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("encode snapshot record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(recordKey(indexName, documentID), buf.Bytes())
	})
}

func (s *Store) delete(bucket []byte, indexName, documentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(recordKey(indexName, documentID))
	})
}

// RestoreStats counts replayed records per index type.
type RestoreStats struct {
	Sparse int
	Dense  int
}

// Restore replays every journaled entry into the given indexes. Either index may be nil.
func (s *Store) Restore(ctx context.Context, sparse ports.SparseIndex, dense ports.DenseIndex) (RestoreStats, error) {
	var stats RestoreStats
	err := s.db.View(func(tx *bolt.Tx) error {
		if sparse != nil {
			err := tx.Bucket(sparseBucket).ForEach(func(_, value []byte) error {
				var rec sparseRecord
				if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&rec); err != nil {
					return fmt.Errorf("decode sparse record: %w", err)
				}
				if err := sparse.Index(ctx, rec.IndexName, rec.DocumentID, rec.Tokens); err != nil {
					return fmt.Errorf("replay sparse %s/%s: %w", rec.IndexName, rec.DocumentID, err)
				}
				stats.Sparse++
				return nil
			})
			if err != nil {
				return err
			}
		}
		if dense != nil {
			err := tx.Bucket(denseBucket).ForEach(func(_, value []byte) error {
				var rec denseRecord
				if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&rec); err != nil {
					return fmt.Errorf("decode dense record: %w", err)
				}
				if err := dense.Upsert(ctx, rec.IndexName, rec.DocumentID, rec.Vector, rec.Metadata); err != nil {
					return fmt.Errorf("replay dense %s/%s: %w", rec.IndexName, rec.DocumentID, err)
				}
				stats.Dense++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stats, domain.WrapError(domain.ErrStorage, "restore snapshot", err)
	}
	return stats, nil
}

func recordKey(indexName, documentID string) []byte {
	return []byte(indexName + "\x00" + documentID)
}

// SparseJournal mirrors successful sparse writes into the store.
type SparseJournal struct {
	inner ports.SparseIndex
	store *Store
}

func NewSparseJournal(inner ports.SparseIndex, store *Store) *SparseJournal {
	return &SparseJournal{inner: inner, store: store}
}

func (j *SparseJournal) Index(ctx context.Context, indexName, documentID string, tokens []string) error {
	defer j.store.lock(indexName, documentID)()
	if err := j.inner.Index(ctx, indexName, documentID, tokens); err != nil {
		return err
	}
	rec := sparseRecord{IndexName: indexName, DocumentID: documentID, Tokens: tokens}
	if err := j.store.put(sparseBucket, indexName, documentID, rec); err != nil {
		return domain.WrapError(domain.ErrStorage, "journal sparse entry", err)
	}
	return nil
}

func (j *SparseJournal) Score(ctx context.Context, indexName, query string, topK int) ([]domain.RetrievalResult, error) {
	return j.inner.Score(ctx, indexName, query, topK)
}

func (j *SparseJournal) Delete(ctx context.Context, indexName, documentID string) error {
	defer j.store.lock(indexName, documentID)()
	if err := j.inner.Delete(ctx, indexName, documentID); err != nil {
		return err
	}
	if err := j.store.delete(sparseBucket, indexName, documentID); err != nil {
		return domain.WrapError(domain.ErrStorage, "journal sparse delete", err)
	}
	return nil
}

func (j *SparseJournal) Stats(ctx context.Context, indexName string) (domain.IndexStats, error) {
	reader, ok := j.inner.(ports.IndexStatsReader)
	if !ok {
		return domain.IndexStats{}, errors.New("sparse index does not expose stats")
	}
	return reader.Stats(ctx, indexName)
}

// DenseJournal mirrors successful dense writes into the store.
type DenseJournal struct {
	inner ports.DenseIndex
	store *Store
}

func NewDenseJournal(inner ports.DenseIndex, store *Store) *DenseJournal {
	return &DenseJournal{inner: inner, store: store}
}

func (j *DenseJournal) Upsert(ctx context.Context, indexName, documentID string, vector []float32, metadata map[string]string) error {
	defer j.store.lock(indexName, documentID)()
	if err := j.inner.Upsert(ctx, indexName, documentID, vector, metadata); err != nil {
		return err
	}
	rec := denseRecord{IndexName: indexName, DocumentID: documentID, Vector: vector, Metadata: metadata}
	if err := j.store.put(denseBucket, indexName, documentID, rec); err != nil {
		return domain.WrapError(domain.ErrStorage, "journal dense entry", err)
	}
	return nil
}

func (j *DenseJournal) Search(ctx context.Context, indexName string, queryVector []float32, topK int) ([]domain.RetrievalResult, error) {
	return j.inner.Search(ctx, indexName, queryVector, topK)
}

func (j *DenseJournal) Lookup(ctx context.Context, indexName string, documentIDs []string) ([]domain.DenseEntry, error) {
	return j.inner.Lookup(ctx, indexName, documentIDs)
}

func (j *DenseJournal) Delete(ctx context.Context, indexName, documentID string) error {
	defer j.store.lock(indexName, documentID)()
	if err := j.inner.Delete(ctx, indexName, documentID); err != nil {
		return err
	}
	if err := j.store.delete(denseBucket, indexName, documentID); err != nil {
		return domain.WrapError(domain.ErrStorage, "journal dense delete", err)
	}
	return nil
}
