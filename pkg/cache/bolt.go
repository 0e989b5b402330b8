package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

const bucketArtifacts = "artifacts"

// BoltOptions configures a BoltBackend.
type BoltOptions struct {
	Compression Compression
	// MaxBytes bounds the stored envelope bytes; the oldest builds are
	// pruned on write. Zero disables the bound.
	MaxBytes int64
	Logger   *slog.Logger
}

// BoltBackend persists artifacts in a local bbolt database so the cache
// survives restarts.
type BoltBackend struct {
	db          *bbolt.DB
	compression Compression
	maxBytes    int64
	logger      *slog.Logger
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string, opts BoltOptions) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketArtifacts))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BoltBackend{
		db:          db,
		compression: opts.Compression,
		maxBytes:    opts.MaxBytes,
		logger:      logger,
	}, nil
}

func (b *BoltBackend) Name() string { return "bolt" }

func (b *BoltBackend) Get(_ context.Context, key bundle.Key) (bundle.Artifact, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(bucketArtifacts)).Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return bundle.Artifact{}, err
	}
	if data == nil {
		return bundle.Artifact{}, ErrMiss
	}
	return decodeArtifact(key, data)
}

func (b *BoltBackend) Put(_ context.Context, art bundle.Artifact) error {
	data, err := encodeArtifact(art, b.compression)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if b.maxBytes > 0 && int64(len(data)) > b.maxBytes {
		return fmt.Errorf("artifact %s needs %d bytes, above the %d byte limit", art.Key, len(data), b.maxBytes)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketArtifacts))
		if err := bucket.Put([]byte(art.Key), data); err != nil {
			return err
		}
		return b.prune(bucket, art.Key)
	})
}

// prune deletes the oldest builds until the bucket fits maxBytes. keep is
// never pruned.
func (b *BoltBackend) prune(bucket *bbolt.Bucket, keep bundle.Key) error {
	if b.maxBytes <= 0 {
		return nil
	}

	type stored struct {
		key     []byte
		bytes   int64
		builtAt time.Time
	}
	var (
		all   []stored
		total int64
	)
	err := bucket.ForEach(func(k, v []byte) error {
		s := stored{key: append([]byte(nil), k...), bytes: int64(len(v))}
		if sum, err := decodeSummary(v); err == nil {
			s.builtAt = sum.BuiltAt
		}
		total += s.bytes
		all = append(all, s)
		return nil
	})
	if err != nil || total <= b.maxBytes {
		return err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].builtAt.Before(all[j].builtAt) })
	pruned := 0
	for _, s := range all {
		if total <= b.maxBytes {
			break
		}
		if bundle.Key(s.key) == keep {
			continue
		}
		if err := bucket.Delete(s.key); err != nil {
			return err
		}
		total -= s.bytes
		pruned++
	}
	b.logger.Debug("pruned persisted cache entries", "count", pruned, "bytes", total)
	return nil
}

func (b *BoltBackend) Delete(_ context.Context, key bundle.Key) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketArtifacts)).Delete([]byte(key))
	})
}

func (b *BoltBackend) List(_ context.Context) ([]EntrySummary, error) {
	var out []EntrySummary
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketArtifacts)).ForEach(func(k, v []byte) error {
			sum, err := decodeSummary(v)
			if err != nil {
				// Unreadable entries stay listed so they can be purged.
				sum = EntrySummary{Size: int64(len(v))}
			}
			sum.Key = bundle.Key(k)
			out = append(out, sum)
			return nil
		})
	})
	return out, err
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
