// Package codecache persists V8 code caches in a SQLite database so
// repeated compiles of the same source can skip parsing and compilation.
package codecache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/cryguy/hostv8"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// maxCacheSize bounds a decompressed entry.
const maxCacheSize = 64 * 1024 * 1024

const schema = `CREATE TABLE IF NOT EXISTS code_cache (
	digest     TEXT PRIMARY KEY,
	origin     TEXT NOT NULL,
	data       BLOB NOT NULL,
	raw_size   INTEGER NOT NULL,
	hits       INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
)`

// Options configures a Store.
type Options struct {
	// Path of the database file. Empty or ":memory:" keeps the cache in
	// memory for the life of the Store.
	Path string

	// Quality is the Brotli level (0-11). Zero selects brotli.DefaultCompression.
	Quality int

	// Logger receives hit/miss/rejection events. nil disables logging.
	Logger *zap.Logger
}

// Store maps source text to a compressed code cache. Entries are keyed by
// the SHA-256 of the engine version and the source, so a cache produced by
// another V8 build is never offered to the engine.
type Store struct {
	db      *sql.DB
	quality int
	log     *zap.Logger
	version string
}

// Open opens (or creates) the store described by opts.
func Open(opts Options) (*Store, error) {
	path := opts.Path
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating code cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening code cache %q: %w", path, err)
	}
	// Each connection to ":memory:" is its own database.
	db.SetMaxOpenConns(1)
	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating code cache schema: %w", err)
	}

	quality := opts.Quality
	if quality == 0 {
		quality = brotli.DefaultCompression
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, quality: quality, log: log.Named("codecache"), version: hostv8.Version()}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Digest returns the key under which code is stored.
func (s *Store) Digest(code string) string {
	h := sha256.New()
	io.WriteString(h, s.version)
	h.Write([]byte{0})
	io.WriteString(h, code)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached data for code.
func (s *Store) Get(ctx context.Context, code string) ([]byte, bool, error) {
	digest := s.Digest(code)
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM code_cache WHERE digest = ?", digest).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading code cache: %w", err)
	}
	data, err := decompress(blob)
	if err != nil {
		return nil, false, fmt.Errorf("decompressing code cache %s: %w", digest[:12], err)
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE code_cache SET hits = hits + 1 WHERE digest = ?", digest); err != nil {
		return nil, false, fmt.Errorf("updating code cache hits: %w", err)
	}
	return data, true, nil
}

// Put stores data as the cache for code, replacing any previous entry.
func (s *Store) Put(ctx context.Context, origin, code string, data []byte) error {
	blob, err := s.compress(data)
	if err != nil {
		return fmt.Errorf("compressing code cache: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO code_cache (digest, origin, data, raw_size, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(digest) DO UPDATE SET origin = excluded.origin, data = excluded.data,
		 raw_size = excluded.raw_size, hits = 0, created_at = excluded.created_at`,
		s.Digest(code), origin, blob, len(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("writing code cache: %w", err)
	}
	return nil
}

// Delete drops the entry for code.
func (s *Store) Delete(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM code_cache WHERE digest = ?", s.Digest(code)); err != nil {
		return fmt.Errorf("deleting code cache: %w", err)
	}
	return nil
}

// Stats summarizes the store contents.
type Stats struct {
	Entries        int
	RawBytes       int64
	CompressedSize int64
	Hits           int64
}

// Stats reports entry counts and sizes.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(raw_size), 0), COALESCE(SUM(LENGTH(data)), 0), COALESCE(SUM(hits), 0) FROM code_cache").
		Scan(&st.Entries, &st.RawBytes, &st.CompressedSize, &st.Hits)
	if err != nil {
		return Stats{}, fmt.Errorf("reading code cache stats: %w", err)
	}
	return st, nil
}

// Compile compiles src through the cache. A stored cache is offered to the
// engine; when there is none, or the engine rejects it, a fresh cache is
// produced from the compiled script and stored. Store errors are logged and
// never fail the compile. ok is false when compilation raised an exception
// on s.
func (s *Store) Compile(ctx context.Context, sc hostv8.Scope, src *hostv8.Source) (hostv8.Local[hostv8.UnboundScript], bool) {
	name := src.Origin.ResourceName
	data, hit, err := s.Get(ctx, src.Code)
	if err != nil {
		s.log.Warn("code cache lookup failed", zap.String("origin", name), zap.Error(err))
	}
	if hit {
		src.CachedData = data
	}

	script, ok := hostv8.CompileUnboundScript(sc, src)
	if !ok {
		return script, false
	}

	switch {
	case hit && !src.CachedDataRejected():
		s.log.Debug("code cache hit", zap.String("origin", name))
		return script, true
	case hit:
		s.log.Debug("code cache rejected", zap.String("origin", name))
	default:
		s.log.Debug("code cache miss", zap.String("origin", name))
	}

	fresh := script.Deref().CreateCodeCache()
	if len(fresh) == 0 {
		return script, true
	}
	if err := s.Put(ctx, name, src.Code, fresh); err != nil {
		s.log.Warn("code cache store failed", zap.String("origin", name), zap.Error(err))
	}
	return script, true
}

func (s *Store) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, s.quality)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(blob []byte) ([]byte, error) {
	r := io.LimitReader(brotli.NewReader(bytes.NewReader(blob)), maxCacheSize+1)
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) > maxCacheSize {
		return nil, fmt.Errorf("entry exceeds %d bytes", maxCacheSize)
	}
	return data, nil
}
