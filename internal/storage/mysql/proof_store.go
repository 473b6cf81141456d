package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/opencontainers/go-digest"

	"CredProof/internal/fingerprint"
	"CredProof/internal/manifest"
	"CredProof/internal/storage"
)

const errDuplicateEntry = 1062

const proofColumns = `reference, content_hash, perceptual, fingerprint_kind, manifest_digest, manifest, stored_at`

// ProofStore implements storage.Backend on MySQL.
type ProofStore struct {
	db *sql.DB
}

// Open connects to MySQL and applies pending migrations. The returned pool
// is shared by the proof store and the job store.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewProofStore opens a dedicated pool for proofs.
func NewProofStore(ctx context.Context, cfg Config) (*ProofStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ProofStore{db: db}, nil
}

// NewProofStoreWithDB wraps an existing pool whose schema is already
// migrated.
func NewProofStoreWithDB(db *sql.DB) *ProofStore {
	return &ProofStore{db: db}
}

// Close releases the underlying database connection pool.
func (s *ProofStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put implements storage.Backend. A duplicate primary key is resolved by
// reading the existing row and comparing manifest digests.
func (s *ProofStore) Put(ctx context.Context, rec *storage.ProofRecord) (*storage.ProofRecord, error) {
	encoded, err := json.Marshal(rec.Manifest)
	if err != nil {
		return nil, fmt.Errorf("序列化证明清单失败: %w", err)
	}
	const stmt = `INSERT INTO proofs
        (reference, content_hash, perceptual, fingerprint_kind, manifest_digest, manifest, stored_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		rec.Reference,
		rec.Fingerprint.ContentHash.String(),
		int64(rec.Fingerprint.Perceptual),
		string(rec.Fingerprint.Kind),
		rec.ManifestDigest.String(),
		string(encoded),
		rec.StoredAt.UnixMilli(),
	)
	if err == nil {
		return rec.Clone(), nil
	}
	var mysqlErr *gomysql.MySQLError
	if !errors.As(err, &mysqlErr) || mysqlErr.Number != errDuplicateEntry {
		return nil, fmt.Errorf("写入证明失败: %w", err)
	}
	existing, err := s.Get(ctx, rec.Reference)
	if err != nil {
		return nil, err
	}
	if existing.ManifestDigest != rec.ManifestDigest {
		return nil, storage.ErrConflict
	}
	return existing, nil
}

// Get implements storage.Backend.
func (s *ProofStore) Get(ctx context.Context, ref string) (*storage.ProofRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE reference = ?`, ref)
	return scanProof(row)
}

// FindByContentHash implements storage.Backend.
func (s *ProofStore) FindByContentHash(ctx context.Context, hash digest.Digest) (*storage.ProofRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proofColumns+` FROM proofs WHERE content_hash = ? ORDER BY stored_at DESC LIMIT 1`,
		hash.String())
	return scanProof(row)
}

// FindNear implements storage.Backend. The Hamming distance is computed by
// the database over the bit-cast perceptual column.
func (s *ProofStore) FindNear(ctx context.Context, perceptual uint64, maxDistance int) (*storage.ProofRecord, int, error) {
	const query = `SELECT ` + proofColumns + `, BIT_COUNT(perceptual ^ ?) AS distance FROM proofs
        WHERE BIT_COUNT(perceptual ^ ?) <= ?
        ORDER BY distance ASC, stored_at DESC LIMIT 1`
	p := int64(perceptual)
	row := s.db.QueryRowContext(ctx, query, p, p, maxDistance)
	var distance int
	rec, err := scanProof(row, &distance)
	if err != nil {
		return nil, 0, err
	}
	return rec, distance, nil
}

// DeleteBefore implements storage.Backend.
func (s *ProofStore) DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启清理事务失败: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT reference FROM proofs WHERE stored_at < ? FOR UPDATE`, cutoff.UnixMilli())
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("查询过期证明失败: %w", err)
	}
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			tx.Rollback()
			return nil, fmt.Errorf("解析过期证明失败: %w", err)
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if len(refs) == 0 {
		tx.Rollback()
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM proofs WHERE stored_at < ?`, cutoff.UnixMilli()); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("删除过期证明失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交清理事务失败: %w", err)
	}
	return refs, nil
}

// Ping checks connectivity; used by the health endpoint.
func (s *ProofStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanProof(row *sql.Row, extra ...any) (*storage.ProofRecord, error) {
	var (
		rec            storage.ProofRecord
		contentHash    string
		perceptual     int64
		kind           string
		manifestDigest string
		encoded        string
		storedAt       int64
	)
	dest := append([]any{&rec.Reference, &contentHash, &perceptual, &kind, &manifestDigest, &encoded, &storedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("读取证明失败: %w", err)
	}
	var m manifest.Manifest
	if err := json.Unmarshal([]byte(encoded), &m); err != nil {
		return nil, fmt.Errorf("解析证明 %s 失败: %w", rec.Reference, err)
	}
	rec.Fingerprint = fingerprint.Fingerprint{
		ContentHash: digest.Digest(contentHash),
		Perceptual:  uint64(perceptual),
		Kind:        fingerprint.Kind(kind),
	}
	rec.Manifest = &m
	rec.ManifestDigest = digest.Digest(manifestDigest)
	rec.StoredAt = time.UnixMilli(storedAt).UTC()
	return &rec, nil
}
