package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"CredProof/internal/fingerprint"
	"CredProof/pkg/logger"
)

const (
	indexFile = "index.log"
	tmpSuffix = ".tmp"
)

var errCorruptObject = errors.New("corrupt proof object")

// indexEntry is one line of index.log. Deletions are recorded as tombstones
// so the log can be replayed on start-up.
type indexEntry struct {
	Op             string        `json:"op"`
	Reference      string        `json:"ref"`
	ContentHash    digest.Digest `json:"content_hash,omitempty"`
	Perceptual     uint64        `json:"perceptual,omitempty"`
	ManifestDigest digest.Digest `json:"manifest_digest,omitempty"`
	StoredAt       time.Time     `json:"stored_at,omitempty"`
}

// FileBackend is the object-store style durable tier: one immutable JSON
// object per proof plus an append-only index used for hash lookups. Objects
// are the source of truth; the index is reconciled against them on open.
// A directory is owned by a single process.
//
//	objects/<ref>.json  proof record
//	index.log           put/delete log
type FileBackend struct {
	mu    sync.RWMutex
	dir   string
	index map[string]indexEntry
	log   *slog.Logger
}

// NewFileBackend opens or creates a file backend rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("创建证明目录失败: %w", err)
	}
	b := &FileBackend{dir: dir, index: make(map[string]indexEntry), log: logger.Named("storage")}
	if err := b.loadIndex(); err != nil {
		return nil, err
	}
	if err := b.reconcile(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) objectsDir() string {
	return filepath.Join(b.dir, "objects")
}

func (b *FileBackend) objectPath(ref string) string {
	return filepath.Join(b.objectsDir(), ref+".json")
}

// Put implements Backend. The object is written to a temporary file and
// renamed into place, so a reader never sees a partial record. An existing
// object that cannot be parsed is left over from a crash and is replaced.
func (b *FileBackend) Put(ctx context.Context, rec *ProofRecord) (*ProofRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidReference(rec.Reference) {
		return nil, fmt.Errorf("invalid proof reference %q", rec.Reference)
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("序列化证明失败: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.readObject(rec.Reference)
	switch {
	case err == nil:
		if existing.ManifestDigest != rec.ManifestDigest {
			return nil, ErrConflict
		}
		if _, ok := b.index[existing.Reference]; !ok {
			// 对象已落盘但索引行丢失，补写索引。
			if err := b.indexRecord(existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	case errors.Is(err, ErrNotFound):
	case errors.Is(err, errCorruptObject):
		b.log.Warn("覆盖损坏的证明文件", slog.String("reference", rec.Reference), slog.Any("error", err))
	default:
		return nil, err
	}

	if err := b.writeObject(rec.Reference, encoded); err != nil {
		return nil, err
	}
	if err := b.indexRecord(rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (b *FileBackend) writeObject(ref string, encoded []byte) error {
	tmp, err := os.CreateTemp(b.objectsDir(), ref+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("创建证明临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(format string, err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf(format, err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		return fail("写入证明文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("同步证明文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("关闭证明文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, b.objectPath(ref)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("提交证明文件失败: %w", err)
	}
	return syncDir(b.objectsDir())
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("打开证明目录失败: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("同步证明目录失败: %w", err)
	}
	return nil
}

func (b *FileBackend) indexRecord(rec *ProofRecord) error {
	entry := indexEntry{
		Op:             "put",
		Reference:      rec.Reference,
		ContentHash:    rec.Fingerprint.ContentHash,
		Perceptual:     rec.Fingerprint.Perceptual,
		ManifestDigest: rec.ManifestDigest,
		StoredAt:       rec.StoredAt,
	}
	if err := b.appendIndex(entry); err != nil {
		return err
	}
	b.index[rec.Reference] = entry
	return nil
}

// Get implements Backend.
func (b *FileBackend) Get(ctx context.Context, ref string) (*ProofRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidReference(ref) {
		return nil, ErrNotFound
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.readObject(ref)
}

// FindByContentHash implements Backend.
func (b *FileBackend) FindByContentHash(ctx context.Context, hash digest.Digest) (*ProofRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best *indexEntry
	for _, entry := range b.index {
		if entry.ContentHash != hash {
			continue
		}
		if best == nil || entry.StoredAt.After(best.StoredAt) {
			e := entry
			best = &e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return b.readObject(best.Reference)
}

// FindNear implements Backend.
func (b *FileBackend) FindNear(ctx context.Context, perceptual uint64, maxDistance int) (*ProofRecord, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best *ProofRecord
	bestDistance := 0
	for _, entry := range b.index {
		d := fingerprint.Distance(perceptual, entry.Perceptual)
		if d > maxDistance {
			continue
		}
		candidate := &ProofRecord{Reference: entry.Reference, StoredAt: entry.StoredAt}
		if closer(candidate, d, best, bestDistance) {
			best, bestDistance = candidate, d
		}
	}
	if best == nil {
		return nil, 0, ErrNotFound
	}
	rec, err := b.readObject(best.Reference)
	if err != nil {
		return nil, 0, err
	}
	return rec, bestDistance, nil
}

// DeleteBefore implements Backend.
func (b *FileBackend) DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var removed []string
	for ref, entry := range b.index {
		if !entry.StoredAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(b.objectPath(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("删除证明文件失败: %w", err)
		}
		if err := b.appendIndex(indexEntry{Op: "delete", Reference: ref}); err != nil {
			return removed, err
		}
		delete(b.index, ref)
		removed = append(removed, ref)
	}
	return removed, nil
}

// Close implements Backend.
func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) readObject(ref string) (*ProofRecord, error) {
	raw, err := os.ReadFile(b.objectPath(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取证明文件失败: %w", err)
	}
	var rec ProofRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errCorruptObject, ref, err)
	}
	if rec.Reference != ref {
		return nil, fmt.Errorf("%w %s: holds reference %q", errCorruptObject, ref, rec.Reference)
	}
	return &rec, nil
}

func (b *FileBackend) appendIndex(entry indexEntry) error {
	file, err := os.OpenFile(filepath.Join(b.dir, indexFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开证明索引失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化证明索引失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入证明索引失败: %w", err)
	}
	return nil
}

func (b *FileBackend) loadIndex() error {
	file, err := os.OpenFile(filepath.Join(b.dir, indexFile), os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取证明索引失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry indexEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 半行写入（进程崩溃）直接跳过，对象文件仍然是权威数据。
			continue
		}
		switch entry.Op {
		case "put":
			b.index[entry.Reference] = entry
		case "delete":
			delete(b.index, entry.Reference)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析证明索引失败: %w", err)
	}
	return nil
}

// reconcile makes the index agree with objects/: objects without an index
// line are indexed, index lines without an object are tombstoned, and
// temporary files left by an interrupted Put are removed.
func (b *FileBackend) reconcile() error {
	entries, err := os.ReadDir(b.objectsDir())
	if err != nil {
		return fmt.Errorf("读取证明目录失败: %w", err)
	}
	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(name, tmpSuffix) {
			if err := os.Remove(filepath.Join(b.objectsDir(), name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("清理证明临时文件失败: %w", err)
			}
			continue
		}
		ref, ok := strings.CutSuffix(name, ".json")
		if !ok || !ValidReference(ref) {
			continue
		}
		present[ref] = true
		if _, indexed := b.index[ref]; indexed {
			continue
		}
		rec, err := b.readObject(ref)
		if err != nil {
			b.log.Warn("跳过无法解析的证明文件", slog.String("reference", ref), slog.Any("error", err))
			continue
		}
		if err := b.indexRecord(rec); err != nil {
			return err
		}
		b.log.Info("证明索引已补全", slog.String("reference", ref))
	}

	for ref := range b.index {
		if present[ref] {
			continue
		}
		if err := b.appendIndex(indexEntry{Op: "delete", Reference: ref}); err != nil {
			return err
		}
		delete(b.index, ref)
	}
	return nil
}
