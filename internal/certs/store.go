package certs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// State records which certificates are currently in use.
type State struct {
	RootID   string `json:"root_id"`
	ActiveID string `json:"active_id"`
}

// Store persists certificates, sealed keys and the revocation list.
type Store interface {
	PutCertificate(ctx context.Context, cert *Certificate) error
	Certificates(ctx context.Context) ([]*Certificate, error)
	PutKey(ctx context.Context, id string, sealed []byte) error
	Key(ctx context.Context, id string) ([]byte, error)
	PutRevocations(ctx context.Context, list *RevocationList) error
	// Revocations returns nil when no list has been written yet.
	Revocations(ctx context.Context) (*RevocationList, error)
	PutState(ctx context.Context, state State) error
	State(ctx context.Context) (State, error)
}

// ErrKeyNotFound 表示密钥库中不存在对应证书的私钥。
var ErrKeyNotFound = errors.New("sealed key not found")

// FileStore keeps the certificate hierarchy in a directory:
//
//	certs/<id>.json  certificate
//	keys/<id>.key    sealed private key
//	crl.json         revocation list
//	state.json       root and active certificate ids
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory layout under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	for _, sub := range []string{"certs", "keys"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("创建证书目录失败: %w", err)
		}
	}
	return &FileStore{dir: dir}, nil
}

// PutCertificate writes a certificate. Certificates are immutable, so an
// existing file is left untouched.
func (s *FileStore) PutCertificate(_ context.Context, cert *Certificate) error {
	if err := validID(cert.ID); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化证书失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, "certs", cert.ID+".json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeFileAtomic(path, encoded, 0o644)
}

// Certificates loads every stored certificate.
func (s *FileStore) Certificates(_ context.Context) ([]*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.dir, "certs"))
	if err != nil {
		return nil, fmt.Errorf("读取证书目录失败: %w", err)
	}
	var out []*Certificate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, "certs", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("读取证书 %s 失败: %w", entry.Name(), err)
		}
		var cert Certificate
		if err := json.Unmarshal(raw, &cert); err != nil {
			return nil, fmt.Errorf("解析证书 %s 失败: %w", entry.Name(), err)
		}
		out = append(out, &cert)
	}
	return out, nil
}

// PutKey stores a sealed key blob.
func (s *FileStore) PutKey(_ context.Context, id string, sealed []byte) error {
	if err := validID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(filepath.Join(s.dir, "keys", id+".key"), sealed, 0o600)
}

// Key loads a sealed key blob.
func (s *FileStore) Key(_ context.Context, id string) ([]byte, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(filepath.Join(s.dir, "keys", id+".key"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	return raw, err
}

// PutRevocations replaces the revocation list.
func (s *FileStore) PutRevocations(_ context.Context, list *RevocationList) error {
	encoded, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化吊销列表失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(filepath.Join(s.dir, "crl.json"), encoded, 0o644)
}

// Revocations loads the revocation list.
func (s *FileStore) Revocations(_ context.Context) (*RevocationList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(filepath.Join(s.dir, "crl.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取吊销列表失败: %w", err)
	}
	var list RevocationList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("解析吊销列表失败: %w", err)
	}
	return &list, nil
}

// PutState records the root and active ids.
func (s *FileStore) PutState(_ context.Context, state State) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(filepath.Join(s.dir, "state.json"), encoded, 0o644)
}

// State returns the recorded ids; a fresh store yields the zero State.
func (s *FileStore) State(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state State
	raw, err := os.ReadFile(filepath.Join(s.dir, "state.json"))
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("读取证书状态失败: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("解析证书状态失败: %w", err)
	}
	return state, nil
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid certificate id %q", id)
	}
	return nil
}

// writeFileAtomic writes to a temp file and renames it into place so readers
// never observe a partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("替换文件失败: %w", err)
	}
	return nil
}
