package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/example/rider-agent/internal/models"
)

// FileStore keeps tokens in a single JSON document keyed by the fixed
// constants. Writes go through a temp file and rename.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) load() (map[string]string, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	values := map[string]string{}
	if len(b) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(b, &values); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	return values, nil
}

func (f *FileStore) store(values map[string]string) error {
	b, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return "", err
	}
	return values[key], nil
}

func (f *FileStore) update(fn func(map[string]string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	fn(values)
	return f.store(values)
}

func (f *FileStore) GetAuthToken(context.Context) (string, error) {
	return f.get(KeyAccessToken)
}

func (f *FileStore) GetRefreshToken(context.Context) (string, error) {
	return f.get(KeyRefreshToken)
}

func (f *FileStore) SaveAuthToken(_ context.Context, t models.Tokens) error {
	return f.update(func(v map[string]string) {
		v[KeyAccessToken] = t.AccessToken
		if t.RefreshToken != "" {
			v[KeyRefreshToken] = t.RefreshToken
		}
	})
}

func (f *FileStore) GetVerificationToken(context.Context) (string, error) {
	return f.get(KeyVerificationToken)
}

func (f *FileStore) SaveVerificationToken(_ context.Context, token string) error {
	return f.update(func(v map[string]string) { v[KeyVerificationToken] = token })
}

func (f *FileStore) ClearTokens(context.Context) error {
	return f.update(func(v map[string]string) {
		delete(v, KeyAccessToken)
		delete(v, KeyRefreshToken)
		delete(v, KeyVerificationToken)
	})
}
