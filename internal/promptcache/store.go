// Package promptcache memoizes model responses by provider, model and
// prompt, in memory and under .deepseek/prompt-cache.
package promptcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
)

// l1MaxBytes bounds the in-process layer.
const l1MaxBytes = 32 << 20

// Key returns hex(sha256(provider ":" model ":" prompt)).
func Key(provider, model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte(":"))
	h.Write([]byte(model))
	h.Write([]byte(":"))
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

// Store is a two-level response cache: ristretto in front of one JSON file
// per key.
type Store struct {
	dir string
	l1  *ristretto.Cache[string, []byte]
}

// Dir returns the cache directory for workspace.
func Dir(workspace string) string {
	return filepath.Join(core.RuntimeDir(workspace), "prompt-cache")
}

// NewStore opens a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	l1, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: l1MaxBytes / 100 * 10,
		MaxCost:     l1MaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create prompt cache: %w", err)
	}
	return &Store{dir: dir, l1: l1}, nil
}

// Close releases the in-process layer.
func (s *Store) Close() {
	s.l1.Close()
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get returns the cached response for key, or false.
func (s *Store) Get(key string) (*llm.Response, bool, error) {
	data, ok := s.l1.Get(key)
	if !ok {
		var err error
		data, err = os.ReadFile(s.path(key))
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, buderr.StorageIO("read_prompt_cache", err)
		}
		s.l1.Set(key, data, int64(len(data)))
	}

	var resp llm.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		// A corrupt entry is a miss; the next Put overwrites it.
		return nil, false, nil
	}
	return &resp, true, nil
}

// Put writes resp under key. The file is replaced atomically.
func (s *Store) Put(key string, resp *llm.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return buderr.StorageIO("create_prompt_cache", err)
	}
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return buderr.StorageIO("write_prompt_cache", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return buderr.StorageIO("write_prompt_cache", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return buderr.StorageIO("write_prompt_cache", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return buderr.StorageIO("write_prompt_cache", err)
	}
	s.l1.Set(key, data, int64(len(data)))
	s.l1.Wait()
	return nil
}
