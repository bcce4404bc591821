package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// FSStore is the filesystem backend for single-node deployments. Metadata
// lives in a .meta.json sidecar next to each object.
type FSStore struct {
	root   string
	logger zerolog.Logger
}

func NewFS(root string, logger zerolog.Logger) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{
		root:   root,
		logger: logger.With().Str("component", "objstore").Logger(),
	}, nil
}

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *FSStore) Put(ctx context.Context, obj Object) error {
	path, err := s.resolve(obj.Key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, obj.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", obj.Key, err)
	}
	meta, err := json.Marshal(sidecar{ContentType: obj.ContentType, Metadata: obj.Metadata})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path+".meta.json", meta, 0o644); err != nil {
		return fmt.Errorf("write metadata for %s: %w", obj.Key, err)
	}
	s.logger.Debug().Str("key", obj.Key).Int("bytes", len(obj.Data)).Msg("object stored")
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) (*Object, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	obj := &Object{Key: key, Data: data}
	if meta, err := os.ReadFile(path + ".meta.json"); err == nil {
		var sc sidecar
		if json.Unmarshal(meta, &sc) == nil {
			obj.ContentType = sc.ContentType
			obj.Metadata = sc.Metadata
		}
	}
	return obj, nil
}

func (s *FSStore) Close() error { return nil }

// resolve maps a key onto the root, rejecting traversal attempts.
func (s *FSStore) resolve(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
