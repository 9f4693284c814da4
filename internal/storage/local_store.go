package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"folio/media/internal/apperr"
)

// LocalStore keeps blobs under a root directory. Writes go to a temp file
// that is renamed into place, so readers never observe partial blobs.
type LocalStore struct {
	root    string
	baseURL string
}

func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: mkdir %s: %w", root, err)
	}
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStore) abs(p string) (string, error) {
	key, err := cleanKey(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *LocalStore) Put(ctx context.Context, data []byte, p string) (string, error) {
	const op = "local.put"
	if err := ctx.Err(); err != nil {
		return "", apperr.New(op, apperr.ErrBlobWriteFailed, err)
	}
	target, err := s.abs(p)
	if err != nil {
		return "", apperr.New(op, apperr.ErrInvalidArgument, err)
	}

	if existing, err := os.ReadFile(target); err == nil {
		if bytes.Equal(existing, data) {
			return s.URL(p), nil
		}
		return "", apperr.Newf(op, apperr.ErrBlobWriteFailed, "%s already holds different content", p)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", apperr.New(op, apperr.ErrBlobWriteFailed, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return "", apperr.New(op, apperr.ErrBlobWriteFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", apperr.New(op, apperr.ErrBlobWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return "", apperr.New(op, apperr.ErrBlobWriteFailed, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", apperr.New(op, apperr.ErrBlobWriteFailed, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", apperr.New(op, apperr.ErrBlobWriteFailed, err)
	}
	return s.URL(p), nil
}

func (s *LocalStore) Get(ctx context.Context, p string) ([]byte, error) {
	const op = "local.get"
	if err := ctx.Err(); err != nil {
		return nil, apperr.New(op, apperr.ErrBlobReadFailed, err)
	}
	target, err := s.abs(p)
	if err != nil {
		return nil, apperr.New(op, apperr.ErrInvalidArgument, err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.Newf(op, apperr.ErrNotFound, "blob %s", p)
		}
		return nil, apperr.New(op, apperr.ErrBlobReadFailed, err)
	}
	return data, nil
}

func (s *LocalStore) Delete(ctx context.Context, p string) error {
	const op = "local.delete"
	if err := ctx.Err(); err != nil {
		return apperr.New(op, apperr.ErrBlobWriteFailed, err)
	}
	target, err := s.abs(p)
	if err != nil {
		return apperr.New(op, apperr.ErrInvalidArgument, err)
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.New(op, apperr.ErrBlobWriteFailed, err)
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, p string) (bool, error) {
	const op = "local.exists"
	if err := ctx.Err(); err != nil {
		return false, apperr.New(op, apperr.ErrBlobReadFailed, err)
	}
	target, err := s.abs(p)
	if err != nil {
		return false, apperr.New(op, apperr.ErrInvalidArgument, err)
	}
	_, err = os.Stat(target)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apperr.New(op, apperr.ErrBlobReadFailed, err)
}

func (s *LocalStore) URL(p string) string {
	return s.baseURL + "/" + strings.TrimLeft(p, "/")
}

// Root is the directory blobs are written under.
func (s *LocalStore) Root() string {
	return s.root
}
