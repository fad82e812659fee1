package blobstore

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/any-hub/any-repo/internal/artifact"
)

// List 惰性列出 prefix 下的直接子项，按名称排序；未提交的 payload 不可见。
// prefix 不是目录时返回 ErrNotFound。
func (s *Store) List(ctx context.Context, prefix string) iter.Seq2[artifact.Entry, error] {
	return func(yield func(artifact.Entry, error) bool) {
		clean, err := artifact.Canonical(prefix)
		if err != nil {
			yield(artifact.Entry{}, err)
			return
		}
		dir := s.blobDir(clean)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if isNotExist(err) {
				err = artifact.ErrNotFound
			}
			yield(artifact.Entry{}, err)
			return
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				yield(artifact.Entry{}, err)
				return
			}
			child := path.Join(clean, entry.Name())
			if !entry.IsDir() {
				ok, err := s.Exists(child)
				if err != nil {
					if !yield(artifact.Entry{}, err) {
						return
					}
					continue
				}
				if !ok {
					continue
				}
			}
			if !yield(artifact.Entry{Path: child, Name: entry.Name(), Collection: entry.IsDir()}, nil) {
				return
			}
		}
	}
}

// Walk 惰性递归列出 prefix 下所有已提交的 Blob，顺序为字典序。
func (s *Store) Walk(ctx context.Context, prefix string) iter.Seq2[artifact.Entry, error] {
	return func(yield func(artifact.Entry, error) bool) {
		clean, err := artifact.Canonical(prefix)
		if err != nil {
			yield(artifact.Entry{}, err)
			return
		}
		base := filepath.Join(s.root, blobsDir)
		stopped := false
		err = filepath.WalkDir(s.blobDir(clean), func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				if isNotExist(walkErr) {
					return nil
				}
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			key := "/" + filepath.ToSlash(rel)
			ok, err := s.Exists(key)
			if err != nil || !ok {
				return err
			}
			if !yield(artifact.Entry{Path: key, Name: path.Base(key)}, nil) {
				stopped = true
				return fs.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield(artifact.Entry{}, err)
		}
	}
}

func (s *Store) blobDir(clean string) string {
	rel := filepath.FromSlash(strings.TrimPrefix(clean, "/"))
	return filepath.Join(s.root, blobsDir, rel)
}
