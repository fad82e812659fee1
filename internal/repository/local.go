package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/artifact"
	"github.com/any-hub/any-repo/internal/blobstore"
	"github.com/any-hub/any-repo/internal/pathlock"
)

// Local 是直接落盘的仓库；存储键为 /<id><path>，锁键为 pathlock.Key(id, path)。
type Local struct {
	id     string
	kind   Kind
	store  *blobstore.Store
	locks  *pathlock.Manager
	logger *logrus.Logger
}

// LocalOption 调整 Local 的可选行为。
type LocalOption func(*Local)

// WithKind 让 proxy 等包装者以自身类型展示底层 Local。
func WithKind(kind Kind) LocalOption {
	return func(l *Local) {
		l.kind = kind
	}
}

// WithLogger 指定日志输出，nil 时丢弃日志。
func WithLogger(logger *logrus.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocal 构造本地仓库，store 与 locks 由多个仓库共享。
func NewLocal(id string, store *blobstore.Store, locks *pathlock.Manager, opts ...LocalOption) (*Local, error) {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return nil, fmt.Errorf("invalid repository id %q", id)
	}
	if store == nil || locks == nil {
		return nil, errors.New("blob store and lock manager required")
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	l := &Local{
		id:     id,
		kind:   KindLocal,
		store:  store,
		locks:  locks,
		logger: discard,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Local) ID() string {
	return l.id
}

func (l *Local) Kind() Kind {
	return l.kind
}

// Retrieve 在读锁内打开 Blob；锁在返回前释放，已打开的文件句柄不受后续替换影响。
func (l *Local) Retrieve(ctx context.Context, rawPath string) (*artifact.Artifact, error) {
	p, err := artifact.Canonical(rawPath)
	if err != nil {
		return nil, artifact.WrapOp("retrieve", l.id, rawPath, err)
	}
	lock, err := l.locks.Acquire(ctx, pathlock.Key(l.id, p), pathlock.Read)
	if err != nil {
		return nil, artifact.WrapOp("retrieve", l.id, p, err)
	}
	defer lock.Release()

	blob, err := l.store.Open(ctx, l.storageKey(p))
	if err != nil {
		return nil, artifact.WrapOp("retrieve", l.id, p, err)
	}
	return &artifact.Artifact{
		Attributes: l.attributes(p, &blob.Info),
		Content:    blob.Reader,
	}, nil
}

// Stat 返回元信息而不打开正文。
func (l *Local) Stat(ctx context.Context, rawPath string) (*artifact.Attributes, error) {
	p, err := artifact.Canonical(rawPath)
	if err != nil {
		return nil, artifact.WrapOp("stat", l.id, rawPath, err)
	}
	lock, err := l.locks.Acquire(ctx, pathlock.Key(l.id, p), pathlock.Read)
	if err != nil {
		return nil, artifact.WrapOp("stat", l.id, p, err)
	}
	defer lock.Release()

	info, err := l.store.Stat(l.storageKey(p))
	if err != nil {
		return nil, artifact.WrapOp("stat", l.id, p, err)
	}
	attrs := l.attributes(p, info)
	return &attrs, nil
}

// Exists 在读锁内检查 Blob 是否已提交。
func (l *Local) Exists(ctx context.Context, rawPath string) (bool, error) {
	p, err := artifact.Canonical(rawPath)
	if err != nil {
		return false, artifact.WrapOp("exists", l.id, rawPath, err)
	}
	lock, err := l.locks.Acquire(ctx, pathlock.Key(l.id, p), pathlock.Read)
	if err != nil {
		return false, artifact.WrapOp("exists", l.id, p, err)
	}
	defer lock.Release()

	ok, err := l.store.Exists(l.storageKey(p))
	return ok, artifact.WrapOp("exists", l.id, p, err)
}

// Store 在写锁内创建 Blob，路径已被占用时返回 ErrAlreadyExists。
func (l *Local) Store(ctx context.Context, rawPath string, content io.Reader, headers artifact.Headers) (*artifact.Attributes, error) {
	return l.write(ctx, "store", rawPath, content, headers, false)
}

// Replace 在写锁内覆盖 Blob；新内容完整暂存后才替换，失败时旧值保持不变。
func (l *Local) Replace(ctx context.Context, rawPath string, content io.Reader, headers artifact.Headers) (*artifact.Attributes, error) {
	return l.write(ctx, "replace", rawPath, content, headers, true)
}

func (l *Local) write(ctx context.Context, op, rawPath string, content io.Reader, headers artifact.Headers, replace bool) (*artifact.Attributes, error) {
	p, err := artifact.Canonical(rawPath)
	if err != nil {
		return nil, artifact.WrapOp(op, l.id, rawPath, err)
	}
	if p == artifact.Root {
		return nil, artifact.WrapOp(op, l.id, p, artifact.ErrInvalidPath)
	}
	lock, err := l.locks.Acquire(ctx, pathlock.Key(l.id, p), pathlock.Write)
	if err != nil {
		return nil, artifact.WrapOp(op, l.id, p, err)
	}
	defer lock.Release()

	key := l.storageKey(p)
	create := l.store.Create
	if replace {
		create = l.store.Replace
	}
	info, err := create(ctx, key, content, headers)
	if err != nil {
		return nil, artifact.WrapOp(op, l.id, p, err)
	}
	l.logger.WithFields(logrus.Fields{
		"action":     op,
		"repository": l.id,
		"path":       p,
		"size":       info.Size,
	}).Debug("artifact_written")

	attrs := l.attributes(p, info)
	return &attrs, nil
}

// Delete 在写锁内删除 Blob，返回是否确有内容被删除。
func (l *Local) Delete(ctx context.Context, rawPath string) (bool, error) {
	p, err := artifact.Canonical(rawPath)
	if err != nil {
		return false, artifact.WrapOp("delete", l.id, rawPath, err)
	}
	lock, err := l.locks.Acquire(ctx, pathlock.Key(l.id, p), pathlock.Write)
	if err != nil {
		return false, artifact.WrapOp("delete", l.id, p, err)
	}
	defer lock.Release()

	deleted, err := l.store.Delete(l.storageKey(p))
	if err != nil {
		return false, artifact.WrapOp("delete", l.id, p, err)
	}
	if deleted {
		l.logger.WithFields(logrus.Fields{
			"action":     "delete",
			"repository": l.id,
			"path":       p,
		}).Debug("artifact_deleted")
	}
	return deleted, nil
}

// UpdateHeaders 在写锁内读取、修改并原子回写头部。
func (l *Local) UpdateHeaders(ctx context.Context, rawPath string, mutate func(artifact.Headers)) (artifact.Headers, error) {
	p, err := artifact.Canonical(rawPath)
	if err != nil {
		return nil, artifact.WrapOp("update-headers", l.id, rawPath, err)
	}
	lock, err := l.locks.Acquire(ctx, pathlock.Key(l.id, p), pathlock.Write)
	if err != nil {
		return nil, artifact.WrapOp("update-headers", l.id, p, err)
	}
	defer lock.Release()

	key := l.storageKey(p)
	current, err := l.store.Headers(key)
	if err != nil {
		return nil, artifact.WrapOp("update-headers", l.id, p, err)
	}
	mutate(current)
	updated, err := l.store.SetHeaders(key, current)
	return updated, artifact.WrapOp("update-headers", l.id, p, err)
}

// List 惰性列出 prefix 下的子项；recursive 为 true 时改为递归列出全部 Blob。
// 每次 range 都重新读取目录，因此序列可重复遍历。
func (l *Local) List(ctx context.Context, rawPrefix string, recursive bool) iter.Seq2[artifact.Entry, error] {
	return func(yield func(artifact.Entry, error) bool) {
		prefix, err := artifact.Canonical(rawPrefix)
		if err != nil {
			yield(artifact.Entry{}, artifact.WrapOp("list", l.id, rawPrefix, err))
			return
		}
		seq := l.store.List(ctx, l.storageKey(prefix))
		if recursive {
			seq = l.store.Walk(ctx, l.storageKey(prefix))
		}
		for entry, err := range seq {
			if err != nil {
				if prefix == artifact.Root && errors.Is(err, artifact.ErrNotFound) {
					return
				}
				yield(artifact.Entry{}, artifact.WrapOp("list", l.id, prefix, err))
				return
			}
			entry.Path = l.repoPath(entry.Path)
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (l *Local) storageKey(p string) string {
	if p == artifact.Root {
		return "/" + l.id
	}
	return "/" + l.id + p
}

func (l *Local) repoPath(key string) string {
	rest := strings.TrimPrefix(key, "/"+l.id)
	if rest == "" {
		return artifact.Root
	}
	return rest
}

func (l *Local) attributes(p string, info *blobstore.Info) artifact.Attributes {
	return artifact.Attributes{
		RepositoryID: l.id,
		Path:         p,
		Size:         info.Size,
		Created:      info.Created,
		Headers:      info.Headers,
	}
}
