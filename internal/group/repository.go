package group

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/any-repo/internal/artifact"
	"github.com/any-hub/any-repo/internal/events"
	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/pathlock"
	"github.com/any-hub/any-repo/internal/repository"
	"github.com/any-hub/any-repo/internal/task"
)

// 组仓库的保留路径，成员路由永远不会落到这里。
const (
	ReservedPrefix   = "/.group"
	MetadataLockPath = "/.group/.metadata.lock"
	IndexJSONPath    = "/.group/composite-index.json"
	IndexPath        = "/.group/composite.index"
)

// Options 描述构造组仓库所需的依赖。
type Options struct {
	ID         string
	Members    []string
	Namespaced bool
	// Storage 保存聚合文件，其 ID 必须与组 ID 相同。
	Storage     *repository.Local
	Locks       *pathlock.Manager
	Resolver    repository.Resolver
	Coordinator *task.Coordinator
	Logger      *logrus.Logger
	// StagingDir 是聚合文件的暂存根目录，为空时使用系统临时目录。
	StagingDir string
}

// Repository 是组仓库。成员按 ID 借用，每次请求重新解析。
type Repository struct {
	id          string
	namespaced  bool
	storage     *repository.Local
	locks       *pathlock.Manager
	resolver    repository.Resolver
	coordinator *task.Coordinator
	logger      *logrus.Logger
	stagingDir  string

	mu      sync.RWMutex
	members []string

	started   atomic.Bool
	inService atomic.Bool
	pending   atomic.Bool
}

var (
	_ repository.Repository = (*Repository)(nil)
	_ events.GroupHandler   = (*Repository)(nil)
)

// New 构造组仓库，初始状态为可服务、未启动。
func New(opts Options) (*Repository, error) {
	switch {
	case opts.Storage == nil:
		return nil, errors.New("group storage required")
	case opts.ID != opts.Storage.ID():
		return nil, fmt.Errorf("group storage id %q does not match group %q", opts.Storage.ID(), opts.ID)
	case opts.Locks == nil:
		return nil, errors.New("group lock manager required")
	case opts.Resolver == nil:
		return nil, errors.New("group member resolver required")
	}
	for _, member := range opts.Members {
		if member == opts.ID {
			return nil, fmt.Errorf("group %q cannot contain itself", opts.ID)
		}
	}

	g := &Repository{
		id:          opts.ID,
		namespaced:  opts.Namespaced,
		storage:     opts.Storage,
		locks:       opts.Locks,
		resolver:    opts.Resolver,
		coordinator: opts.Coordinator,
		logger:      logging.OrDiscard(opts.Logger),
		stagingDir:  opts.StagingDir,
		members:     slices.Clone(opts.Members),
	}
	g.inService.Store(true)
	if g.coordinator != nil {
		g.coordinator.OnComplete(g.onJobComplete)
	}
	return g, nil
}

func (g *Repository) ID() string {
	return g.id
}

func (g *Repository) Kind() repository.Kind {
	return repository.KindGroup
}

// Namespaced 报告是否按首段路由到成员。
func (g *Repository) Namespaced() bool {
	return g.namespaced
}

// Members 返回当前成员顺序的副本。
func (g *Repository) Members() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.members)
}

// InService 报告组是否接受请求。
func (g *Repository) InService() bool {
	return g.inService.Load()
}

// Retrieve 在元数据读锁内路由请求；保留路径直接读取组自身的存储。
func (g *Repository) Retrieve(ctx context.Context, rawPath string) (*artifact.Artifact, error) {
	p, err := artifact.Canonical(rawPath)
	if err != nil {
		return nil, artifact.WrapOp("retrieve", g.id, rawPath, err)
	}
	if artifact.IsWithin(p, ReservedPrefix) {
		if p == MetadataLockPath || p == ReservedPrefix {
			return nil, artifact.WrapOp("retrieve", g.id, p, artifact.ErrNotFound)
		}
		return g.retrieveReserved(ctx, p)
	}
	if !g.inService.Load() {
		return nil, artifact.WrapOp("retrieve", g.id, p, artifact.ErrOutOfService)
	}

	ctx = pathlock.WithOperation(ctx)
	lock, err := g.locks.Acquire(ctx, pathlock.Key(g.id, MetadataLockPath), pathlock.Read)
	if err != nil {
		return nil, artifact.WrapOp("retrieve", g.id, p, err)
	}
	defer lock.Release()

	members := g.Members()
	if g.namespaced {
		first, rest := artifact.SplitFirst(p)
		if !slices.Contains(members, first) {
			return nil, artifact.WrapOp("retrieve", g.id, p, artifact.ErrNotFound)
		}
		member, ok := g.resolver.Resolve(first)
		if !ok {
			return nil, artifact.WrapOp("retrieve", g.id, p, artifact.ErrNotFound)
		}
		return member.Retrieve(ctx, rest)
	}

	lastErr := error(artifact.WrapOp("retrieve", g.id, p, artifact.ErrNotFound))
	for _, id := range members {
		member, ok := g.resolver.Resolve(id)
		if !ok {
			continue
		}
		art, err := member.Retrieve(ctx, p)
		if err == nil {
			return art, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, artifact.ErrNotFound) {
			g.logger.WithFields(g.fields(p)).WithField("member", id).WithError(err).Debug("group_member_failed")
		}
		lastErr = err
	}
	return nil, lastErr
}

// retrieveReserved 在元数据读锁内读取聚合文件，重建期间读者只会看到同一代的两个文件。
func (g *Repository) retrieveReserved(ctx context.Context, p string) (*artifact.Artifact, error) {
	ctx = pathlock.WithOperation(ctx)
	lock, err := g.locks.Acquire(ctx, pathlock.Key(g.id, MetadataLockPath), pathlock.Read)
	if err != nil {
		return nil, artifact.WrapOp("retrieve", g.id, p, err)
	}
	defer lock.Release()
	return g.storage.Retrieve(ctx, p)
}

// Store 组仓库只读。
func (g *Repository) Store(_ context.Context, rawPath string, _ io.Reader, _ artifact.Headers) (*artifact.Attributes, error) {
	return nil, artifact.WrapOp("store", g.id, rawPath, artifact.ErrUnsupported)
}

// Delete 组仓库只读。
func (g *Repository) Delete(_ context.Context, rawPath string) (bool, error) {
	return false, artifact.WrapOp("delete", g.id, rawPath, artifact.ErrUnsupported)
}

// List 列出组视图。命名空间模式下根目录列出各成员；扁平模式并发合并成员列表，
// 按成员顺序去重。
func (g *Repository) List(ctx context.Context, rawPrefix string, recursive bool) iter.Seq2[artifact.Entry, error] {
	return func(yield func(artifact.Entry, error) bool) {
		prefix, err := artifact.Canonical(rawPrefix)
		if err != nil {
			yield(artifact.Entry{}, artifact.WrapOp("list", g.id, rawPrefix, err))
			return
		}
		if artifact.IsWithin(prefix, ReservedPrefix) {
			g.listReserved(ctx, prefix, recursive, yield)
			return
		}
		if !g.inService.Load() {
			yield(artifact.Entry{}, artifact.WrapOp("list", g.id, prefix, artifact.ErrOutOfService))
			return
		}

		ctx = pathlock.WithOperation(ctx)
		lock, err := g.locks.Acquire(ctx, pathlock.Key(g.id, MetadataLockPath), pathlock.Read)
		if err != nil {
			yield(artifact.Entry{}, artifact.WrapOp("list", g.id, prefix, err))
			return
		}
		defer lock.Release()

		if g.namespaced {
			g.listNamespaced(ctx, prefix, recursive, yield)
			return
		}
		entries, err := g.mergeMembers(ctx, prefix, recursive)
		if err != nil {
			yield(artifact.Entry{}, artifact.WrapOp("list", g.id, prefix, err))
			return
		}
		if prefix == artifact.Root {
			entries = g.appendReservedEntry(ctx, entries)
		}
		for _, entry := range entries {
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (g *Repository) listReserved(ctx context.Context, prefix string, recursive bool, yield func(artifact.Entry, error) bool) {
	ctx = pathlock.WithOperation(ctx)
	lock, err := g.locks.Acquire(ctx, pathlock.Key(g.id, MetadataLockPath), pathlock.Read)
	if err != nil {
		yield(artifact.Entry{}, artifact.WrapOp("list", g.id, prefix, err))
		return
	}
	defer lock.Release()

	for entry, err := range g.storage.List(ctx, prefix, recursive) {
		if err != nil {
			yield(artifact.Entry{}, err)
			return
		}
		if entry.Path == MetadataLockPath {
			continue
		}
		if !yield(entry, nil) {
			return
		}
	}
}

func (g *Repository) listNamespaced(ctx context.Context, prefix string, recursive bool, yield func(artifact.Entry, error) bool) {
	members := g.Members()
	if prefix == artifact.Root {
		for _, id := range members {
			entry := artifact.Entry{Path: "/" + id, Name: id, Collection: true}
			if !recursive {
				if !yield(entry, nil) {
					return
				}
				continue
			}
			if !g.listMember(ctx, id, artifact.Root, true, yield) {
				return
			}
		}
		for _, entry := range g.appendReservedEntry(ctx, nil) {
			if !yield(entry, nil) {
				return
			}
		}
		return
	}

	first, rest := artifact.SplitFirst(prefix)
	if !slices.Contains(members, first) {
		yield(artifact.Entry{}, artifact.WrapOp("list", g.id, prefix, artifact.ErrNotFound))
		return
	}
	g.listMember(ctx, first, rest, recursive, yield)
}

// listMember 把成员的列表结果映射回组路径，返回 false 表示调用方已停止遍历。
func (g *Repository) listMember(ctx context.Context, id, prefix string, recursive bool, yield func(artifact.Entry, error) bool) bool {
	member, ok := g.resolver.Resolve(id)
	if !ok {
		return yield(artifact.Entry{}, artifact.WrapOp("list", g.id, "/"+id, artifact.ErrNotFound))
	}
	for entry, err := range member.List(ctx, prefix, recursive) {
		if err != nil {
			return yield(artifact.Entry{}, err)
		}
		entry.Path = artifact.Join("/"+id, entry.Path)
		if !yield(entry, nil) {
			return false
		}
	}
	return true
}

// mergeMembers 并发读取各成员列表，再按成员顺序去重合并；所有成员都缺失该前缀时返回 ErrNotFound。
func (g *Repository) mergeMembers(ctx context.Context, prefix string, recursive bool) ([]artifact.Entry, error) {
	members := g.Members()
	results := make([][]artifact.Entry, len(members))
	found := make([]bool, len(members))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, id := range members {
		member, ok := g.resolver.Resolve(id)
		if !ok {
			continue
		}
		eg.Go(func() error {
			for entry, err := range member.List(egCtx, prefix, recursive) {
				if err != nil {
					if errors.Is(err, artifact.ErrNotFound) {
						return nil
					}
					return err
				}
				results[i] = append(results[i], entry)
			}
			found[i] = true
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	anyFound := prefix == artifact.Root
	seen := make(map[string]struct{})
	var merged []artifact.Entry
	for i, entries := range results {
		anyFound = anyFound || found[i]
		for _, entry := range entries {
			if _, dup := seen[entry.Path]; dup {
				continue
			}
			seen[entry.Path] = struct{}{}
			merged = append(merged, entry)
		}
	}
	if !anyFound {
		return nil, artifact.ErrNotFound
	}
	return merged, nil
}

func (g *Repository) appendReservedEntry(ctx context.Context, entries []artifact.Entry) []artifact.Entry {
	ok, err := g.storage.Exists(ctx, IndexJSONPath)
	if err != nil || !ok {
		return entries
	}
	name := artifact.Base(ReservedPrefix)
	return append(entries, artifact.Entry{Path: ReservedPrefix, Name: name, Collection: true})
}

func (g *Repository) fields(p string) logrus.Fields {
	fields := logging.RepositoryFields(g.id, string(repository.KindGroup))
	fields["path"] = p
	return fields
}
