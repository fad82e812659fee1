package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/blobstore"
	"github.com/any-hub/any-repo/internal/config"
	"github.com/any-hub/any-repo/internal/events"
	"github.com/any-hub/any-repo/internal/group"
	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/metrics"
	"github.com/any-hub/any-repo/internal/pathlock"
	"github.com/any-hub/any-repo/internal/proxy"
	"github.com/any-hub/any-repo/internal/registry"
	"github.com/any-hub/any-repo/internal/remote"
	"github.com/any-hub/any-repo/internal/repository"
	"github.com/any-hub/any-repo/internal/task"
)

// stagingDirName 位于存储根目录下，保存组聚合文件的暂存目录。
const stagingDirName = ".staging"

// Runtime 持有一次进程生命周期内共享的引擎组件。
type Runtime struct {
	Config      *config.Config
	Logger      *logrus.Logger
	Store       *blobstore.Store
	Locks       *pathlock.Manager
	Pool        *remote.Pool
	Registry    *registry.Registry
	Coordinator *task.Coordinator
	Bus         *events.Bus
	Metrics     *metrics.Metrics

	proxies     map[string]*proxy.Repository
	groups      map[string]*group.Repository
	unsubscribe []func()

	// membersMu 让成员变更的环检测与发布成为一个整体。
	membersMu sync.Mutex
}

// Bootstrap 按依赖顺序构建全部仓库：共享组件 → 本地/代理仓库 → 组仓库。
// 每个仓库注册后发布 registered 事件；started 事件由 Start 发布。
func Bootstrap(cfg *config.Config, logger *logrus.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger = logging.OrDiscard(logger)
	g := cfg.Global

	store, err := blobstore.NewStore(g.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化存储目录失败: %w", err)
	}
	if removed, err := store.CleanTemp(0); err != nil {
		logger.WithError(err).WithField("action", "bootstrap").Warn("temp_cleanup_failed")
	} else if removed > 0 {
		logger.WithFields(logrus.Fields{"action": "bootstrap", "removed": removed}).Info("temp_files_removed")
	}
	stagingDir := filepath.Join(g.StoragePath, stagingDirName)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("初始化暂存目录失败: %w", err)
	}

	m := metrics.New()
	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Locks:    pathlock.NewManager(g.LockTimeout.DurationValue(), pathlock.WithObserver(m)),
		Registry: registry.New(),
		Bus:      events.NewBus(),
		Metrics:  m,
		Pool: remote.NewPool(
			remote.WithMaxConnsPerHost(g.MaxConnsPerHost),
			remote.WithTimeout(g.UpstreamTimeout.DurationValue()),
			remote.WithObserver(m),
		),
		Coordinator: task.New(task.Config{
			Enabled:     g.TasksEnabled,
			MaxParallel: g.MaxParallelTasks,
			Logger:      logger,
			Observer:    m,
		}),
		proxies: make(map[string]*proxy.Repository),
		groups:  make(map[string]*group.Repository),
	}

	ordered, err := cfg.BuildOrder()
	if err != nil {
		return nil, err
	}
	for _, repoCfg := range ordered {
		repo, err := rt.build(repoCfg, stagingDir)
		if err != nil {
			rt.Close(context.Background())
			return nil, fmt.Errorf("构建仓库 %s 失败: %w", repoCfg.Name, err)
		}
		if err := rt.Registry.Register(repo); err != nil {
			rt.Close(context.Background())
			return nil, err
		}
		fields := logging.RepositoryFields(repo.ID(), string(repo.Kind()))
		fields["action"] = "bootstrap"
		logger.WithFields(fields).Debug("repository_registered")
		rt.Bus.Publish(events.Event{Kind: events.Registered, RepositoryID: repo.ID()})
	}
	return rt, nil
}

func (rt *Runtime) build(rc config.RepositoryConfig, stagingDir string) (repository.Repository, error) {
	g := rt.Config.Global
	switch rc.Kind() {
	case repository.KindLocal:
		return repository.NewLocal(rc.Name, rt.Store, rt.Locks, repository.WithLogger(rt.Logger))

	case repository.KindProxy:
		cache, err := repository.NewLocal(rc.Name, rt.Store, rt.Locks,
			repository.WithKind(repository.KindProxy), repository.WithLogger(rt.Logger))
		if err != nil {
			return nil, err
		}
		if err := rt.Pool.Register(rc.Name, remote.Origin{
			BaseURL:           rc.Remote,
			Username:          rc.Username,
			Password:          rc.Password,
			ProxyURL:          rc.Proxy,
			RequestsPerSecond: rc.RequestsPerSecond,
		}); err != nil {
			return nil, err
		}
		p, err := proxy.New(proxy.Options{
			Cache:     cache,
			Transport: rt.Pool,
			Policy: proxy.Policy{
				MaxAge:            rc.MaxAge.DurationValue(),
				NotFoundTTL:       rt.Config.EffectiveNotFoundTTL(rc),
				NotFoundCacheSize: g.NotFoundCacheSize,
				ServeStale:        rc.ServeStale,
				UpstreamTimeout:   g.UpstreamTimeout.DurationValue(),
				Retry: proxy.RetryPolicy{
					Attempts: g.MaxRetries + 1,
					Backoff:  g.InitialBackoff.DurationValue(),
				},
			},
			Logger:  rt.Logger,
			Metrics: rt.Metrics,
		})
		if err != nil {
			return nil, err
		}
		rt.proxies[rc.Name] = p
		return p, nil

	case repository.KindGroup:
		storage, err := repository.NewLocal(rc.Name, rt.Store, rt.Locks,
			repository.WithKind(repository.KindGroup), repository.WithLogger(rt.Logger))
		if err != nil {
			return nil, err
		}
		grp, err := group.New(group.Options{
			ID:          rc.Name,
			Members:     rc.Members,
			Namespaced:  rc.Namespaced,
			Storage:     storage,
			Locks:       rt.Locks,
			Resolver:    rt.Registry,
			Coordinator: rt.Coordinator,
			Logger:      rt.Logger,
			StagingDir:  stagingDir,
		})
		if err != nil {
			return nil, err
		}
		rt.groups[rc.Name] = grp
		rt.unsubscribe = append(rt.unsubscribe, rt.Bus.Subscribe(events.GroupAdapter(grp)))
		return grp, nil
	}
	return nil, fmt.Errorf("unsupported repository type %q", rc.Type)
}

// Start 广播 started 事件，组仓库借此补建缺失的聚合文件。
func (rt *Runtime) Start() {
	rt.Bus.Publish(events.Event{Kind: events.Started})
	rt.Logger.WithFields(logrus.Fields{
		"action":       "startup",
		"repositories": len(rt.Registry.List()),
	}).Info("runtime_started")
}

// Proxy 返回指定 ID 的代理仓库。
func (rt *Runtime) Proxy(id string) (*proxy.Repository, bool) {
	p, ok := rt.proxies[id]
	return p, ok
}

// Group 返回指定 ID 的组仓库。
func (rt *Runtime) Group(id string) (*group.Repository, bool) {
	g, ok := rt.groups[id]
	return g, ok
}

// UpdateMembers 通过事件总线通知组成员变化。并发调用串行执行，
// 两次各自合法的变更不会合起来形成环。
func (rt *Runtime) UpdateMembers(id string, members []string) error {
	rt.membersMu.Lock()
	defer rt.membersMu.Unlock()
	if _, ok := rt.groups[id]; !ok {
		return fmt.Errorf("group %s not found", id)
	}
	for _, member := range members {
		if member == id {
			return fmt.Errorf("group %s cannot contain itself", id)
		}
		if _, ok := rt.Registry.Lookup(member); !ok {
			return fmt.Errorf("member %s not registered", member)
		}
		if rt.reaches(member, id) {
			return fmt.Errorf("member %s would create a group cycle", member)
		}
	}
	rt.Bus.Publish(events.Event{Kind: events.MembersChanged, RepositoryID: id, MemberIDs: members})
	return nil
}

// reaches 判断从 from 出发沿组成员关系能否到达 target。
func (rt *Runtime) reaches(from, target string) bool {
	seen := map[string]struct{}{}
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == target {
			return true
		}
		if _, ok := seen[id]; ok {
			return false
		}
		seen[id] = struct{}{}
		grp, ok := rt.groups[id]
		if !ok {
			return false
		}
		for _, member := range grp.Members() {
			if walk(member) {
				return true
			}
		}
		return false
	}
	return walk(from)
}

// SetInService 通过事件总线切换组的服务状态。
func (rt *Runtime) SetInService(id string, ok bool) error {
	if _, exists := rt.groups[id]; !exists {
		return fmt.Errorf("group %s not found", id)
	}
	rt.Bus.Publish(events.Event{Kind: events.LocalStatusChanged, RepositoryID: id, CanServiceRequests: ok})
	return nil
}

// Close 退订事件、等待后台任务结束并关闭连接池。
func (rt *Runtime) Close(ctx context.Context) error {
	for _, unsubscribe := range rt.unsubscribe {
		unsubscribe()
	}
	rt.unsubscribe = nil
	err := rt.Coordinator.Shutdown(ctx)
	rt.Pool.Close()
	return err
}
