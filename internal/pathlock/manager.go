package pathlock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/any-hub/any-repo/internal/artifact"
)

// Mode 表示锁的共享/独占类型。
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// writeWeight 是每个 key 的信号量容量；读锁占 1，写锁占满。
const writeWeight int64 = 1 << 30

// DefaultTimeout 在未配置时使用。
const DefaultTimeout = 30 * time.Second

// Key 组合仓库 ID 与规范路径得到加锁键。
func Key(repoID, canonicalPath string) string {
	return repoID + ":" + canonicalPath
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Observer 接收每次加锁的等待耗时，metrics.Metrics 实现了该接口。
type Observer interface {
	ObserveLockWait(mode string, waited time.Duration, err error)
}

// Option 调整 Manager 的可选行为。
type Option func(*Manager)

// WithObserver 注册等待耗时观测者。
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// Manager 管理全部路径锁，整站共享一个实例。
type Manager struct {
	timeout  time.Duration
	observer Observer

	mu      sync.Mutex
	entries map[string]*entry
}

// Stats 描述当前锁表状态。
type Stats struct {
	Keys int
}

// NewManager 创建锁管理器；timeout<=0 时使用 DefaultTimeout。
func NewManager(timeout time.Duration, opts ...Option) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Manager{
		timeout: timeout,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Timeout 返回默认的获取超时。
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Stats 返回当前存活的 key 数量。
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Keys: len(m.entries)}
}

// Lock 是一次成功获取的句柄，Release 可重复调用。
type Lock struct {
	m      *Manager
	key    string
	mode   Mode
	entry  *entry
	op     *operation
	once   sync.Once
	reused bool
}

// Key 返回句柄对应的加锁键。
func (l *Lock) Key() string {
	return l.key
}

// Mode 返回句柄的锁类型。
func (l *Lock) Mode() Mode {
	return l.mode
}

// Release 释放锁；同一操作内重入得到的句柄释放时不做任何事。
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.reused {
			return
		}
		if l.op != nil {
			l.op.forget(l.key)
		}
		l.entry.sem.Release(weight(l.mode))
		l.m.unref(l.key, l.entry)
	})
}

// Acquire 获取 key 上的读锁或写锁，等待时间受默认超时与 ctx 双重约束。
// 超时返回 ErrLockTimeout；ctx 被取消时返回 ctx 的错误。
func (m *Manager) Acquire(ctx context.Context, key string, mode Mode) (*Lock, error) {
	op := operationFrom(ctx)
	if op != nil {
		if held, ok := op.mode(key); ok {
			switch {
			case held == Write, mode == Read:
				return &Lock{m: m, key: key, mode: held, reused: true}, nil
			default:
				return nil, fmt.Errorf("%w: %s", artifact.ErrLockUpgrade, key)
			}
		}
	}

	e := m.ref(key)
	started := time.Now()
	if err := m.wait(ctx, e, mode); err != nil {
		m.unref(key, e)
		m.observe(mode, started, err)
		if errors.Is(err, artifact.ErrLockTimeout) {
			return nil, fmt.Errorf("%w: %s %s after %s", err, mode, key, m.timeout)
		}
		return nil, err
	}
	m.observe(mode, started, nil)

	l := &Lock{m: m, key: key, mode: mode, entry: e}
	if op != nil {
		op.remember(key, mode)
		l.op = op
	}
	return l, nil
}

// Set 是 AcquireAll 返回的一组锁。
type Set struct {
	locks []*Lock
}

// Release 逆序释放全部锁。
func (s *Set) Release() {
	if s == nil {
		return
	}
	for i := len(s.locks) - 1; i >= 0; i-- {
		s.locks[i].Release()
	}
}

// AcquireAll 以字典序获取多个 key，避免多锁场景下的死锁；任一失败则回滚已获取的锁。
func (m *Manager) AcquireAll(ctx context.Context, keys []string, mode Mode) (*Set, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	set := &Set{}
	var last string
	for i, key := range sorted {
		if i > 0 && key == last {
			continue
		}
		last = key
		l, err := m.Acquire(ctx, key, mode)
		if err != nil {
			set.Release()
			return nil, err
		}
		set.locks = append(set.locks, l)
	}
	return set, nil
}

func (m *Manager) wait(ctx context.Context, e *entry, mode Mode) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := e.sem.Acquire(waitCtx, weight(mode))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return artifact.ErrLockTimeout
	}
	return err
}

func (m *Manager) observe(mode Mode, started time.Time, err error) {
	if m.observer != nil {
		m.observer.ObserveLockWait(mode.String(), time.Since(started), err)
	}
}

func (m *Manager) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil {
		e = &entry{sem: semaphore.NewWeighted(writeWeight)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 && m.entries[key] == e {
		delete(m.entries, key)
	}
}

func weight(mode Mode) int64 {
	if mode == Write {
		return writeWeight
	}
	return 1
}
