package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/any-hub/any-repo/internal/artifact"
)

// DefaultMaxParallel 是同一类任务的默认并发上限。
const DefaultMaxParallel = 10

var (
	// ErrTasksDisabled 表示协调器按配置禁用了后台任务。
	ErrTasksDisabled = errors.New("background tasks disabled")
	// ErrStopped 表示协调器已关闭。
	ErrStopped = errors.New("task coordinator stopped")
)

// Job 是一次后台任务；ConflictsWith 只在同类任务之间比较。
type Job interface {
	Kind() string
	Resource() string
	ConflictsWith(other Job) bool
	Run(ctx context.Context) error
}

// Completer 在任务移出在途集合后被调用。
type Completer func(job Job, err error)

// Observer 接收任务生命周期事件，metrics.Metrics 实现了该接口。
type Observer interface {
	ObserveSubmit(kind string, err error)
	TaskStarted(kind string)
	TaskFinished(kind string)
}

// Config 控制协调器行为。
type Config struct {
	Enabled     bool
	MaxParallel int
	Logger      *logrus.Logger
	Observer    Observer
}

// State 描述在途任务所处阶段。
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
)

// Info 是在途任务的快照。
type Info struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Resource  string    `json:"resource"`
	State     State     `json:"state"`
	Submitted time.Time `json:"submitted"`
	Started   time.Time `json:"started,omitempty"`
}

type record struct {
	info Info
	job  Job
}

// Coordinator 接收、去重并调度后台任务。
type Coordinator struct {
	enabled     bool
	maxParallel int
	logger      *logrus.Logger
	observer    Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	stopped    bool
	inflight   map[string]*record
	sems       map[string]*semaphore.Weighted
	completers []Completer
}

// New 创建协调器。
func New(cfg Config) *Coordinator {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		enabled:     cfg.Enabled,
		maxParallel: maxParallel,
		logger:      logger,
		observer:    cfg.Observer,
		ctx:         ctx,
		cancel:      cancel,
		inflight:    make(map[string]*record),
		sems:        make(map[string]*semaphore.Weighted),
	}
}

// OnComplete 注册完成回调，回调在任务的 goroutine 中同步执行。
func (c *Coordinator) OnComplete(fn Completer) {
	c.mu.Lock()
	c.completers = append(c.completers, fn)
	c.mu.Unlock()
}

// Submit 提交任务。与在途同类任务冲突时返回 ErrConflictRejected，这是正常的控制流结果。
func (c *Coordinator) Submit(job Job) error {
	err := c.submit(job)
	if c.observer != nil {
		c.observer.ObserveSubmit(job.Kind(), err)
	}
	return err
}

func (c *Coordinator) submit(job Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if !c.enabled {
		return ErrTasksDisabled
	}
	for _, rec := range c.inflight {
		if rec.job.Kind() != job.Kind() {
			continue
		}
		if rec.job.ConflictsWith(job) || job.ConflictsWith(rec.job) {
			return fmt.Errorf("%w: %s %s blocked by %s", artifact.ErrConflictRejected, job.Kind(), job.Resource(), rec.info.ID)
		}
	}

	rec := &record{
		job: job,
		info: Info{
			ID:        uuid.NewString(),
			Kind:      job.Kind(),
			Resource:  job.Resource(),
			State:     StateQueued,
			Submitted: time.Now().UTC(),
		},
	}
	c.inflight[rec.info.ID] = rec
	sem := c.sems[job.Kind()]
	if sem == nil {
		sem = semaphore.NewWeighted(int64(c.maxParallel))
		c.sems[job.Kind()] = sem
	}

	c.wg.Add(1)
	go c.run(rec, sem)
	return nil
}

func (c *Coordinator) run(rec *record, sem *semaphore.Weighted) {
	defer c.wg.Done()
	fields := logrus.Fields{"action": "task", "task_id": rec.info.ID, "kind": rec.info.Kind, "resource": rec.info.Resource}

	if err := sem.Acquire(c.ctx, 1); err != nil {
		c.finish(rec, err)
		return
	}
	defer sem.Release(1)

	c.mu.Lock()
	rec.info.State = StateRunning
	rec.info.Started = time.Now().UTC()
	c.mu.Unlock()
	if c.observer != nil {
		c.observer.TaskStarted(rec.info.Kind)
	}

	err := c.execute(rec.job)
	if c.observer != nil {
		c.observer.TaskFinished(rec.info.Kind)
	}

	fields["elapsed_ms"] = time.Since(rec.info.Started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Warn("task_failed")
	} else {
		c.logger.WithFields(fields).Debug("task_completed")
	}
	c.finish(rec, err)
}

func (c *Coordinator) execute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v\n%s", r, debug.Stack())
		}
	}()
	return job.Run(c.ctx)
}

func (c *Coordinator) finish(rec *record, err error) {
	c.mu.Lock()
	delete(c.inflight, rec.info.ID)
	completers := append([]Completer(nil), c.completers...)
	c.mu.Unlock()

	for _, fn := range completers {
		fn(rec.job, err)
	}
}

// Running 返回在途任务快照，按提交时间排序。
func (c *Coordinator) Running() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Info, 0, len(c.inflight))
	for _, rec := range c.inflight {
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID < out[j].ID
		}
		return out[i].Submitted.Before(out[j].Submitted)
	})
	return out
}

// Enabled 报告后台任务是否启用。
func (c *Coordinator) Enabled() bool {
	return c.enabled
}

// Shutdown 拒绝新任务并等待在途任务结束；ctx 到期后取消任务上下文并立即返回 ctx 错误。
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}
