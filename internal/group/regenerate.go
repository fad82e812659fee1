package group

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/any-hub/any-repo/internal/artifact"
	"github.com/any-hub/any-repo/internal/pathlock"
	"github.com/any-hub/any-repo/internal/task"
)

// RegenerateKind 是聚合文件重建任务的类型。
const RegenerateKind = "group-regenerate"

// OnMembershipChanged 更新成员并强制重建聚合文件。
func (g *Repository) OnMembershipChanged(memberIDs []string) {
	members := slices.DeleteFunc(slices.Clone(memberIDs), func(id string) bool {
		return id == g.id
	})
	g.mu.Lock()
	g.members = members
	g.mu.Unlock()
	g.requestRegeneration(true)
}

// OnLocalStatusChanged 切换服务状态，恢复服务时强制重建。
func (g *Repository) OnLocalStatusChanged(canServiceRequests bool) {
	g.inService.Store(canServiceRequests)
	if canServiceRequests {
		g.requestRegeneration(true)
	}
}

// OnStarted 标记进程已启动，聚合文件缺失时补建。
func (g *Repository) OnStarted() {
	g.started.Store(true)
	g.requestRegeneration(false)
}

// OnRegistered 在仓库注册完成后补建缺失的聚合文件。
func (g *Repository) OnRegistered() {
	g.requestRegeneration(false)
}

// requestRegeneration 向协调器提交重建任务。强制请求被冲突拒绝时记为待处理，
// 在途任务结束后重新提交；协调器禁用时直接同步执行。
func (g *Repository) requestRegeneration(forced bool) {
	fields := g.fields(ReservedPrefix)
	fields["forced"] = forced
	if !g.ready() {
		g.logger.WithFields(fields).Debug("regeneration_skipped")
		return
	}
	if forced {
		g.pending.Store(true)
	}
	if g.coordinator == nil {
		g.regenerateInline(forced)
		return
	}

	err := g.coordinator.Submit(&regenerateJob{group: g, forced: forced})
	switch {
	case err == nil:
	case errors.Is(err, artifact.ErrConflictRejected):
		g.logger.WithFields(fields).Debug("regeneration_deferred")
	case errors.Is(err, task.ErrTasksDisabled):
		g.regenerateInline(forced)
	default:
		fields["error"] = err.Error()
		g.logger.WithFields(fields).Warn("regeneration_rejected")
	}
}

func (g *Repository) regenerateInline(forced bool) {
	forced = g.pending.Swap(false) || forced
	ctx, cancel := context.WithTimeout(context.Background(), g.locks.Timeout()+time.Minute)
	defer cancel()
	if err := g.Regenerate(ctx, forced); err != nil {
		fields := g.fields(ReservedPrefix)
		fields["error"] = err.Error()
		g.logger.WithFields(fields).Warn("regeneration_failed")
	}
}

// onJobComplete 在本组的任务结束后检查是否有被拒绝的强制请求。
func (g *Repository) onJobComplete(job task.Job, _ error) {
	j, ok := job.(*regenerateJob)
	if !ok || j.group != g {
		return
	}
	if g.pending.Load() {
		g.requestRegeneration(true)
	}
}

func (g *Repository) ready() bool {
	return g.started.Load() && g.inService.Load()
}

// Regenerate 重建聚合文件。非强制调用在聚合文件已存在时直接返回；
// 渲染写入暂存目录，替换在元数据写锁内完成，失败时已发布的聚合文件保持不变。
func (g *Repository) Regenerate(ctx context.Context, forced bool) error {
	fields := g.fields(ReservedPrefix)
	fields["action"] = "regenerate"
	fields["forced"] = forced
	if !g.ready() {
		g.logger.WithFields(fields).Debug("regeneration_skipped")
		return nil
	}
	ctx = pathlock.WithOperation(ctx)

	if !forced {
		present, err := g.aggregatesPresent(ctx)
		if err != nil {
			return err
		}
		if present {
			g.logger.WithFields(fields).Debug("regeneration_skipped")
			return nil
		}
	}

	started := time.Now()
	members := g.Members()
	staging, err := os.MkdirTemp(g.stagingDir, "group-"+g.id+"-"+uuid.NewString()+"-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	files, err := renderAggregates(staging, g.id, g.namespaced, members)
	if err != nil {
		return err
	}

	// 元数据锁与各聚合文件的写锁按全局顺序一次取得，随后的 Replace 在同一操作内重入。
	keys := []string{pathlock.Key(g.id, MetadataLockPath)}
	for _, staged := range files {
		keys = append(keys, pathlock.Key(g.id, staged.path))
	}
	locks, err := g.locks.AcquireAll(ctx, keys, pathlock.Write)
	if err != nil {
		return artifact.WrapOp("regenerate", g.id, MetadataLockPath, err)
	}
	defer locks.Release()

	for _, staged := range files {
		if err := g.publish(ctx, staged); err != nil {
			return err
		}
	}

	fields["members"] = len(members)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	g.logger.WithFields(fields).Info("group_regenerated")
	return nil
}

func (g *Repository) publish(ctx context.Context, staged stagedFile) error {
	f, err := os.Open(staged.file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = g.storage.Replace(ctx, staged.path, f, aggregateHeaders(staged.contentType))
	return err
}

// aggregatesPresent 在元数据读锁内检查聚合文件是否齐全。
func (g *Repository) aggregatesPresent(ctx context.Context) (bool, error) {
	lock, err := g.locks.Acquire(ctx, pathlock.Key(g.id, MetadataLockPath), pathlock.Read)
	if err != nil {
		return false, artifact.WrapOp("regenerate", g.id, MetadataLockPath, err)
	}
	defer lock.Release()

	for _, p := range []string{IndexJSONPath, IndexPath} {
		ok, err := g.storage.Exists(ctx, p)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// regenerateJob 是一次聚合文件重建；同一组的任务互相冲突。
type regenerateJob struct {
	group  *Repository
	forced bool
}

var _ task.Job = (*regenerateJob)(nil)

func (j *regenerateJob) Kind() string {
	return RegenerateKind
}

func (j *regenerateJob) Resource() string {
	return j.group.id
}

func (j *regenerateJob) ConflictsWith(other task.Job) bool {
	o, ok := other.(*regenerateJob)
	return ok && o.group.id == j.group.id
}

func (j *regenerateJob) Run(ctx context.Context) error {
	forced := j.group.pending.Swap(false) || j.forced
	return j.group.Regenerate(ctx, forced)
}
