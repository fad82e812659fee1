package proxy

import (
	"context"
	"errors"

	"github.com/any-hub/any-repo/internal/artifact"
	"github.com/any-hub/any-repo/internal/task"
)

// ExpireKind 是缓存失效任务的类型。
const ExpireKind = "expire-cache"

// Expire 把单个缓存副本标记为过期，下次读取会回源；同时清除该路径的负缓存。
func (r *Repository) Expire(ctx context.Context, rawPath string) error {
	p, err := artifact.Canonical(rawPath)
	if err != nil {
		return artifact.WrapOp("expire", r.ID(), rawPath, err)
	}
	r.forgetMissing(p)
	_, err = r.cache.UpdateHeaders(ctx, p, func(h artifact.Headers) {
		h[artifact.HeaderExpired] = "true"
	})
	return err
}

// ExpireCache 递归标记 prefix 下的全部缓存副本为过期，返回处理的数量。
func (r *Repository) ExpireCache(ctx context.Context, rawPrefix string) (int, error) {
	prefix, err := artifact.Canonical(rawPrefix)
	if err != nil {
		return 0, artifact.WrapOp("expire", r.ID(), rawPrefix, err)
	}
	if r.negative != nil {
		for _, key := range r.negative.Keys() {
			if artifact.IsWithin(key, prefix) {
				r.negative.Remove(key)
			}
		}
	}

	var paths []string
	for entry, err := range r.cache.List(ctx, prefix, true) {
		if err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				break
			}
			return 0, err
		}
		paths = append(paths, entry.Path)
	}

	expired := 0
	for _, p := range paths {
		if err := r.Expire(ctx, p); err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				continue
			}
			return expired, err
		}
		expired++
	}

	fields := r.fields(prefix)
	fields["action"] = "expire_cache"
	fields["expired"] = expired
	r.logger.WithFields(fields).Info("proxy_cache_expired")
	return expired, nil
}

// ExpireJob 通过任务协调器执行 ExpireCache；同一仓库内前缀重叠的任务互相冲突。
type ExpireJob struct {
	Repo   *Repository
	Prefix string
}

var _ task.Job = (*ExpireJob)(nil)

func (j *ExpireJob) Kind() string {
	return ExpireKind
}

func (j *ExpireJob) Resource() string {
	return j.Repo.ID() + ":" + j.prefix()
}

func (j *ExpireJob) ConflictsWith(other task.Job) bool {
	o, ok := other.(*ExpireJob)
	if !ok || o.Repo.ID() != j.Repo.ID() {
		return false
	}
	a, b := j.prefix(), o.prefix()
	return artifact.IsWithin(a, b) || artifact.IsWithin(b, a)
}

func (j *ExpireJob) Run(ctx context.Context) error {
	_, err := j.Repo.ExpireCache(ctx, j.prefix())
	return err
}

func (j *ExpireJob) prefix() string {
	p, err := artifact.Canonical(j.Prefix)
	if err != nil {
		return artifact.Root
	}
	return p
}
