package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/any-repo/internal/artifact"
	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/metrics"
	"github.com/any-hub/any-repo/internal/remote"
	"github.com/any-hub/any-repo/internal/repository"
)

// Options 汇总构造代理仓库所需的依赖。
type Options struct {
	Cache     *repository.Local
	Transport remote.Transport
	// HostKey 是在 Transport 中注册的源站键，默认等于仓库 ID。
	HostKey string
	Policy  Policy
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Repository 以 Local 作为缓存，在未命中或过期时回源。
type Repository struct {
	cache     *repository.Local
	transport remote.Transport
	hostKey   string
	policy    Policy
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	negative *expirable.LRU[string, struct{}]
	flight   singleflight.Group
}

// New 构造代理仓库。
func New(opts Options) (*Repository, error) {
	if opts.Cache == nil {
		return nil, errors.New("proxy cache repository required")
	}
	if opts.Transport == nil {
		return nil, errors.New("proxy transport required")
	}
	hostKey := opts.HostKey
	if hostKey == "" {
		hostKey = opts.Cache.ID()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	policy := opts.Policy.withDefaults()

	r := &Repository{
		cache:     opts.Cache,
		transport: opts.Transport,
		hostKey:   hostKey,
		policy:    policy,
		logger:    logging.OrDiscard(opts.Logger),
		metrics:   opts.Metrics,
		now:       now,
	}
	if policy.NotFoundTTL > 0 {
		r.negative = expirable.NewLRU[string, struct{}](policy.NotFoundCacheSize, nil, policy.NotFoundTTL)
	}
	return r, nil
}

func (r *Repository) ID() string {
	return r.cache.ID()
}

func (r *Repository) Kind() repository.Kind {
	return repository.KindProxy
}

// Policy 返回生效的缓存策略。
func (r *Repository) Policy() Policy {
	return r.policy
}

// Retrieve 按 CheckLocal → Fresh | FetchRemote → StoreLocal | FallbackOrFail 的顺序处理一次读取。
func (r *Repository) Retrieve(ctx context.Context, rawPath string) (*artifact.Artifact, error) {
	p, err := artifact.Canonical(rawPath)
	if err != nil {
		return nil, artifact.WrapOp("retrieve", r.ID(), rawPath, err)
	}

	cached, err := r.cache.Stat(ctx, p)
	switch {
	case err == nil && r.fresh(cached):
		r.metrics.ObserveCache(r.ID(), "fresh")
		art, err := r.cache.Retrieve(ctx, p)
		if !errors.Is(err, artifact.ErrNotFound) {
			return art, err
		}
		cached = nil
	case err == nil:
		r.metrics.ObserveCache(r.ID(), "stale")
	case errors.Is(err, artifact.ErrNotFound):
		cached = nil
	default:
		return nil, err
	}

	if cached == nil {
		if r.negativeHit(p) {
			r.metrics.ObserveCache(r.ID(), "negative")
			return nil, artifact.WrapOp("retrieve", r.ID(), p, artifact.ErrNotFound)
		}
		r.metrics.ObserveCache(r.ID(), "miss")
	}

	fetchErr := r.refresh(ctx, p)
	if fetchErr == nil {
		return r.cache.Retrieve(ctx, p)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if errors.Is(fetchErr, artifact.ErrNotFound) {
		r.rememberMissing(p)
		if cached != nil {
			if _, err := r.cache.Delete(ctx, p); err != nil {
				r.logger.WithFields(r.fields(p)).WithError(err).Warn("proxy_stale_cleanup_failed")
			}
		}
		return nil, artifact.WrapOp("retrieve", r.ID(), p, artifact.ErrNotFound)
	}

	if cached != nil && r.policy.ServeStale {
		fields := r.fields(p)
		fields["error"] = fetchErr.Error()
		r.logger.WithFields(fields).Warn("proxy_serving_stale")
		return r.cache.Retrieve(ctx, p)
	}
	if !errors.Is(fetchErr, artifact.ErrRemoteUnavailable) {
		return nil, fetchErr
	}
	return nil, artifact.WrapOp("retrieve", r.ID(), p, fetchErr)
}

// Store 直接写入本地缓存。
func (r *Repository) Store(ctx context.Context, rawPath string, content io.Reader, headers artifact.Headers) (*artifact.Attributes, error) {
	attrs, err := r.cache.Store(ctx, rawPath, content, headers)
	if err == nil {
		r.forgetMissing(attrs.Path)
	}
	return attrs, err
}

// Delete 删除本地缓存副本，不影响源站。
func (r *Repository) Delete(ctx context.Context, rawPath string) (bool, error) {
	return r.cache.Delete(ctx, rawPath)
}

// List 列出本地缓存内容。
func (r *Repository) List(ctx context.Context, prefix string, recursive bool) iter.Seq2[artifact.Entry, error] {
	return r.cache.List(ctx, prefix, recursive)
}

// refresh 合并同一路径的并发回源。回源使用独立的、有超时的上下文，调用方取消只影响自身等待。
func (r *Repository) refresh(ctx context.Context, p string) error {
	ch := r.flight.DoChan(p, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), r.policy.UpstreamTimeout)
		defer cancel()
		return r.fetchWithRetry(fetchCtx, p)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Repository) fetchWithRetry(ctx context.Context, p string) (*artifact.Attributes, error) {
	started := time.Now()
	attempt := 0
	var attrs *artifact.Attributes
	err := backoff.Retry(func() error {
		attempt++
		var err error
		attrs, err = r.fetchOnce(ctx, p)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, artifact.ErrRemoteUnavailable) && ctx.Err() == nil:
			return err
		default:
			return backoff.Permanent(err)
		}
	}, r.policy.Retry.backOff(ctx))

	fields := r.fields(p)
	fields["action"] = "proxy_fetch"
	fields["attempts"] = attempt
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	r.metrics.ObserveFetch(r.ID(), err)
	if err != nil {
		fields["error"] = err.Error()
		r.logger.WithFields(fields).Warn("proxy_fetch_failed")
		return nil, err
	}
	fields["size"] = attrs.Size
	r.logger.WithFields(fields).Info("proxy_fetch_complete")
	return attrs, nil
}

// fetchOnce 借出连接、回源并写回缓存；连接在所有退出路径上都会被归还或丢弃。
func (r *Repository) fetchOnce(ctx context.Context, p string) (attrs *artifact.Attributes, err error) {
	conn, err := r.transport.Checkout(ctx, r.hostKey)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: checkout: %v", artifact.ErrRemoteUnavailable, ctxErr)
		}
		return nil, err
	}
	healthy := false
	defer func() {
		if healthy {
			r.transport.Return(conn)
			return
		}
		r.transport.Discard(conn)
	}()

	resp, err := r.transport.Fetch(ctx, conn, p)
	if err != nil {
		healthy = errors.Is(err, artifact.ErrNotFound)
		if ctx.Err() != nil && !errors.Is(err, artifact.ErrRemoteUnavailable) {
			err = fmt.Errorf("%w: %v", artifact.ErrRemoteUnavailable, err)
		}
		return nil, err
	}

	headers := artifact.Headers{artifact.HeaderRemoteURL: resp.URL}
	headers.SetTime(artifact.HeaderRemoteFetchedAt, r.now())
	if !resp.LastModified.IsZero() {
		headers.SetTime(artifact.HeaderLastModified, resp.LastModified)
	}
	if resp.ETag != "" {
		headers[artifact.HeaderETag] = resp.ETag
	}
	if resp.ContentType != "" {
		headers[artifact.HeaderContentType] = resp.ContentType
	}

	attrs, err = r.cache.Replace(ctx, p, remoteReader{resp.Body}, headers)
	if err != nil {
		return nil, err
	}
	healthy = true
	r.forgetMissing(p)
	return attrs, nil
}

// fresh 判断缓存副本是否可直接返回：显式过期标记优先；MaxAge<=0 时永不自然过期。
func (r *Repository) fresh(attrs *artifact.Attributes) bool {
	if attrs.Headers.Bool(artifact.HeaderExpired) {
		return false
	}
	if r.policy.MaxAge <= 0 {
		return true
	}
	fetched := attrs.Headers.Time(artifact.HeaderRemoteFetchedAt)
	if fetched.IsZero() {
		fetched = attrs.Created
	}
	return r.now().Sub(fetched) <= r.policy.MaxAge
}

func (r *Repository) negativeHit(p string) bool {
	if r.negative == nil {
		return false
	}
	_, ok := r.negative.Get(p)
	return ok
}

func (r *Repository) rememberMissing(p string) {
	if r.negative != nil {
		r.negative.Add(p, struct{}{})
	}
}

func (r *Repository) forgetMissing(p string) {
	if r.negative != nil {
		r.negative.Remove(p)
	}
}

func (r *Repository) fields(p string) logrus.Fields {
	fields := logging.RepositoryFields(r.ID(), string(repository.KindProxy))
	fields["path"] = p
	return fields
}

// remoteReader 把正文读取错误标记为远端不可用，使其进入重试流程。
type remoteReader struct {
	r io.Reader
}

func (rr remoteReader) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: read body: %v", artifact.ErrRemoteUnavailable, err)
	}
	return n, err
}
