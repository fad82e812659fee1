package proxy

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultNotFoundTTL       = 60 * time.Second
	DefaultNotFoundCacheSize = 4096
	DefaultUpstreamTimeout   = 30 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryBackoff      = 200 * time.Millisecond
)

// Policy 是代理仓库的缓存与回源策略，全部来自显式配置。
type Policy struct {
	// MaxAge>0 时，距 remoteFetchedAt 超过 MaxAge 的副本视为过期；<=0 时只有显式失效才会过期。
	MaxAge time.Duration
	// NotFoundTTL 是源站 404 的负缓存时长，<=0 关闭负缓存。
	NotFoundTTL       time.Duration
	NotFoundCacheSize int
	// ServeStale 允许在回源失败时返回过期副本。
	ServeStale      bool
	UpstreamTimeout time.Duration
	Retry           RetryPolicy
}

// RetryPolicy 限定回源重试次数，退避间隔每次翻倍。
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.NotFoundCacheSize <= 0 {
		p.NotFoundCacheSize = DefaultNotFoundCacheSize
	}
	if p.UpstreamTimeout <= 0 {
		p.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if p.Retry.Attempts <= 0 {
		p.Retry.Attempts = DefaultRetryAttempts
	}
	if p.Retry.Backoff < 0 {
		p.Retry.Backoff = 0
	}
	return p
}

func (rp RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = rp.Backoff
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	attempts := rp.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}
