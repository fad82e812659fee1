package repository

import (
	"context"
	"io"
	"iter"

	"github.com/any-hub/any-repo/internal/artifact"
)

// Repository 是各类仓库共享的能力集合。
type Repository interface {
	ID() string
	Kind() Kind
	Retrieve(ctx context.Context, path string) (*artifact.Artifact, error)
	Store(ctx context.Context, path string, content io.Reader, headers artifact.Headers) (*artifact.Attributes, error)
	Delete(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string, recursive bool) iter.Seq2[artifact.Entry, error]
}

// Resolver 按 ID 借用仓库实例，调用方不得持有超过一次请求。
type Resolver interface {
	Resolve(id string) (Repository, bool)
}

// ResolverFunc 允许以函数实现 Resolver。
type ResolverFunc func(id string) (Repository, bool)

func (f ResolverFunc) Resolve(id string) (Repository, bool) {
	return f(id)
}
