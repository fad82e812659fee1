package artifact

import (
	"errors"
	"fmt"
)

// 引擎统一的错误分类，调用方通过 errors.Is 判断。
var (
	ErrNotFound          = errors.New("artifact not found")
	ErrAlreadyExists     = errors.New("artifact already exists")
	ErrCorruptHeader     = errors.New("blob header corrupt")
	ErrCorruptBlob       = errors.New("blob payload corrupt")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrLockTimeout       = errors.New("lock acquisition timed out")
	ErrLockUpgrade       = errors.New("read lock cannot be upgraded in place")
	ErrConflictRejected  = errors.New("conflicting job in flight")
	ErrUnsupported       = errors.New("operation not supported by repository")
	ErrInvalidPath       = errors.New("invalid artifact path")
	ErrOutOfService      = errors.New("repository out of service")
)

// OpError 为错误附加操作、仓库与路径上下文，Unwrap 后仍可匹配分类错误。
type OpError struct {
	Op   string
	Repo string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Repo == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s:%s: %v", e.Op, e.Repo, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// WrapOp 在 err 非空时包装上下文；已是同一仓库的 OpError 时原样返回，避免层层叠加。
func WrapOp(op, repo, p string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) && existing.Repo == repo && existing.Path == p {
		return err
	}
	return &OpError{Op: op, Repo: repo, Path: p, Err: err}
}

// IsRetryable 表示调用方可稍后重试的错误（锁超时、远端不可用）。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrRemoteUnavailable)
}
