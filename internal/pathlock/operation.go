package pathlock

import (
	"context"
	"sync"
)

type operationKey struct{}

// operation 记录单个逻辑操作已持有的锁，用于重入判断。
type operation struct {
	mu   sync.Mutex
	held map[string]Mode
}

// WithOperation 标记一次逻辑操作的开始。同一操作内对已持有 key 的再次获取直接复用，
// 读锁不能原地升级为写锁。
func WithOperation(ctx context.Context) context.Context {
	if operationFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, operationKey{}, &operation{held: make(map[string]Mode)})
}

func operationFrom(ctx context.Context) *operation {
	op, _ := ctx.Value(operationKey{}).(*operation)
	return op
}

func (o *operation) mode(key string) (Mode, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.held[key]
	return m, ok
}

func (o *operation) remember(key string, mode Mode) {
	o.mu.Lock()
	o.held[key] = mode
	o.mu.Unlock()
}

func (o *operation) forget(key string) {
	o.mu.Lock()
	delete(o.held, key)
	o.mu.Unlock()
}
