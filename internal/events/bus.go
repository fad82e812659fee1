// Package events is the in-process notification contract between repository
// lifecycle sources (configuration reloads, status changes, startup) and the
// group repositories that react to them.
package events

import (
	"sync"
)

// Kind 标识事件类型。
type Kind string

const (
	MembersChanged     Kind = "members_changed"
	LocalStatusChanged Kind = "local_status_changed"
	Started            Kind = "started"
	Registered         Kind = "registered"
)

// Event 是一次通知；RepositoryID 为空表示广播。
type Event struct {
	Kind               Kind
	RepositoryID       string
	MemberIDs          []string
	CanServiceRequests bool
}

// Handler 处理一次事件，可在处理过程中再次 Publish。
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus 是同步的进程内事件总线。
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// NewBus 创建空总线。
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe 注册处理器并返回取消订阅函数，取消函数可重复调用。
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish 按订阅顺序同步调用处理器。调用时使用订阅者快照且不持锁，处理器可重入发布。
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	snapshot := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range snapshot {
		s.handler(e)
	}
}
