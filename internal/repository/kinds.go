package repository

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind 标识仓库类型。
type Kind string

const (
	KindLocal Kind = "local"
	KindProxy Kind = "proxy"
	KindGroup Kind = "group"
)

// KindMetadata 记录仓库类型的静态能力，供配置校验与诊断端使用。
type KindMetadata struct {
	Kind           Kind
	Description    string
	Writable       bool
	RequiresRemote bool
	HasMembers     bool
}

var globalKinds = newKindRegistry()

type kindRegistry struct {
	mu    sync.RWMutex
	kinds map[Kind]KindMetadata
}

func newKindRegistry() *kindRegistry {
	return &kindRegistry{kinds: make(map[Kind]KindMetadata)}
}

func init() {
	globalKinds.mustRegister(KindMetadata{
		Kind:        KindLocal,
		Description: "hosted artifacts stored in the local blob store",
		Writable:    true,
	})
	globalKinds.mustRegister(KindMetadata{
		Kind:           KindProxy,
		Description:    "local cache in front of a remote origin",
		Writable:       true,
		RequiresRemote: true,
	})
	globalKinds.mustRegister(KindMetadata{
		Kind:        KindGroup,
		Description: "virtual view over ordered member repositories",
		HasMembers:  true,
	})
}

// RegisterKind 将类型元数据加入全局注册表，重复键会返回错误。
func RegisterKind(meta KindMetadata) error {
	return globalKinds.register(meta)
}

// ResolveKind 返回指定类型的元数据，大小写不敏感。
func ResolveKind(key string) (KindMetadata, bool) {
	return globalKinds.resolve(key)
}

// Kinds 返回按键排序的类型元数据列表。
func Kinds() []KindMetadata {
	return globalKinds.list()
}

// KindKeys 返回所有已注册类型的键值，供错误提示使用。
func KindKeys() []string {
	items := Kinds()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = string(meta.Kind)
	}
	return result
}

func normalizeKind(key string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(key)))
}

func (r *kindRegistry) register(meta KindMetadata) error {
	key := normalizeKind(string(meta.Kind))
	if key == "" {
		return fmt.Errorf("repository kind is required")
	}
	meta.Kind = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[key]; exists {
		return fmt.Errorf("repository kind %s already registered", key)
	}
	r.kinds[key] = meta
	return nil
}

func (r *kindRegistry) mustRegister(meta KindMetadata) {
	if err := r.register(meta); err != nil {
		panic(err)
	}
}

func (r *kindRegistry) resolve(key string) (KindMetadata, bool) {
	if key == "" {
		return KindMetadata{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.kinds[normalizeKind(key)]
	return meta, ok
}

func (r *kindRegistry) list() []KindMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.kinds))
	for key := range r.kinds {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)

	result := make([]KindMetadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.kinds[Kind(key)])
	}
	return result
}
