// Package registry resolves repository identifiers to live repository
// instances. Group repositories borrow members through it for the duration of
// a single request; the registry owns no repository lifecycle.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/any-hub/any-repo/internal/repository"
)

// Entry 是 List 返回的注册项摘要，供 /-/repositories 输出。
type Entry struct {
	ID   string          `json:"id"`
	Kind repository.Kind `json:"kind"`
}

// Registry 按注册顺序保存仓库实例，ID 区分大小写。
type Registry struct {
	mu      sync.RWMutex
	repos   map[string]repository.Repository
	ordered []string
}

// New 创建空注册表。
func New() *Registry {
	return &Registry{repos: make(map[string]repository.Repository)}
}

// Register 加入仓库，重复 ID 返回错误。
func (r *Registry) Register(repo repository.Repository) error {
	if repo == nil {
		return errors.New("repository is nil")
	}
	id := strings.TrimSpace(repo.ID())
	if id == "" {
		return errors.New("repository id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.repos[id]; exists {
		return fmt.Errorf("repository %s already registered", id)
	}
	r.repos[id] = repo
	r.ordered = append(r.ordered, id)
	return nil
}

// Lookup 按 ID 返回仓库。
func (r *Registry) Lookup(id string) (repository.Repository, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repos[strings.TrimSpace(id)]
	return repo, ok
}

// Resolve 实现 repository.Resolver。
func (r *Registry) Resolve(id string) (repository.Repository, bool) {
	return r.Lookup(id)
}

// Remove 注销仓库，返回是否存在。
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id = strings.TrimSpace(id)
	if _, ok := r.repos[id]; !ok {
		return false
	}
	delete(r.repos, id)
	for i, existing := range r.ordered {
		if existing == id {
			r.ordered = append(r.ordered[:i:i], r.ordered[i+1:]...)
			break
		}
	}
	return true
}

// List 按注册顺序返回摘要。
func (r *Registry) List() []Entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ordered) == 0 {
		return nil
	}
	result := make([]Entry, len(r.ordered))
	for i, id := range r.ordered {
		result[i] = Entry{ID: id, Kind: r.repos[id].Kind()}
	}
	return result
}
