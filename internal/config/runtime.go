package config

import "github.com/any-hub/any-repo/internal/repository"

// BuildOrder 返回按依赖排序的仓库配置：组总是排在其全部成员之后。
// 组之间存在环时返回 FieldError。
func (c *Config) BuildOrder() ([]RepositoryConfig, error) {
	byName := make(map[string]RepositoryConfig, len(c.Repositories))
	for _, repo := range c.Repositories {
		byName[repo.Name] = repo
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.Repositories))
	ordered := make([]RepositoryConfig, 0, len(c.Repositories))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return newFieldError(repoField(name, "Members"), "组之间存在循环引用")
		}
		repo, ok := byName[name]
		if !ok {
			return nil
		}
		state[name] = visiting
		if repo.Kind() == repository.KindGroup {
			for _, member := range repo.Members {
				if err := visit(member); err != nil {
					return err
				}
			}
		}
		state[name] = done
		ordered = append(ordered, repo)
		return nil
	}

	for _, repo := range c.Repositories {
		if err := visit(repo.Name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
