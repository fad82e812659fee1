package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/any-repo/internal/repository"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.LockTimeout.DurationValue() <= 0 {
		return newFieldError("Global.LockTimeout", "必须大于 0")
	}
	if g.MaxParallelTasks <= 0 {
		return newFieldError("Global.MaxParallelTasks", "必须大于 0")
	}
	if g.MaxConnsPerHost <= 0 {
		return newFieldError("Global.MaxConnsPerHost", "必须大于 0")
	}
	if g.NotFoundCacheTTL.DurationValue() < 0 {
		return newFieldError("Global.NotFoundCacheTTL", "不能为负数")
	}
	if g.NotFoundCacheSize <= 0 {
		return newFieldError("Global.NotFoundCacheSize", "必须大于 0")
	}

	if len(c.Repositories) == 0 {
		return errors.New("至少需要配置一个 Repository")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Repositories {
		repo := &c.Repositories[i]
		if err := validateName(repo.Name); err != nil {
			return newFieldError(repoField(repo.Name, "Name"), err.Error())
		}
		if _, exists := seenNames[repo.Name]; exists {
			return newFieldError(repoField(repo.Name, "Name"), "重复")
		}
		seenNames[repo.Name] = struct{}{}

		normalizedType := strings.ToLower(strings.TrimSpace(repo.Type))
		if normalizedType == "" {
			return newFieldError(repoField(repo.Name, "Type"), "不能为空")
		}
		meta, ok := repository.ResolveKind(normalizedType)
		if !ok {
			return newFieldError(repoField(repo.Name, "Type"), "仅支持 "+strings.Join(repository.KindKeys(), "|"))
		}
		repo.Type = string(meta.Kind)

		if err := validateKindFields(repo, meta); err != nil {
			return err
		}
	}

	for _, repo := range c.Repositories {
		if repo.Kind() != repository.KindGroup {
			continue
		}
		seenMembers := map[string]struct{}{}
		for _, member := range repo.Members {
			if member == repo.Name {
				return newFieldError(repoField(repo.Name, "Members"), "不能包含组自身")
			}
			if _, exists := seenNames[member]; !exists {
				return newFieldError(repoField(repo.Name, "Members"), fmt.Sprintf("成员不存在: %s", member))
			}
			if _, dup := seenMembers[member]; dup {
				return newFieldError(repoField(repo.Name, "Members"), fmt.Sprintf("成员重复: %s", member))
			}
			seenMembers[member] = struct{}{}
		}
	}

	if _, err := c.BuildOrder(); err != nil {
		return err
	}
	return nil
}

func validateKindFields(repo *RepositoryConfig, meta repository.KindMetadata) error {
	if meta.RequiresRemote {
		if err := validateRemote(repo.Remote); err != nil {
			return fmt.Errorf("%s: %w", repoField(repo.Name, "Remote"), err)
		}
		if repo.Proxy != "" {
			if err := validateRemote(repo.Proxy); err != nil {
				return fmt.Errorf("%s: %w", repoField(repo.Name, "Proxy"), err)
			}
		}
		if (repo.Username == "") != (repo.Password == "") {
			return newFieldError(repoField(repo.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if repo.MaxAge.DurationValue() < 0 {
			return newFieldError(repoField(repo.Name, "MaxAge"), "不能为负数")
		}
		if repo.RequestsPerSecond < 0 {
			return newFieldError(repoField(repo.Name, "RequestsPerSecond"), "不能为负数")
		}
	} else if repo.Remote != "" {
		return newFieldError(repoField(repo.Name, "Remote"), fmt.Sprintf("%s 类型不支持源站", meta.Kind))
	}

	if meta.HasMembers {
		if len(repo.Members) == 0 {
			return newFieldError(repoField(repo.Name, "Members"), "至少需要一个成员")
		}
	} else if len(repo.Members) > 0 {
		return newFieldError(repoField(repo.Name, "Members"), fmt.Sprintf("%s 类型不支持成员", meta.Kind))
	}
	return nil
}

// validateName 要求名称是单个路径段，且不以 "." 开头，避免与保留路径冲突。
func validateName(name string) error {
	switch {
	case name == "":
		return errors.New("不能为空")
	case strings.ContainsAny(name, "/\\ "):
		return errors.New("不允许包含斜杠或空格")
	case strings.HasPrefix(name, "."):
		return errors.New("不能以 . 开头")
	}
	return nil
}

func validateRemote(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
