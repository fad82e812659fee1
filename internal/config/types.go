package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/any-repo/internal/repository"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有仓库共享同一份参数。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	MaxRetries        int      `mapstructure:"MaxRetries"`
	InitialBackoff    Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	LockTimeout       Duration `mapstructure:"LockTimeout"`
	MaxParallelTasks  int      `mapstructure:"MaxParallelTasks"`
	TasksEnabled      bool     `mapstructure:"TasksEnabled"`
	MaxConnsPerHost   int      `mapstructure:"MaxConnsPerHost"`
	NotFoundCacheTTL  Duration `mapstructure:"NotFoundCacheTTL"`
	NotFoundCacheSize int      `mapstructure:"NotFoundCacheSize"`
}

// RepositoryConfig 描述单个仓库；字段是否生效取决于 Type。
type RepositoryConfig struct {
	Name string `mapstructure:"Name"`
	Type string `mapstructure:"Type"`

	// proxy
	Remote            string   `mapstructure:"Remote"`
	Proxy             string   `mapstructure:"Proxy"`
	Username          string   `mapstructure:"Username"`
	Password          string   `mapstructure:"Password"`
	MaxAge            Duration `mapstructure:"MaxAge"`
	NotFoundCacheTTL  Duration `mapstructure:"NotFoundCacheTTL"`
	ServeStale        bool     `mapstructure:"ServeStale"`
	RequestsPerSecond float64  `mapstructure:"RequestsPerSecond"`

	// group
	Members    []string `mapstructure:"Members"`
	Namespaced bool     `mapstructure:"Namespaced"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	Repositories []RepositoryConfig `mapstructure:"Repository"`
}

// Kind 返回规范化后的仓库类型（假定 Validate 已经通过）。
func (r RepositoryConfig) Kind() repository.Kind {
	return repository.Kind(strings.ToLower(strings.TrimSpace(r.Type)))
}

// HasCredentials 表示当前仓库是否配置了完整的源站凭证。
func (r RepositoryConfig) HasCredentials() bool {
	return r.Username != "" && r.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (r RepositoryConfig) AuthMode() string {
	if r.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有代理仓库的鉴权模式摘要，例如 central:credentialed。
func CredentialModes(repos []RepositoryConfig) []string {
	var result []string
	for _, repo := range repos {
		if repo.Kind() != repository.KindProxy {
			continue
		}
		result = append(result, fmt.Sprintf("%s:%s", repo.Name, repo.AuthMode()))
	}
	return result
}

// EffectiveNotFoundTTL 返回代理仓库生效的负缓存时长：正值覆盖全局值，负值关闭负缓存。
func (c *Config) EffectiveNotFoundTTL(r RepositoryConfig) time.Duration {
	switch ttl := r.NotFoundCacheTTL.DurationValue(); {
	case ttl > 0:
		return ttl
	case ttl < 0:
		return 0
	default:
		return c.Global.NotFoundCacheTTL.DurationValue()
	}
}

// Lookup 按名称查找仓库配置。
func (c *Config) Lookup(name string) (RepositoryConfig, bool) {
	for _, repo := range c.Repositories {
		if repo.Name == name {
			return repo, true
		}
	}
	return RepositoryConfig{}, false
}
