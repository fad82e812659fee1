package artifact

import (
	"io"
	"strconv"
	"time"
)

// 头部常用键，所有值均以字符串形式落盘。
const (
	HeaderCreationTime    = "creationTime"
	HeaderSize            = "size"
	HeaderSHA1            = "sha1"
	HeaderSHA256          = "sha256"
	HeaderRemoteURL       = "remoteUrl"
	HeaderRemoteFetchedAt = "remoteFetchedAt"
	HeaderExpired         = "expired"
	HeaderLastModified    = "lastModified"
	HeaderETag            = "etag"
	HeaderContentType     = "contentType"
)

// Headers 是 Blob 的扁平字符串映射。
type Headers map[string]string

// Clone 返回独立副本，nil 输入得到空 map。
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Time 以 Unix 毫秒解析时间类头部，缺失或非法时返回零值。
func (h Headers) Time(key string) time.Time {
	raw, ok := h[key]
	if !ok || raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// SetTime 以 Unix 毫秒写入时间类头部。
func (h Headers) SetTime(key string, t time.Time) {
	h[key] = strconv.FormatInt(t.UnixMilli(), 10)
}

// Bool 读取布尔头部。
func (h Headers) Bool(key string) bool {
	v, _ := strconv.ParseBool(h[key])
	return v
}

// Attributes 描述一次检索得到的制品元信息。
type Attributes struct {
	RepositoryID string    `json:"repository"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Created      time.Time `json:"created"`
	Headers      Headers   `json:"headers"`
}

// SHA1 返回落盘时计算的内容摘要。
func (a Attributes) SHA1() string {
	return a.Headers[HeaderSHA1]
}

// Artifact 组合 Attributes 与正文 Reader，调用方负责关闭 Content。
type Artifact struct {
	Attributes
	Content io.ReadCloser
}

// Close 关闭正文，允许在 nil 上调用。
func (a *Artifact) Close() error {
	if a == nil || a.Content == nil {
		return nil
	}
	return a.Content.Close()
}

// Entry 是目录列举返回的一个子项。
type Entry struct {
	Path       string `json:"path"`
	Name       string `json:"name"`
	Collection bool   `json:"collection"`
}
