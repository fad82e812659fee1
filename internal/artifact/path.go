package artifact

import (
	"fmt"
	"path"
	"strings"
)

// Root 是仓库命名空间的根路径。
const Root = "/"

// Canonical 将任意请求路径规整为唯一的存储/加锁键：单个前导斜杠、无空段、无 `.`/`..`。
// 大小写保持不变；越过根目录的 `..`、反斜杠或 NUL 字节视为非法路径。
func Canonical(raw string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}
	if strings.Contains(raw, `\`) {
		return "", fmt.Errorf("%w: backslash in %q", ErrInvalidPath, raw)
	}

	depth := 0
	for _, seg := range strings.Split(raw, "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return "", fmt.Errorf("%w: %q escapes repository root", ErrInvalidPath, raw)
			}
		default:
			depth++
		}
	}

	return path.Clean("/" + raw), nil
}

// MustCanonical 用于常量路径，非法输入直接 panic。
func MustCanonical(raw string) string {
	p, err := Canonical(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Segments 返回规范路径的各段，根路径返回 nil。
func Segments(canonical string) []string {
	trimmed := strings.Trim(canonical, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// SplitFirst 拆出第一段与剩余路径，剩余部分仍是规范路径（至少为 "/"）。
func SplitFirst(canonical string) (string, string) {
	trimmed := strings.TrimPrefix(canonical, "/")
	if trimmed == "" {
		return "", Root
	}
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed, Root
	}
	return trimmed[:idx], trimmed[idx:]
}

// Join 拼接规范路径与相对片段，结果重新规整。
func Join(canonical string, elems ...string) string {
	return path.Clean("/" + path.Join(append([]string{canonical}, elems...)...))
}

// Parent 返回上级目录，根路径的上级仍是根路径。
func Parent(canonical string) string {
	return path.Dir(canonical)
}

// Base 返回最后一段名称。
func Base(canonical string) string {
	if canonical == Root {
		return ""
	}
	return path.Base(canonical)
}

// IsWithin 判断 p 是否位于 prefix 之下（含自身）。
func IsWithin(p, prefix string) bool {
	if prefix == Root || p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}
