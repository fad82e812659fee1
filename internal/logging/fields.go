package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RepositoryFields 提供仓库 ID 与类型字段，供仓库层日志复用。
func RepositoryFields(repoID, kind string) logrus.Fields {
	return logrus.Fields{
		"repository": repoID,
		"repo_kind":  kind,
	}
}

// RequestFields 在仓库字段基础上追加请求方法、路径与响应状态。
func RequestFields(repoID, kind, method, path string, status int) logrus.Fields {
	fields := RepositoryFields(repoID, kind)
	fields["method"] = method
	fields["path"] = path
	fields["status"] = status
	return fields
}

// TaskFields 描述一次后台任务。
func TaskFields(kind, resource string) logrus.Fields {
	return logrus.Fields{
		"task_kind": kind,
		"resource":  resource,
	}
}

// OrDiscard 在 logger 为 nil 时返回丢弃所有输出的 logger，便于组件的可选依赖。
func OrDiscard(logger *logrus.Logger) *logrus.Logger {
	if logger != nil {
		return logger
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return discard
}
