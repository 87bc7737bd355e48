package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// TaskFields 提供任务编号/类型/目标路径字段，供下载与解包日志复用。
func TaskFields(id int64, kind, target string) logrus.Fields {
	return logrus.Fields{
		"task_id":   id,
		"task_kind": kind,
		"target":    target,
	}
}

// MismatchFields 描述一次校验失败的期望值与实际值，便于区分镜像损坏与篡改。
func MismatchFields(what, path string, want, got interface{}) logrus.Fields {
	return logrus.Fields{
		"mismatch": what,
		"path":     path,
		"expected": want,
		"actual":   got,
	}
}
