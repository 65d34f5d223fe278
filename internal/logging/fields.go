package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ResourceFields 提供资源 URL、版本约束与阶段字段，供 tracker 日志复用。
func ResourceFields(url, version, phase string) logrus.Fields {
	return logrus.Fields{
		"url":     url,
		"version": version,
		"phase":   phase,
	}
}
