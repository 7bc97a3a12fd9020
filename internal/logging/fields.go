package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供分类/策略/命中来源字段，供拦截请求日志复用。
func RequestFields(method, url, category, strategy, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"url":       url,
		"category":  category,
		"strategy":  strategy,
		"source":    source,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述生命周期阶段与版本令牌，install/activate 日志共用。
func LifecycleFields(action, version, state string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": version,
		"state":   state,
	}
}

// StoreFields 描述单个缓存 store 上的操作。
func StoreFields(action, store, key string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"store":  store,
		"key":    key,
	}
}
