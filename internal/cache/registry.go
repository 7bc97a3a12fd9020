package cache

import "fmt"

const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// OpenRegistry 根据配置的后端类型创建 Registry，整站复用一份实例。
func OpenRegistry(backend, basePath string) (Registry, error) {
	switch backend {
	case "", BackendFS:
		return NewFileRegistry(basePath)
	case BackendSQLite:
		return NewSQLiteRegistry(basePath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}
