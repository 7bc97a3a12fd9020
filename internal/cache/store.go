package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Registry 管理全部命名 store 的生命周期：枚举、打开（不存在则创建）与删除。
type Registry interface {
	// Open 打开名为 name 的 store，若不存在则创建一个空 store。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断 store 是否存在，不会创建。
	Has(ctx context.Context, name string) (bool, error)

	// Names 返回当前所有 store 名称（按字典序）。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个 store 及其全部条目，返回 store 是否曾经存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Store 是单个 key → Entry 表。Put 总是整条替换已有条目。
type Store interface {
	Name() string

	// Get 返回缓存条目，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*Entry, error)

	// Put 以 entry.Key 为键写入快照，覆盖旧值。
	Put(ctx context.Context, entry *Entry) error

	// Delete 删除单个条目，返回条目是否存在。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 返回全部条目的键（按字典序）。
	Keys(ctx context.Context) ([]Key, error)

	// Len 返回条目数量。
	Len(ctx context.Context) (int, error)
}

// Key 是规范化后的请求标识：大写方法 + 空格 + 去掉 fragment 的绝对 URL。
type Key string

// RequestKey 根据方法与绝对 URL 生成缓存键。scheme/host 统一小写，fragment 被丢弃。
func RequestKey(method string, u *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return Key(method + " ")
	}
	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	if normalized.Path == "" && normalized.Host != "" {
		normalized.Path = "/"
	}
	return Key(method + " " + normalized.String())
}

// Entry 是一次响应的完整快照：状态码、头部、正文与捕获时间。
type Entry struct {
	Key        Key
	Status     int
	Header     http.Header
	Body       []byte
	CapturedAt time.Time
}

// OK 对应 fetch Response.ok：状态码位于 2xx。
func (e *Entry) OK() bool {
	return e != nil && e.Status >= 200 && e.Status < 300
}

// Cacheable 表示该快照可以写入 store；206 部分响应不会被缓存。
func (e *Entry) Cacheable() bool {
	return e.OK() && e.Status != http.StatusPartialContent
}

// Clone 返回深拷贝，避免调用方修改共享的头部或正文。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cloned := *e
	cloned.Header = e.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = append([]byte(nil), e.Body...)
	return &cloned
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidStoreName 表示 store 名称为空或包含路径分隔符。
var ErrInvalidStoreName = errors.New("invalid store name")

func validateStoreName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, "/\\") {
		return ErrInvalidStoreName
	}
	return nil
}

func validateEntry(entry *Entry) error {
	if entry == nil {
		return errors.New("cache entry is nil")
	}
	if entry.Key == "" {
		return errors.New("cache entry key required")
	}
	return nil
}
