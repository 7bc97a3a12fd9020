// Package policy 根据请求分类执行缓存策略：cache-first、stale-while-revalidate、
// network-first 与 pass-through，并在缓存与网络都失败时调用离线合成器。
package policy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/classify"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/offline"
)

// Source 标记响应来自缓存、网络还是离线合成。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceOffline Source = "offline"
)

// ErrUpstreamUnavailable 表示网络失败且该分类不允许离线兜底，调用方应返回 502。
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Request 是交给策略引擎的一次请求。URL 必须是可直接抓取的绝对地址。
type Request struct {
	Classified classify.Result
	URL        *url.URL
	Header     http.Header
	Body       []byte
	// DisplayURL 是客户端看到的地址，用作离线页的重试链接。
	DisplayURL string
}

// Fetcher 执行真实的网络请求。只有传输层错误才返回 error，非 2xx 作为普通响应返回。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*cache.Entry, error)
}

// Pages 是离线兜底使用的站点信息。
type Pages struct {
	// Base 是同源页面的绝对前缀，用于定位预缓存的 not-found 文档。
	Base          *url.URL
	RootPage      string
	ListingPage   string
	NotFoundPage  string
	DocumentLabel string
}

// StoreSelector 决定一次请求读写哪个版本的 store。返回 false 时不读写缓存。
type StoreSelector interface {
	Serving() (cache.Naming, bool)
}

// Options 聚合引擎依赖。Selector 为空时始终使用 Naming。
type Options struct {
	Registry cache.Registry
	Naming   cache.Naming
	Selector StoreSelector
	Fetcher  Fetcher
	Pages    Pages
	Logger   *logrus.Logger
}

// Response 是策略执行结果。
type Response struct {
	Entry    *cache.Entry
	Source   Source
	Category classify.Category
	Strategy Strategy
}

// Engine 无全局队列，每个请求独立执行；后台刷新由 WaitGroup 跟踪。
type Engine struct {
	registry cache.Registry
	naming   cache.Naming
	selector StoreSelector
	fetcher  Fetcher
	pages    Pages
	logger   *logrus.Logger

	background sync.WaitGroup
}

// NewEngine 校验依赖并构建引擎。
func NewEngine(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("policy: registry required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("policy: fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		registry: opts.Registry,
		naming:   opts.Naming,
		selector: opts.Selector,
		fetcher:  opts.Fetcher,
		pages:    opts.Pages,
		logger:   logger,
	}, nil
}

// plan 是一次请求解析出的策略与 store 名称。store 为空表示不读写缓存。
type plan struct {
	req     Request
	profile Profile
	naming  cache.Naming
	store   string
	key     cache.Key
}

// Handle 按分类执行策略。返回的 error 仅为 ErrUpstreamUnavailable 的包装。
func (e *Engine) Handle(ctx context.Context, req Request) (*Response, error) {
	p := e.resolve(req)
	switch p.profile.Strategy {
	case StrategyStaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, p)
	case StrategyCacheFirst:
		return e.cacheFirst(ctx, p)
	case StrategyNetworkFirst:
		return e.networkFirst(ctx, p)
	default:
		return e.passThrough(ctx, p)
	}
}

// resolve 按分类与当前服务版本确定本次请求的 store。
func (e *Engine) resolve(req Request) plan {
	p := plan{
		req:     req,
		profile: Lookup(req.Classified.Category),
		key:     cache.RequestKey(req.Classified.Method, req.URL),
	}
	naming, ok := e.naming, true
	if e.selector != nil {
		naming, ok = e.selector.Serving()
	}
	if ok {
		p.naming = naming
		if p.profile.Tier != "" {
			p.store = naming.Name(p.profile.Tier)
		}
	}
	return p
}

// Wait 阻塞直到全部后台刷新结束。
func (e *Engine) Wait() {
	e.background.Wait()
}

func (e *Engine) passThrough(ctx context.Context, p plan) (*Response, error) {
	entry, err := e.fetcher.Fetch(ctx, p.req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return e.respond(entry, SourceNetwork, p.profile), nil
}

func (e *Engine) cacheFirst(ctx context.Context, p plan) (*Response, error) {
	if cached := e.lookup(ctx, p.store, p.key); cached != nil {
		return e.respond(cached, SourceCache, p.profile), nil
	}

	entry, err := e.fetcher.Fetch(ctx, p.req)
	if err != nil {
		return e.fallback(ctx, p, err)
	}
	if entry.Cacheable() {
		e.store(ctx, p.store, p.key, entry)
	}
	return e.respond(entry, SourceNetwork, p.profile), nil
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, p plan) (*Response, error) {
	if cached := e.lookup(ctx, p.store, p.key); cached != nil {
		e.revalidate(ctx, p)
		return e.respond(cached, SourceCache, p.profile), nil
	}

	entry, err := e.fetcher.Fetch(ctx, p.req)
	if err != nil {
		return e.fallback(ctx, p, err)
	}
	if entry.Cacheable() {
		e.store(ctx, p.store, p.key, entry)
	}
	return e.respond(entry, SourceNetwork, p.profile), nil
}

func (e *Engine) networkFirst(ctx context.Context, p plan) (*Response, error) {
	entry, err := e.fetcher.Fetch(ctx, p.req)
	if err == nil && entry.Cacheable() {
		e.store(ctx, p.store, p.key, entry)
		return e.respond(entry, SourceNetwork, p.profile), nil
	}

	// 传输失败或非成功响应都先尝试缓存。
	if cached := e.lookup(ctx, p.store, p.key); cached != nil {
		return e.respond(cached, SourceCache, p.profile), nil
	}
	if err != nil {
		return e.fallback(ctx, p, err)
	}
	return e.respond(entry, SourceNetwork, p.profile), nil
}

// revalidate 在请求结束后继续运行，失败只记录日志。
func (e *Engine) revalidate(ctx context.Context, p plan) {
	detached := context.WithoutCancel(ctx)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		entry, err := e.fetcher.Fetch(detached, p.req)
		if err != nil {
			e.logger.WithFields(logging.StoreFields("revalidate", p.store, string(p.key))).
				WithError(err).Debug("后台刷新失败")
			return
		}
		if !entry.Cacheable() {
			return
		}
		e.store(detached, p.store, p.key, entry)
	}()
}

func (e *Engine) fallback(ctx context.Context, p plan, cause error) (*Response, error) {
	req, profile := p.req, p.profile
	e.logger.WithFields(logging.RequestFields(
		req.Classified.Method,
		urlString(req.URL),
		string(profile.Category),
		string(profile.Strategy),
		string(SourceOffline),
		false,
	)).WithError(cause).Warn("网络与缓存均不可用")

	switch profile.Fallback {
	case FallbackPropagateError:
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, cause)
	case FallbackNotFoundPage:
		if entry := e.notFoundDocument(ctx, p); entry != nil {
			return e.respond(entry, SourceOffline, profile), nil
		}
		return e.respond(e.synthesize(offline.KindGeneric, req), SourceOffline, profile), nil
	case FallbackDocumentPage:
		return e.respond(e.synthesize(offline.KindContentDocument, req), SourceOffline, profile), nil
	default:
		return e.respond(e.synthesize(offline.KindGeneric, req), SourceOffline, profile), nil
	}
}

func (e *Engine) notFoundDocument(ctx context.Context, p plan) *cache.Entry {
	if e.pages.NotFoundPage == "" || e.pages.Base == nil || p.store == "" {
		return nil
	}
	target := ResolvePath(e.pages.Base, e.pages.NotFoundPage)
	return e.lookup(ctx, p.naming.Name(cache.TierStatic), cache.RequestKey(http.MethodGet, target))
}

func (e *Engine) synthesize(kind offline.Kind, req Request) *cache.Entry {
	return offline.Synthesize(kind, offline.Params{
		RequestURL:    firstNonEmpty(req.DisplayURL, urlString(req.URL)),
		DocumentID:    req.Classified.DocumentID,
		DocumentLabel: e.pages.DocumentLabel,
		ListingPage:   e.pages.ListingPage,
		RootPage:      e.pages.RootPage,
	})
}

// lookup 把 store 错误视为未命中。读取不会创建 store。
func (e *Engine) lookup(ctx context.Context, name string, key cache.Key) *cache.Entry {
	if name == "" {
		return nil
	}
	exists, err := e.registry.Has(ctx, name)
	if err != nil {
		e.logger.WithFields(logging.StoreFields("has", name, string(key))).WithError(err).Warn("检查缓存失败")
		return nil
	}
	if !exists {
		return nil
	}
	store, err := e.registry.Open(ctx, name)
	if err != nil {
		e.logger.WithFields(logging.StoreFields("open", name, string(key))).WithError(err).Warn("打开缓存失败")
		return nil
	}
	entry, err := store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.WithFields(logging.StoreFields("read", name, string(key))).WithError(err).Warn("读取缓存失败")
		}
		return nil
	}
	return entry
}

// store 写入失败只记录日志，不影响响应。
func (e *Engine) store(ctx context.Context, name string, key cache.Key, entry *cache.Entry) {
	if name == "" {
		return
	}
	snapshot := entry.Clone()
	snapshot.Key = key
	store, err := e.registry.Open(ctx, name)
	if err == nil {
		err = store.Put(ctx, snapshot)
	}
	if err != nil {
		e.logger.WithFields(logging.StoreFields("write", name, string(key))).WithError(err).Warn("写入缓存失败")
	}
}

func (e *Engine) respond(entry *cache.Entry, source Source, profile Profile) *Response {
	return &Response{
		Entry:    entry,
		Source:   source,
		Category: profile.Category,
		Strategy: profile.Strategy,
	}
}

// ResolvePath 把同源路径拼到 base 上，保留 path 中的查询串。
func ResolvePath(base *url.URL, path string) *url.URL {
	target := *base
	rawPath, rawQuery, _ := strings.Cut(path, "?")
	target.Path = strings.TrimSuffix(base.Path, "/") + rawPath
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
