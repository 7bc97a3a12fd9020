// Package lifecycle 管理缓存版本的安装与激活：
// Parsed → Installing → Waiting → Activating → Active，安装失败进入 Redundant。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/classify"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/policy"
)

// State 是生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

var (
	// ErrInstallFailed 表示预缓存未能完整写入，本次安装作废。
	ErrInstallFailed = errors.New("install failed")
	// ErrInvalidState 表示当前状态不允许该转换。
	ErrInvalidState = errors.New("invalid lifecycle state")
)

// Worker 是宿主驱动生命周期的入口。
type Worker interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
}

// Options 描述一次部署的版本与预缓存清单。
type Options struct {
	Registry cache.Registry
	Naming   cache.Naming
	Fetcher  policy.Fetcher
	// Base 是同源静态资源路径的绝对前缀。
	Base              *url.URL
	StaticAssets      []string
	ExternalResources []string
	SkipWaiting       bool
	Concurrency       int
	Logger            *logrus.Logger
}

// Snapshot 是诊断接口输出的生命周期视图。
type Snapshot struct {
	State   State    `json:"state"`
	Version string   `json:"version"`
	Stores  []string `json:"stores"`
	// Serving 是当前拦截请求所用的版本，为空表示请求直接透传。
	Serving string `json:"serving,omitempty"`
}

// Manager 实现 Worker。状态只在锁内变更，网络抓取在锁外进行。
type Manager struct {
	opts   Options
	logger *logrus.Logger

	mu            sync.Mutex
	state         State
	skipRequested bool
	// fallback 是未激活期间继续服务的上一份完整缓存。
	fallback *cache.Naming
}

var _ Worker = (*Manager)(nil)

// NewManager 构建处于 Parsed 状态的管理器。
func NewManager(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("lifecycle: registry required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("lifecycle: fetcher required")
	}
	if len(opts.StaticAssets) > 0 && opts.Base == nil {
		return nil, errors.New("lifecycle: base url required for static assets")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{opts: opts, logger: logger, state: StateParsed}, nil
}

// State 返回当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active 报告当前版本是否已激活。
func (m *Manager) Active() bool {
	return m.State() == StateActive
}

// Serving 返回拦截请求使用的 store 命名：Active 时为当前版本；
// 其余状态下为磁盘上最后一份完整缓存，没有则返回 false。
func (m *Manager) Serving() (cache.Naming, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateActive {
		return m.opts.Naming, true
	}
	if m.fallback != nil {
		return *m.fallback, true
	}
	return cache.Naming{}, false
}

// Intercepting 为 true 时请求进入策略引擎，否则直接透传。
func (m *Manager) Intercepting() bool {
	_, ok := m.Serving()
	return ok
}

func (m *Manager) Version() string {
	return m.opts.Naming.Version
}

// CurrentStores 返回当前版本全部分区的 store 名称（排序后）。
func (m *Manager) CurrentStores() []string {
	current := m.opts.Naming.Current()
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Snapshot() Snapshot {
	snapshot := Snapshot{State: m.State(), Version: m.Version(), Stores: m.CurrentStores()}
	if naming, ok := m.Serving(); ok {
		snapshot.Serving = naming.Version
	}
	return snapshot
}

func (m *Manager) OnInstall(ctx context.Context) error {
	return m.Install(ctx)
}

func (m *Manager) OnActivate(ctx context.Context) error {
	return m.Activate(ctx)
}

// Start 执行安装；配置了 SkipWaiting 或不存在其他版本的 store 时立即激活。
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Install(ctx); err != nil {
		return err
	}
	if m.State() != StateWaiting {
		return nil
	}
	if m.opts.SkipWaiting {
		return m.Activate(ctx)
	}
	stale, err := m.staleStores(ctx)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return m.Activate(ctx)
	}
	m.logger.WithFields(logging.LifecycleFields("lifecycle_wait", m.Version(), string(StateWaiting))).
		WithField("stale_stores", stale).
		Info("存在旧版本缓存，等待 ActivateNow")
	return nil
}

// Install 预缓存全部静态资源（全有或全无），随后尽力缓存外部资源。
// 安装期间及失败后，磁盘上已有的完整缓存继续服务请求。
func (m *Manager) Install(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateParsed && m.state != StateRedundant {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: install from %s", ErrInvalidState, state)
	}
	m.state = StateInstalling
	m.mu.Unlock()

	fields := logging.LifecycleFields("lifecycle_install", m.Version(), string(StateInstalling))
	staticName := m.opts.Naming.Name(cache.TierStatic)
	existed, err := m.opts.Registry.Has(ctx, staticName)
	keep := existed
	if err != nil {
		keep = true
		m.logger.WithFields(logging.StoreFields("has", staticName, "")).WithError(err).Warn("检查静态缓存失败")
	}
	fallback := m.lastKnownGood(ctx, existed)
	m.mu.Lock()
	m.fallback = fallback
	m.mu.Unlock()
	if fallback != nil {
		fields["serving"] = fallback.Version
	}
	m.logger.WithFields(fields).WithField("static_assets", len(m.opts.StaticAssets)).Info("开始安装")

	if err := m.precacheStatic(ctx); err != nil {
		// 只清理本次安装新建的 store，上一次运行留下的同版本缓存保持不动。
		if !keep {
			if _, delErr := m.opts.Registry.Delete(context.WithoutCancel(ctx), staticName); delErr != nil {
				m.logger.WithFields(logging.StoreFields("delete", staticName, "")).WithError(delErr).Error("清理未完成的静态缓存失败")
			}
		}
		m.setState(StateRedundant)
		failed := logging.LifecycleFields("lifecycle_install", m.Version(), string(StateRedundant))
		if fallback != nil {
			failed["serving"] = fallback.Version
		}
		m.logger.WithFields(failed).WithError(err).Error("安装失败")
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	m.precacheExternal(ctx)

	m.mu.Lock()
	m.state = StateWaiting
	skip := m.skipRequested
	m.mu.Unlock()
	m.logger.WithFields(logging.LifecycleFields("lifecycle_install", m.Version(), string(StateWaiting))).Info("安装完成")

	if skip {
		return m.Activate(ctx)
	}
	return nil
}

// lastKnownGood 找出安装未完成时可继续服务的缓存：
// 同版本静态缓存已存在时沿用它，否则取同前缀下版本号最大的旧版本。
func (m *Manager) lastKnownGood(ctx context.Context, currentExists bool) *cache.Naming {
	if currentExists {
		naming := m.opts.Naming
		return &naming
	}
	names, err := m.opts.Registry.Names(ctx)
	if err != nil {
		m.logger.WithFields(logging.LifecycleFields("lifecycle_install", m.Version(), string(StateInstalling))).
			WithError(err).Warn("列出旧版本缓存失败")
		return nil
	}
	var best string
	for _, name := range names {
		prefix, version, tier, ok := cache.ParseStoreName(name)
		if !ok || tier != cache.TierStatic || prefix != m.opts.Naming.Prefix || version == m.opts.Naming.Version {
			continue
		}
		if version > best {
			best = version
		}
	}
	if best == "" {
		return nil
	}
	return &cache.Naming{Prefix: m.opts.Naming.Prefix, Version: best}
}

// Activate 只允许从 Waiting 进入；删除所有非当前版本的 store 后切换为 Active。
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	fallback := m.fallback
	switch m.state {
	case StateActive:
		m.mu.Unlock()
		return nil
	case StateWaiting:
		m.state = StateActivating
		// 旧版本 store 即将被删除，激活期间请求透传。
		m.fallback = nil
		m.mu.Unlock()
	default:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, state)
	}

	stale, err := m.staleStores(ctx)
	if err == nil {
		for _, name := range stale {
			if _, err = m.opts.Registry.Delete(ctx, name); err != nil {
				err = fmt.Errorf("delete store %s: %w", name, err)
				break
			}
			m.logger.WithFields(logging.StoreFields("evict", name, "")).Info("已删除过期缓存")
		}
	}
	if err != nil {
		m.mu.Lock()
		m.state = StateWaiting
		m.fallback = fallback
		m.mu.Unlock()
		m.logger.WithFields(logging.LifecycleFields("lifecycle_activate", m.Version(), string(StateWaiting))).
			WithError(err).Error("激活失败")
		return err
	}

	m.setState(StateActive)
	m.logger.WithFields(logging.LifecycleFields("lifecycle_activate", m.Version(), string(StateActive))).
		WithField("evicted", len(stale)).
		Info("已激活")
	return nil
}

// SkipWaiting 由 ActivateNow 触发，可重复调用。
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	if state == StateInstalling || state == StateParsed {
		m.skipRequested = true
	}
	m.mu.Unlock()

	switch state {
	case StateWaiting:
		return m.Activate(ctx)
	case StateRedundant:
		return fmt.Errorf("%w: nothing installed to activate", ErrInvalidState)
	}
	return nil
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// staleStores 以完整名称比较找出不属于当前版本的 store。
func (m *Manager) staleStores(ctx context.Context) ([]string, error) {
	names, err := m.opts.Registry.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	var stale []string
	for _, name := range names {
		if !m.opts.Naming.IsCurrent(name) {
			stale = append(stale, name)
		}
	}
	return stale, nil
}

func (m *Manager) precacheStatic(ctx context.Context) error {
	targets := make([]*url.URL, len(m.opts.StaticAssets))
	for i, asset := range m.opts.StaticAssets {
		targets[i] = policy.ResolvePath(m.opts.Base, asset)
	}

	entries := make([]*cache.Entry, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.opts.Concurrency)
	for i, target := range targets {
		group.Go(func() error {
			entry, err := m.fetch(groupCtx, target)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", target, err)
			}
			if !entry.Cacheable() {
				return fmt.Errorf("fetch %s: unexpected status %d", target, entry.Status)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	store, err := m.opts.Registry.Open(ctx, m.opts.Naming.Name(cache.TierStatic))
	if err != nil {
		return fmt.Errorf("open static store: %w", err)
	}
	for _, entry := range entries {
		if err := store.Put(ctx, entry); err != nil {
			return fmt.Errorf("write %s: %w", entry.Key, err)
		}
	}
	return nil
}

// precacheExternal 尽力缓存外部资源，失败只记录日志。
func (m *Manager) precacheExternal(ctx context.Context) {
	if len(m.opts.ExternalResources) == 0 {
		return
	}
	name := m.opts.Naming.Name(cache.TierDynamic)
	store, err := m.opts.Registry.Open(ctx, name)
	if err != nil {
		m.logger.WithFields(logging.StoreFields("open", name, "")).WithError(err).Warn("打开动态缓存失败")
		return
	}

	var group errgroup.Group
	group.SetLimit(m.opts.Concurrency)
	for _, raw := range m.opts.ExternalResources {
		group.Go(func() error {
			target, err := url.Parse(raw)
			if err == nil {
				var entry *cache.Entry
				if entry, err = m.fetch(ctx, target); err == nil {
					if !entry.Cacheable() {
						err = fmt.Errorf("unexpected status %d", entry.Status)
					} else {
						err = store.Put(ctx, entry)
					}
				}
			}
			if err != nil {
				m.logger.WithFields(logging.StoreFields("precache_external", name, raw)).WithError(err).Warn("外部资源预缓存失败")
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (m *Manager) fetch(ctx context.Context, target *url.URL) (*cache.Entry, error) {
	entry, err := m.opts.Fetcher.Fetch(ctx, policy.Request{
		Classified: classify.Result{URL: target, Method: http.MethodGet, Category: classify.StaticAsset},
		URL:        target,
		Header:     http.Header{},
		DisplayURL: target.String(),
	})
	if err != nil {
		return nil, err
	}
	entry.Key = cache.RequestKey(http.MethodGet, target)
	return entry, nil
}
