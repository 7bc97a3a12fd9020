package policy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/classify"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	status  int
	body    string
	err     error
	gate    chan struct{}
	fetched []string
}

func (f *stubFetcher) Fetch(ctx context.Context, req Request) (*cache.Entry, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.fetched = append(f.fetched, req.URL.String())
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &cache.Entry{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(f.body),
	}, nil
}

func (f *stubFetcher) set(status int, body string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.body = body
	f.err = err
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var naming = cache.Naming{Prefix: "app", Version: "2"}

func newTestEngine(t *testing.T, fetcher Fetcher) (*Engine, cache.Registry) {
	t.Helper()
	registry, err := cache.NewFileRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	base, _ := url.Parse("https://app.example.com")
	engine, err := NewEngine(Options{
		Registry: registry,
		Naming:   naming,
		Fetcher:  fetcher,
		Logger:   logger,
		Pages: Pages{
			Base:          base,
			RootPage:      "/",
			ListingPage:   "/units/",
			NotFoundPage:  "/404.html",
			DocumentLabel: "Unit",
		},
	})
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	return engine, registry
}

func newRequest(t *testing.T, raw string, category classify.Category) Request {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	result := classify.Result{URL: u, Method: http.MethodGet, Category: category}
	if category == classify.ContentDocument {
		result.DocumentID = "7"
	}
	return Request{Classified: result, URL: u, Header: http.Header{}}
}

func seed(t *testing.T, registry cache.Registry, tier cache.Tier, raw, body string) {
	t.Helper()
	u, _ := url.Parse(raw)
	store, err := registry.Open(context.Background(), naming.Name(tier))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	err = store.Put(context.Background(), &cache.Entry{
		Key:    cache.RequestKey(http.MethodGet, u),
		Status: http.StatusOK,
		Header: http.Header{},
		Body:   []byte(body),
	})
	if err != nil {
		t.Fatalf("seed put: %v", err)
	}
}

func cached(t *testing.T, registry cache.Registry, tier cache.Tier, raw string) *cache.Entry {
	t.Helper()
	u, _ := url.Parse(raw)
	store, err := registry.Open(context.Background(), naming.Name(tier))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	entry, err := store.Get(context.Background(), cache.RequestKey(http.MethodGet, u))
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return entry
}

func TestCacheFirstRoundTrip(t *testing.T) {
	fetcher := &stubFetcher{body: "unit seven"}
	engine, registry := newTestEngine(t, fetcher)
	req := newRequest(t, "https://app.example.com/units/unit-7.html", classify.ContentDocument)

	first, err := engine.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if first.Source != SourceNetwork {
		t.Fatalf("expected network on miss, got %s", first.Source)
	}
	if cached(t, registry, cache.TierDynamic, req.URL.String()) == nil {
		t.Fatalf("expected dynamic store to hold the response")
	}

	fetcher.set(0, "", errors.New("offline"))
	second, err := engine.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if second.Source != SourceCache || string(second.Entry.Body) != "unit seven" {
		t.Fatalf("expected cached body, got %s %q", second.Source, second.Entry.Body)
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("cache hit must not touch the network, calls=%d", fetcher.callCount())
	}
}

func TestCacheFirstSkipsUnsuccessfulResponses(t *testing.T) {
	fetcher := &stubFetcher{status: http.StatusPartialContent, body: "part"}
	engine, registry := newTestEngine(t, fetcher)
	req := newRequest(t, "https://cdn.example.net/lib.js", classify.AllowedExternal)

	resp, err := engine.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Entry.Status != http.StatusPartialContent {
		t.Fatalf("expected upstream status passthrough, got %d", resp.Entry.Status)
	}
	if cached(t, registry, cache.TierDynamic, req.URL.String()) != nil {
		t.Fatalf("206 responses must not be cached")
	}
}

func TestStaleWhileRevalidateServesCacheThenRefreshes(t *testing.T) {
	fetcher := &stubFetcher{body: "v2"}
	engine, registry := newTestEngine(t, fetcher)
	raw := "https://app.example.com/app.css"
	seed(t, registry, cache.TierStatic, raw, "v1")

	resp, err := engine.Handle(context.Background(), newRequest(t, raw, classify.StaticAsset))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Source != SourceCache || string(resp.Entry.Body) != "v1" {
		t.Fatalf("expected stale body first, got %s %q", resp.Source, resp.Entry.Body)
	}

	engine.Wait()
	if got := cached(t, registry, cache.TierStatic, raw); got == nil || string(got.Body) != "v2" {
		t.Fatalf("expected background refresh to overwrite entry")
	}
}

func TestStaleWhileRevalidateIgnoresFailedRefresh(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("offline")}
	engine, registry := newTestEngine(t, fetcher)
	raw := "https://app.example.com/app.js"
	seed(t, registry, cache.TierStatic, raw, "v1")

	resp, err := engine.Handle(context.Background(), newRequest(t, raw, classify.StaticAsset))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	engine.Wait()
	if resp.Source != SourceCache {
		t.Fatalf("expected cache source, got %s", resp.Source)
	}
	if got := cached(t, registry, cache.TierStatic, raw); got == nil || string(got.Body) != "v1" {
		t.Fatalf("failed refresh must keep existing entry")
	}
}

func TestRevalidateOutlivesRequestContext(t *testing.T) {
	fetcher := &stubFetcher{body: "fresh", gate: make(chan struct{})}
	engine, registry := newTestEngine(t, fetcher)
	raw := "https://app.example.com/logo.svg"
	seed(t, registry, cache.TierStatic, raw, "old")

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := engine.Handle(ctx, newRequest(t, raw, classify.StaticAsset)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	cancel()
	close(fetcher.gate)
	engine.Wait()

	if got := cached(t, registry, cache.TierStatic, raw); got == nil || string(got.Body) != "fresh" {
		t.Fatalf("refresh should complete after the request finished")
	}
}

func TestNetworkFirstWritesAndFallsBack(t *testing.T) {
	fetcher := &stubFetcher{body: "live"}
	engine, registry := newTestEngine(t, fetcher)
	req := newRequest(t, "https://app.example.com/api/progress", classify.DynamicOther)

	resp, err := engine.Handle(context.Background(), req)
	if err != nil || resp.Source != SourceNetwork {
		t.Fatalf("expected network response, got %v %v", resp, err)
	}
	if cached(t, registry, cache.TierDynamic, req.URL.String()) == nil {
		t.Fatalf("expected network-first to store successful response")
	}

	fetcher.set(0, "", errors.New("offline"))
	resp, err = engine.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Source != SourceCache || string(resp.Entry.Body) != "live" {
		t.Fatalf("expected cached fallback, got %s %q", resp.Source, resp.Entry.Body)
	}
}

func TestNetworkFirstSoftFailure(t *testing.T) {
	fetcher := &stubFetcher{status: http.StatusServiceUnavailable, body: "maintenance"}
	engine, registry := newTestEngine(t, fetcher)
	raw := "https://app.example.com/api/state"
	req := newRequest(t, raw, classify.DynamicOther)

	resp, err := engine.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Source != SourceNetwork || resp.Entry.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected upstream response unchanged on cache miss, got %s %d", resp.Source, resp.Entry.Status)
	}

	seed(t, registry, cache.TierDynamic, raw, "saved")
	resp, err = engine.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Source != SourceCache || string(resp.Entry.Body) != "saved" {
		t.Fatalf("expected cached entry for non-success answer, got %s", resp.Source)
	}
}

func TestOfflineFallbackAlwaysResolves(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("offline")}
	engine, _ := newTestEngine(t, fetcher)

	cases := []struct {
		name     string
		raw      string
		category classify.Category
		contains string
	}{
		{"static asset", "https://app.example.com/missing.css", classify.StaticAsset, "You are offline"},
		{"content document", "https://app.example.com/units/unit-7.html", classify.ContentDocument, "Unit 7"},
		{"navigation", "https://app.example.com/about", classify.NavigationDocument, "You are offline"},
		{"dynamic", "https://app.example.com/api/x", classify.DynamicOther, "You are offline"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := engine.Handle(context.Background(), newRequest(t, tc.raw, tc.category))
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if resp.Source != SourceOffline || resp.Entry.Status != http.StatusOK {
				t.Fatalf("expected offline 200, got %s %d", resp.Source, resp.Entry.Status)
			}
			if !strings.Contains(string(resp.Entry.Body), tc.contains) {
				t.Fatalf("body missing %q: %s", tc.contains, resp.Entry.Body)
			}
		})
	}
}

func TestNavigationFallsBackToNotFoundDocument(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("offline")}
	engine, registry := newTestEngine(t, fetcher)
	seed(t, registry, cache.TierStatic, "https://app.example.com/404.html", "custom not found")

	resp, err := engine.Handle(context.Background(), newRequest(t, "https://app.example.com/nowhere", classify.NavigationDocument))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if string(resp.Entry.Body) != "custom not found" {
		t.Fatalf("expected pre-cached not-found document, got %q", resp.Entry.Body)
	}
}

func TestPropagatingCategoriesReturnUpstreamError(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("dial tcp: refused")}
	engine, _ := newTestEngine(t, fetcher)

	for _, category := range []classify.Category{classify.AllowedExternal, classify.Ignored} {
		_, err := engine.Handle(context.Background(), newRequest(t, "https://cdn.example.net/x.json", category))
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("%s: expected ErrUpstreamUnavailable, got %v", category, err)
		}
	}
}

func TestPassThroughNeverWrites(t *testing.T) {
	fetcher := &stubFetcher{body: "tracker"}
	engine, registry := newTestEngine(t, fetcher)
	raw := "https://tracker.example.org/pixel"

	resp, err := engine.Handle(context.Background(), newRequest(t, raw, classify.Ignored))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Source != SourceNetwork {
		t.Fatalf("expected network source, got %s", resp.Source)
	}
	names, err := registry.Names(context.Background())
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("pass-through must not create stores, got %v", names)
	}
}

func TestCacheMissDoesNotCreateStores(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("offline")}
	engine, registry := newTestEngine(t, fetcher)

	for _, req := range []Request{
		newRequest(t, "https://app.example.com/units/unit-7.html", classify.ContentDocument),
		newRequest(t, "https://app.example.com/app.css", classify.StaticAsset),
		newRequest(t, "https://app.example.com/about", classify.NavigationDocument),
	} {
		if _, err := engine.Handle(context.Background(), req); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	names, err := registry.Names(context.Background())
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("offline misses must not create stores, got %v", names)
	}
}

type fixedSelector struct {
	naming cache.Naming
	ok     bool
}

func (s fixedSelector) Serving() (cache.Naming, bool) { return s.naming, s.ok }

func TestSelectorChoosesServingStores(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("offline")}
	engine, registry := newTestEngine(t, fetcher)
	previous := cache.Naming{Prefix: "app", Version: "1"}
	store, err := registry.Open(context.Background(), previous.Name(cache.TierStatic))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	u, _ := url.Parse("https://app.example.com/app.css")
	if err := store.Put(context.Background(), &cache.Entry{
		Key:    cache.RequestKey(http.MethodGet, u),
		Status: http.StatusOK,
		Header: http.Header{},
		Body:   []byte("v1 css"),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	engine.selector = fixedSelector{naming: previous, ok: true}
	resp, err := engine.Handle(context.Background(), newRequest(t, u.String(), classify.StaticAsset))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	engine.Wait()
	if resp.Source != SourceCache || string(resp.Entry.Body) != "v1 css" {
		t.Fatalf("expected v1 entry from cache, got %s %q", resp.Source, resp.Entry.Body)
	}

	engine.selector = fixedSelector{}
	resp, err = engine.Handle(context.Background(), newRequest(t, u.String(), classify.StaticAsset))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Source != SourceOffline {
		t.Fatalf("without a serving version the cache must not be read, got %s", resp.Source)
	}
}

func TestProfilesCoverEveryCategory(t *testing.T) {
	profiles := Profiles()
	if len(profiles) != len(classify.Categories()) {
		t.Fatalf("expected one profile per category, got %d", len(profiles))
	}
	for _, profile := range profiles {
		if profile.Strategy == "" || profile.Fallback == "" {
			t.Fatalf("incomplete profile %+v", profile)
		}
	}
	if Lookup(classify.Ignored).Tier != "" {
		t.Fatalf("ignored requests must not be bound to a store")
	}
}

func TestResolvePath(t *testing.T) {
	base, _ := url.Parse("https://app.example.com/site/")
	got := ResolvePath(base, "/units/?page=2")
	if got.String() != "https://app.example.com/site/units/?page=2" {
		t.Fatalf("unexpected resolved url: %s", got)
	}
}
