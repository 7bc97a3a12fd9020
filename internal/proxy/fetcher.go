package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/policy"
	"github.com/any-hub/offline-hub/internal/server"
)

// UpstreamFetcher 通过共享 http.Client 抓取完整响应并转换为缓存快照。
// 非 2xx 响应同样返回，只有传输层错误才会返回 error。
type UpstreamFetcher struct {
	client *http.Client
}

var _ policy.Fetcher = (*UpstreamFetcher)(nil)

// NewUpstreamFetcher 使用 server.NewUpstreamClient 构造的 client。
func NewUpstreamFetcher(client *http.Client) *UpstreamFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &UpstreamFetcher{client: client}
}

func (f *UpstreamFetcher) Fetch(ctx context.Context, req policy.Request) (*cache.Entry, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("fetch: missing url")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	method := req.Classified.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		server.CopyHeaders(upstreamReq.Header, req.Header)
	}
	// 交给 Transport 处理压缩，缓存中保存解压后的正文。
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Header.Del("Content-Length")
	upstreamReq.Header.Del("Host")
	upstreamReq.Host = req.URL.Host

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &cache.Entry{
		Key:        cache.RequestKey(method, req.URL),
		Status:     resp.StatusCode,
		Header:     header,
		Body:       payload,
		CapturedAt: time.Now().UTC(),
	}, nil
}
