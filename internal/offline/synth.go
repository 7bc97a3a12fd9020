// Package offline 在缓存与网络都无法满足请求时合成兜底 HTML 页面。
// 输出只依赖输入参数，从不写入缓存。
package offline

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Kind 区分兜底页面的变体。
type Kind string

const (
	KindGeneric         Kind = "generic"
	KindContentDocument Kind = "content_document"
)

// Params 是合成页面所需的全部输入。
type Params struct {
	// RequestURL 用作“重试”链接，指回失败的地址。
	RequestURL string
	// DocumentID 是从内容文档 URL 解析出的标识。
	DocumentID string
	// DocumentLabel 与 DocumentID 拼成 "Unit 7" 之类的标题。
	DocumentLabel string
	ListingPage   string
	RootPage      string
}

type pageData struct {
	Title       string
	Message     string
	RetryURL    string
	LinkURL     string
	LinkText    string
	Unavailable string
}

var pageTemplate = template.Must(template.New("offline").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:36rem;margin:4rem auto;padding:0 1rem;color:#222}
h1{font-size:1.5rem}
a.button{display:inline-block;margin-right:1rem;padding:.5rem 1rem;border:1px solid #888;border-radius:4px;text-decoration:none;color:inherit}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{- if .Unavailable}}
<p><strong>{{.Unavailable}}</strong> could not be loaded.</p>
{{- end}}
<p>
{{- if .RetryURL}}<a class="button" href="{{.RetryURL}}">Retry</a>{{end}}
<a class="button" href="{{.LinkURL}}">{{.LinkText}}</a>
</p>
</body>
</html>
`))

// Synthesize 生成状态码 200、Content-Type 为 text/html 的兜底响应。
func Synthesize(kind Kind, params Params) *cache.Entry {
	data := buildPageData(kind, params)

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		// 兜底页必须始终可渲染。
		buf.Reset()
		buf.WriteString("<!DOCTYPE html><html><body><h1>Offline</h1><p>This page is unavailable offline.</p><a href=\"/\">Home</a></body></html>")
	}

	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")

	return &cache.Entry{
		Status:     http.StatusOK,
		Header:     header,
		Body:       buf.Bytes(),
		CapturedAt: time.Time{},
	}
}

func buildPageData(kind Kind, params Params) pageData {
	root := firstNonEmpty(params.RootPage, "/")
	if kind == KindContentDocument {
		label := firstNonEmpty(strings.TrimSpace(params.DocumentLabel), "Document")
		name := label
		if id := strings.TrimSpace(params.DocumentID); id != "" {
			name = label + " " + id
		}
		return pageData{
			Title:       name + " is unavailable offline",
			Message:     "You are offline and this content has not been saved on this device yet.",
			Unavailable: name,
			RetryURL:    params.RequestURL,
			LinkURL:     firstNonEmpty(params.ListingPage, root),
			LinkText:    "Back to all " + strings.ToLower(label) + "s",
		}
	}
	return pageData{
		Title:    "You are offline",
		Message:  "This content is unavailable offline. Check your connection and try again.",
		RetryURL: params.RequestURL,
		LinkURL:  root,
		LinkText: "Go to the home page",
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
