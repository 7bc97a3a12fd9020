package classify

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Options 是宿主提供的分类配置。
type Options struct {
	// OriginHost 是同源判断使用的 host（可带端口），通常取自上游 URL。
	OriginHost              string
	ContentDocumentPatterns []string
	StaticSuffixes          []string
	StaticPrefixes          []string
	// ExternalAllowList 中的每一项按子串匹配请求 host。
	ExternalAllowList []string
}

// Request 是分类所需的最小请求视图。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// Result 即 Classified Request：每个请求临时计算，从不持久化。
type Result struct {
	URL          *url.URL
	Method       string
	Category     Category
	IsNavigation bool
	// DocumentID 是内容文档正则首个捕获组，例如 unit-7.html 中的 "7"。
	DocumentID string
}

// Classifier 持有预编译的规则，可被并发请求共享。
type Classifier struct {
	originHost string
	patterns   []*regexp.Regexp
	suffixes   []string
	prefixes   []string
	allowList  []string
}

// New 编译分类规则。正则非法时返回错误，配置校验阶段应已拦截。
func New(opts Options) (*Classifier, error) {
	c := &Classifier{
		originHost: strings.ToLower(strings.TrimSpace(opts.OriginHost)),
	}
	for _, pattern := range opts.ContentDocumentPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		c.patterns = append(c.patterns, re)
	}
	for _, suffix := range opts.StaticSuffixes {
		if s := strings.ToLower(strings.TrimSpace(suffix)); s != "" {
			c.suffixes = append(c.suffixes, s)
		}
	}
	for _, prefix := range opts.StaticPrefixes {
		if p := strings.TrimSpace(prefix); p != "" {
			c.prefixes = append(c.prefixes, p)
		}
	}
	for _, entry := range opts.ExternalAllowList {
		if e := strings.ToLower(strings.TrimSpace(entry)); e != "" {
			c.allowList = append(c.allowList, e)
		}
	}
	return c, nil
}

// Classify 按固定顺序匹配，首个命中的规则生效。
func (c *Classifier) Classify(req Request) Result {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	result := Result{
		URL:          req.URL,
		Method:       method,
		IsNavigation: IsNavigation(req.Header),
	}

	if method != http.MethodGet {
		result.Category = Ignored
		return result
	}
	if req.URL == nil {
		result.Category = DynamicOther
		return result
	}

	crossOrigin := !c.sameOrigin(req.URL)
	allowed := crossOrigin && c.allowListed(req.URL)
	if crossOrigin && !allowed {
		result.Category = Ignored
		return result
	}

	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	if c.isStaticAsset(path) {
		result.Category = StaticAsset
		return result
	}
	if id, ok := c.matchContentDocument(path); ok {
		result.Category = ContentDocument
		result.DocumentID = id
		return result
	}
	if result.IsNavigation {
		result.Category = NavigationDocument
		return result
	}
	if allowed {
		result.Category = AllowedExternal
		return result
	}
	result.Category = DynamicOther
	return result
}

func (c *Classifier) sameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Host, c.originHost)
}

func (c *Classifier) allowListed(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, entry := range c.allowList {
		if strings.Contains(host, entry) {
			return true
		}
	}
	return false
}

func (c *Classifier) isStaticAsset(path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range c.suffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (c *Classifier) matchContentDocument(path string) (string, bool) {
	for _, re := range c.patterns {
		match := re.FindStringSubmatch(path)
		if match == nil {
			continue
		}
		if len(match) > 1 {
			return match[1], true
		}
		return "", true
	}
	return "", false
}

// IsNavigation 判断请求是否声明了文档导航意图。
func IsNavigation(header http.Header) bool {
	if header == nil {
		return false
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	for _, accept := range header.Values("Accept") {
		if strings.Contains(strings.ToLower(accept), "text/html") {
			return true
		}
	}
	return false
}
