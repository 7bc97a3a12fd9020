package classify

import (
	"net/http"
	"net/url"
	"testing"
)

func TestClassifyOrder(t *testing.T) {
	c := newTestClassifier(t)
	html := http.Header{"Accept": []string{"text/html,application/xhtml+xml"}}
	navigate := http.Header{"Sec-Fetch-Mode": []string{"navigate"}}

	testCases := []struct {
		name     string
		method   string
		rawURL   string
		header   http.Header
		category Category
		docID    string
	}{
		{"post ignored", http.MethodPost, "https://app.example.com/api/progress", nil, Ignored, ""},
		{"head ignored", http.MethodHead, "https://app.example.com/app.css", nil, Ignored, ""},
		{"foreign origin ignored", http.MethodGet, "https://tracker.example.org/pixel.gif", nil, Ignored, ""},
		{"stylesheet", http.MethodGet, "https://app.example.com/app.css", nil, StaticAsset, ""},
		{"uppercase suffix", http.MethodGet, "https://app.example.com/LOGO.PNG", nil, StaticAsset, ""},
		{"assets prefix", http.MethodGet, "https://app.example.com/assets/data.bin", nil, StaticAsset, ""},
		{"static beats navigation", http.MethodGet, "https://app.example.com/app.js", html, StaticAsset, ""},
		{"content document", http.MethodGet, "https://app.example.com/units/unit-7.html", nil, ContentDocument, "7"},
		{"content document navigation", http.MethodGet, "https://app.example.com/units/unit-12.html", navigate, ContentDocument, "12"},
		{"navigation by accept", http.MethodGet, "https://app.example.com/about", html, NavigationDocument, ""},
		{"navigation by mode", http.MethodGet, "https://app.example.com/", navigate, NavigationDocument, ""},
		{"allowed external script", http.MethodGet, "https://cdn.example.net/lib/katex.js", nil, StaticAsset, ""},
		{"allowed external api", http.MethodGet, "https://cdn.example.net/fonts?family=Inter", nil, AllowedExternal, ""},
		{"allowed subdomain substring", http.MethodGet, "https://eu.cdn.example.net/data", nil, AllowedExternal, ""},
		{"dynamic json", http.MethodGet, "https://app.example.com/api/progress", nil, DynamicOther, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := c.Classify(Request{Method: tc.method, URL: mustParse(t, tc.rawURL), Header: tc.header})
			if result.Category != tc.category {
				t.Fatalf("expected %s, got %s", tc.category, result.Category)
			}
			if result.DocumentID != tc.docID {
				t.Fatalf("expected document id %q, got %q", tc.docID, result.DocumentID)
			}
		})
	}
}

func TestClassifyIsTotal(t *testing.T) {
	c := newTestClassifier(t)
	valid := map[Category]bool{}
	for _, cat := range Categories() {
		valid[cat] = true
	}

	methods := []string{"", "get", http.MethodGet, http.MethodPut, http.MethodDelete, "BREW"}
	urls := []*url.URL{nil, {}, {Path: "/relative.css"}, mustParse(t, "https://app.example.com"), mustParse(t, "http://[::1]:8080/x")}
	headers := []http.Header{nil, {}, {"Accept": []string{"*/*"}}}

	for _, method := range methods {
		for _, u := range urls {
			for _, header := range headers {
				result := c.Classify(Request{Method: method, URL: u, Header: header})
				if !valid[result.Category] {
					t.Fatalf("classifier returned unknown category %q for %s %v", result.Category, method, u)
				}
			}
		}
	}
}

func TestClassifyRelativeURLIsSameOrigin(t *testing.T) {
	c := newTestClassifier(t)
	result := c.Classify(Request{Method: http.MethodGet, URL: &url.URL{Path: "/units/unit-3.html"}})
	if result.Category != ContentDocument || result.DocumentID != "3" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	if _, err := New(Options{ContentDocumentPatterns: []string{"("}}); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestIsNavigation(t *testing.T) {
	if IsNavigation(nil) {
		t.Fatalf("nil header is not navigation")
	}
	if !IsNavigation(http.Header{"Sec-Fetch-Dest": []string{"document"}}) {
		t.Fatalf("document destination is navigation")
	}
	if IsNavigation(http.Header{"Accept": []string{"application/json"}}) {
		t.Fatalf("json accept is not navigation")
	}
}

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(Options{
		OriginHost:              "app.example.com",
		ContentDocumentPatterns: []string{`^/units/unit-(\d+)\.html$`},
		StaticSuffixes:          []string{".css", ".js", ".png", ".gif"},
		StaticPrefixes:          []string{"/assets/"},
		ExternalAllowList:       []string{"cdn.example.net"},
	})
	if err != nil {
		t.Fatalf("classifier error: %v", err)
	}
	return c
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u
}
