package server

import (
	"github.com/any-hub/offline-hub/internal/classify"
	"github.com/any-hub/offline-hub/internal/config"
)

// NewClassifier 以上游 host 作为同源判定依据构建请求分类器。
func NewClassifier(cfg *config.Config, origin *OriginRoute) (*classify.Classifier, error) {
	return classify.New(classify.Options{
		OriginHost:              origin.UpstreamURL.Host,
		ContentDocumentPatterns: cfg.Classification.ContentDocumentPatterns,
		StaticSuffixes:          cfg.Classification.StaticSuffixes,
		StaticPrefixes:          cfg.Classification.StaticPrefixes,
		ExternalAllowList:       cfg.Classification.ExternalAllowList,
	})
}
