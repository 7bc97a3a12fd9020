package policy

import (
	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/classify"
)

// Strategy 描述一类请求的读写顺序。
type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache_first"
	StrategyStaleWhileRevalidate Strategy = "stale_while_revalidate"
	StrategyNetworkFirst         Strategy = "network_first"
	StrategyPassThrough          Strategy = "pass_through"
)

// Fallback 描述缓存与网络都失败时的处理方式。
type Fallback string

const (
	FallbackGenericPage    Fallback = "generic_page"
	FallbackDocumentPage   Fallback = "content_document_page"
	FallbackNotFoundPage   Fallback = "not_found_page"
	FallbackPropagateError Fallback = "propagate_error"
)

// Profile 是单个分类的缓存策略。Tier 为空表示不读写任何 store。
type Profile struct {
	Category classify.Category `json:"category"`
	Strategy Strategy          `json:"strategy"`
	Tier     cache.Tier        `json:"tier,omitempty"`
	Fallback Fallback          `json:"fallback"`
}

// 分类 → 策略表在进程生命周期内不可变。
var profiles = map[classify.Category]Profile{
	classify.StaticAsset: {
		Category: classify.StaticAsset,
		Strategy: StrategyStaleWhileRevalidate,
		Tier:     cache.TierStatic,
		Fallback: FallbackGenericPage,
	},
	classify.ContentDocument: {
		Category: classify.ContentDocument,
		Strategy: StrategyCacheFirst,
		Tier:     cache.TierDynamic,
		Fallback: FallbackDocumentPage,
	},
	classify.NavigationDocument: {
		Category: classify.NavigationDocument,
		Strategy: StrategyNetworkFirst,
		Tier:     cache.TierStatic,
		Fallback: FallbackNotFoundPage,
	},
	classify.AllowedExternal: {
		Category: classify.AllowedExternal,
		Strategy: StrategyCacheFirst,
		Tier:     cache.TierDynamic,
		Fallback: FallbackPropagateError,
	},
	classify.DynamicOther: {
		Category: classify.DynamicOther,
		Strategy: StrategyNetworkFirst,
		Tier:     cache.TierDynamic,
		Fallback: FallbackGenericPage,
	},
	classify.Ignored: {
		Category: classify.Ignored,
		Strategy: StrategyPassThrough,
		Fallback: FallbackPropagateError,
	},
}

// Lookup 返回分类对应的策略；未知分类按 Ignored 处理。
func Lookup(category classify.Category) Profile {
	if profile, ok := profiles[category]; ok {
		return profile
	}
	return profiles[classify.Ignored]
}

// Profiles 按分类声明顺序返回完整策略表，供诊断接口输出。
func Profiles() []Profile {
	categories := classify.Categories()
	result := make([]Profile, 0, len(categories))
	for _, category := range categories {
		result = append(result, Lookup(category))
	}
	return result
}
