// Package classify 把每个被拦截的请求映射到六个类别之一，决定后续缓存策略。
// 分类器是纯函数：无副作用、不会失败，最后一条规则兜底为 DynamicOther。
package classify

// Category 是请求分类结果。
type Category string

const (
	Ignored            Category = "ignored"
	StaticAsset        Category = "static_asset"
	ContentDocument    Category = "content_document"
	NavigationDocument Category = "navigation_document"
	AllowedExternal    Category = "allowed_external"
	DynamicOther       Category = "dynamic_other"
)

// Categories 按分类顺序列出全部类别。
func Categories() []Category {
	return []Category{Ignored, StaticAsset, ContentDocument, NavigationDocument, AllowedExternal, DynamicOther}
}
