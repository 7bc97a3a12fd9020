package cache

import (
	"fmt"
	"strings"
)

// Tier 描述 store 的用途分区。
type Tier string

const (
	TierStatic         Tier = "static"
	TierDynamic        Tier = "dynamic"
	TierImage          Tier = "image"
	TierAnalyticsQueue Tier = "analytics-queue"
)

// Tiers 返回全部已声明的分区。image 与 analytics-queue 为保留分区：
// 参与命名与淘汰判断，但请求路由不会读写它们。
func Tiers() []Tier {
	return []Tier{TierStatic, TierDynamic, TierImage, TierAnalyticsQueue}
}

// StoreName 生成 "<prefix>-v<version>-<tier>" 形式的 store 名称。
func StoreName(prefix, version string, tier Tier) string {
	return fmt.Sprintf("%s-v%s-%s", prefix, version, tier)
}

// Naming 绑定应用前缀与当前版本令牌，是一次部署内全部 store 名称的来源。
type Naming struct {
	Prefix  string
	Version string
}

// Name 返回当前版本下指定分区的 store 名称。
func (n Naming) Name(tier Tier) string {
	return StoreName(n.Prefix, n.Version, tier)
}

// Current 返回当前版本下全部分区的 store 名称集合。
func (n Naming) Current() map[string]Tier {
	names := make(map[string]Tier, len(Tiers()))
	for _, tier := range Tiers() {
		names[n.Name(tier)] = tier
	}
	return names
}

// IsCurrent 以完整字符串比较判断 name 是否属于当前版本，
// 因此上一版本中被重命名的分区同样会被判定为过期。
func (n Naming) IsCurrent(name string) bool {
	_, ok := n.Current()[name]
	return ok
}

// ParseStoreName 尽力从 store 名称中拆出前缀、版本与分区，仅用于诊断输出。
func ParseStoreName(name string) (prefix, version string, tier Tier, ok bool) {
	for _, candidate := range Tiers() {
		suffix := "-" + string(candidate)
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		head := strings.TrimSuffix(name, suffix)
		idx := strings.LastIndex(head, "-v")
		if idx <= 0 || idx+2 >= len(head) {
			return "", "", "", false
		}
		return head[:idx], head[idx+2:], candidate, true
	}
	return "", "", "", false
}
