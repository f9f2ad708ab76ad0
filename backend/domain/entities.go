package domain

import (
	"strings"
	"time"
)

// NodeKind 节点协议类型
type NodeKind string

const (
	KindHysteria2   NodeKind = "hysteria2"
	KindAnyTLS      NodeKind = "anytls"
	KindShadowsocks NodeKind = "shadowsocks"
)

// NormalizeKind 归一化协议名（去空白、转小写，兼容 "ss" 别名）
func NormalizeKind(raw string) NodeKind {
	kind := strings.ToLower(strings.TrimSpace(raw))
	if kind == "ss" {
		kind = string(KindShadowsocks)
	}
	return NodeKind(kind)
}

// IsKnownKind 检查协议是否受支持
func IsKnownKind(kind NodeKind) bool {
	switch kind {
	case KindHysteria2, KindAnyTLS, KindShadowsocks:
		return true
	default:
		return false
	}
}

// Node 一条代理节点描述（订阅解析或用户手动录入），构造后不可变。
// InsecureTLS 为 nil 表示“未显式指定”，由翻译层按协议补默认值。
type Node struct {
	ID          string   `json:"id,omitempty" yaml:"-"`
	Kind        NodeKind `json:"kind" yaml:"kind"`
	Name        string   `json:"name" yaml:"name"`
	Server      string   `json:"server" yaml:"server"`
	Port        uint16   `json:"port" yaml:"port"`
	Password    string   `json:"password" yaml:"password"`
	SNI         string   `json:"sni,omitempty" yaml:"sni,omitempty"`
	Cipher      string   `json:"cipher,omitempty" yaml:"cipher,omitempty"`
	InsecureTLS *bool    `json:"insecureTls,omitempty" yaml:"insecure-tls,omitempty"`
}

// SubscriptionStatus 单条订阅最近一次抓取的结果
type SubscriptionStatus struct {
	URL       string    `json:"url"`
	Success   bool      `json:"success"`
	NodeCount int       `json:"nodeCount"`
	Error     string    `json:"error,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Subscription 订阅条目（列表 API 返回；ID 稳定派生自 URL）
type Subscription struct {
	ID         string              `json:"id"`
	URL        string              `json:"url"`
	LastStatus *SubscriptionStatus `json:"lastStatus,omitempty"`
}

// LastSelection 用户最近一次在代理组里选中的成员
type LastSelection struct {
	Group string `json:"group"`
	Name  string `json:"name"`
}
