package outbound

import (
	"strings"

	"boxpanel/backend/domain"
)

// Outbound 内核配置里的一条出站对象
type Outbound map[string]any

// Tag 返回出站对象的 tag（路由引用用的符号名）
func (o Outbound) Tag() string {
	if o == nil {
		return ""
	}
	if tag, ok := o["tag"].(string); ok {
		return tag
	}
	return ""
}

// hysteria2 带宽参数沿用参考部署的取值
const (
	hysteria2UpMbps   = 40
	hysteria2DownMbps = 350
)

// Translate 把节点描述翻译成内核出站对象。
// ok=false 表示协议不受支持，调用方应跳过该节点而不是中断整次解析。
// tag 原样使用节点名；跨来源的重名由合成层负责处理。
func Translate(node domain.Node) (Outbound, bool) {
	switch domain.NormalizeKind(string(node.Kind)) {
	case domain.KindHysteria2:
		return translateHysteria2(node), true
	case domain.KindAnyTLS:
		return translateAnyTLS(node), true
	case domain.KindShadowsocks:
		return translateShadowsocks(node), true
	default:
		return nil, false
	}
}

func translateHysteria2(node domain.Node) Outbound {
	return Outbound{
		"type":        "hysteria2",
		"tag":         node.Name,
		"server":      node.Server,
		"server_port": int(node.Port),
		"password":    node.Password,
		"up_mbps":     hysteria2UpMbps,
		"down_mbps":   hysteria2DownMbps,
		// hysteria2 在参考部署下必须跳过证书校验，显式配置也不覆盖
		"tls": tlsBlock(node.SNI, true),
	}
}

func translateAnyTLS(node domain.Node) Outbound {
	insecure := true
	if node.InsecureTLS != nil {
		insecure = *node.InsecureTLS
	}
	return Outbound{
		"type":        "anytls",
		"tag":         node.Name,
		"server":      node.Server,
		"server_port": int(node.Port),
		"password":    node.Password,
		"tls":         tlsBlock(node.SNI, insecure),
	}
}

func translateShadowsocks(node domain.Node) Outbound {
	method := strings.TrimSpace(node.Cipher)
	if method == "" {
		method = "aes-256-gcm"
	}
	return Outbound{
		"type":        "shadowsocks",
		"tag":         node.Name,
		"server":      node.Server,
		"server_port": int(node.Port),
		"method":      method,
		"password":    node.Password,
	}
}

func tlsBlock(sni string, insecure bool) map[string]any {
	block := map[string]any{
		"enabled":  true,
		"insecure": insecure,
	}
	if strings.TrimSpace(sni) != "" {
		block["server_name"] = sni
	}
	return block
}
