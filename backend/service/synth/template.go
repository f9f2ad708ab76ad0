package synth

import (
	"os"
	"path/filepath"
)

// 内核配置文档。结构只覆盖本面板需要填充的字段；
// 其余内核能力（实验特性、细粒度路由）不在这里建模。
type engineConfig struct {
	Log          logConfig       `json:"log"`
	Experimental experimental    `json:"experimental"`
	DNS          dnsConfig       `json:"dns"`
	Inbounds     []inboundConfig `json:"inbounds"`
	Outbounds    []any           `json:"outbounds"`
	Route        routeConfig     `json:"route"`
}

type logConfig struct {
	Disabled  bool   `json:"disabled"`
	Output    string `json:"output"`
	Timestamp bool   `json:"timestamp"`
	Level     string `json:"level"`
}

type experimental struct {
	ClashAPI clashAPI `json:"clash_api"`
}

type clashAPI struct {
	ExternalController string `json:"external_controller"`
	ExternalUI         string `json:"external_ui"`
}

type dnsConfig struct {
	Final            string      `json:"final"`
	Strategy         string      `json:"strategy"`
	IndependentCache bool        `json:"independent_cache"`
	Servers          []dnsServer `json:"servers"`
	Rules            []dnsRule   `json:"rules"`
}

type dnsServer struct {
	Type   string `json:"type"`
	Tag    string `json:"tag"`
	Server string `json:"server"`
	Detour string `json:"detour,omitempty"`
}

type dnsRule struct {
	RuleSet []string `json:"rule_set"`
	Action  string   `json:"action"`
	Server  string   `json:"server,omitempty"`
}

type inboundConfig struct {
	Type          string   `json:"type"`
	Tag           string   `json:"tag"`
	InterfaceName string   `json:"interface_name"`
	Address       []string `json:"address"`
	MTU           int      `json:"mtu"`
	AutoRoute     bool     `json:"auto_route"`
	StrictRoute   bool     `json:"strict_route"`
	AutoRedirect  bool     `json:"auto_redirect"`
}

type routeConfig struct {
	Final                 string      `json:"final"`
	AutoDetectInterface   bool        `json:"auto_detect_interface"`
	DefaultDomainResolver string      `json:"default_domain_resolver"`
	Rules                 []routeRule `json:"rules"`
	RuleSet               []ruleSet   `json:"rule_set,omitempty"`
}

type routeRule struct {
	Action      string   `json:"action"`
	Protocol    string   `json:"protocol,omitempty"`
	IPIsPrivate *bool    `json:"ip_is_private,omitempty"`
	RuleSet     []string `json:"rule_set,omitempty"`
	Outbound    string   `json:"outbound,omitempty"`
}

type ruleSet struct {
	Type   string `json:"type"`
	Tag    string `json:"tag"`
	Format string `json:"format"`
	Path   string `json:"path"`
}

const (
	// GroupTag 代理组（urltest 选择器）的固定 tag，路由与 clash API 都引用它
	GroupTag = "proxy"

	directTag       = "direct"
	chinaRuleSet    = "chinasite"
	chinaRuleSetSRS = "chinasite.srs"
)

// baseEngineConfig 返回参考部署的基础文档：tun 入站、分流 DNS、空的代理组。
// chinasite rule-set 只在 .srs 文件真实存在时引用——内核对缺失的本地
// rule-set 会直接 FATAL，而不是降级。
func baseEngineConfig(home, controlAddr string) engineConfig {
	truePtr := true

	cfg := engineConfig{
		Log: logConfig{
			Disabled:  true,
			Output:    "./box.log",
			Timestamp: true,
			Level:     "info",
		},
		Experimental: experimental{
			ClashAPI: clashAPI{
				ExternalController: controlAddr,
				ExternalUI:         "dashboard",
			},
		},
		DNS: dnsConfig{
			Final:            "googledns",
			Strategy:         "prefer_ipv4",
			IndependentCache: true,
			Servers: []dnsServer{
				{Type: "udp", Tag: "googledns", Server: "8.8.8.8", Detour: GroupTag},
				{Type: "udp", Tag: "local", Server: "223.5.5.5"},
			},
		},
		Inbounds: []inboundConfig{{
			Type:          "tun",
			Tag:           "tun-in",
			InterfaceName: "sing-tun",
			Address:       []string{"172.18.0.1/30"},
			MTU:           9000,
			AutoRoute:     true,
			StrictRoute:   true,
			AutoRedirect:  true,
		}},
		Outbounds: []any{
			map[string]any{
				"type":      "urltest",
				"tag":       GroupTag,
				"outbounds": []string{},
			},
			map[string]any{
				"type": "direct",
				"tag":  directTag,
			},
		},
		Route: routeConfig{
			Final:                 GroupTag,
			AutoDetectInterface:   true,
			DefaultDomainResolver: "local",
			Rules: []routeRule{
				{Action: "sniff"},
				{Action: "hijack-dns", Protocol: "dns"},
				{Action: "route", IPIsPrivate: &truePtr, Outbound: directTag},
			},
		},
	}

	if _, err := os.Stat(filepath.Join(home, chinaRuleSetSRS)); err == nil {
		cfg.DNS.Rules = append(cfg.DNS.Rules, dnsRule{
			RuleSet: []string{chinaRuleSet},
			Action:  "route",
			Server:  "local",
		})
		cfg.Route.Rules = append(cfg.Route.Rules, routeRule{
			Action:   "route",
			RuleSet:  []string{chinaRuleSet},
			Outbound: directTag,
		})
		cfg.Route.RuleSet = []ruleSet{{
			Type:   "local",
			Tag:    chinaRuleSet,
			Format: "binary",
			Path:   chinaRuleSetSRS,
		}}
	}

	return cfg
}
