package subscription

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"boxpanel/backend/domain"
	"boxpanel/backend/service/outbound"
	"boxpanel/backend/service/shared"
)

// subscriptionUserAgent 机场按 UA 返回不同格式；固定 clash-meta 拿 clash YAML。
const subscriptionUserAgent = "clash-meta"

// FetchError 订阅抓取/解析失败（对整体合成非致命，由调用方决定是否忽略）
type FetchError struct {
	URL   string
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch subscription %s: %v", e.URL, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// KeepFunc 节点保留策略：返回 false 的节点被丢弃
type KeepFunc func(name string) bool

// KeepAll 保留全部节点
func KeepAll(string) bool { return true }

// KeepByKeywords 按名称关键字保留（名称包含任一关键字即保留）。
// 关键字列表来自用户配置，空列表等价于 KeepAll。
func KeepByKeywords(keywords []string) KeepFunc {
	trimmed := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			trimmed = append(trimmed, kw)
		}
	}
	if len(trimmed) == 0 {
		return KeepAll
	}
	return func(name string) bool {
		for _, kw := range trimmed {
			if strings.Contains(name, kw) {
				return true
			}
		}
		return false
	}
}

// clash YAML 订阅里我们关心的字段
type feedDocument struct {
	Proxies []feedProxy `yaml:"proxies"`
}

type feedProxy struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"`
	Server         string `yaml:"server"`
	Port           uint16 `yaml:"port"`
	Password       string `yaml:"password"`
	Cipher         string `yaml:"cipher"`
	SNI            string `yaml:"sni"`
	SkipCertVerify *bool  `yaml:"skip-cert-verify"`
}

// Fetcher 订阅抓取器
type Fetcher struct {
	client *http.Client
	keep   KeepFunc
}

// NewFetcher 创建订阅抓取器；keep 为 nil 时保留全部节点。
func NewFetcher(keep KeepFunc) *Fetcher {
	if keep == nil {
		keep = KeepAll
	}
	return &Fetcher{
		client: shared.HTTPClientDirect,
		keep:   keep,
	}
}

// Fetch 抓取并解析一条订阅，返回保留节点的名字与出站对象（顺序一致）。
// 不受支持的协议静默跳过；网络错误、空响应、YAML 解析失败返回 *FetchError。
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]string, []outbound.Outbound, error) {
	ctx, cancel := context.WithTimeout(ctx, shared.SubscriptionFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, &FetchError{URL: url, Cause: err}
	}
	req.Header.Set("User-Agent", subscriptionUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, &FetchError{URL: url, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &FetchError{URL: url, Cause: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, shared.MaxDownloadSize))
	if err != nil {
		return nil, nil, &FetchError{URL: url, Cause: err}
	}
	if len(body) == 0 {
		return nil, nil, &FetchError{URL: url, Cause: fmt.Errorf("empty response body")}
	}

	var doc feedDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, nil, &FetchError{URL: url, Cause: fmt.Errorf("parse clash yaml: %w", err)}
	}
	if len(doc.Proxies) == 0 {
		return nil, nil, &FetchError{URL: url, Cause: fmt.Errorf("subscription has no proxies")}
	}

	names := make([]string, 0, len(doc.Proxies))
	outbounds := make([]outbound.Outbound, 0, len(doc.Proxies))
	skipped := 0
	for _, p := range doc.Proxies {
		name := strings.TrimSpace(p.Name)
		if name == "" || !f.keep(name) {
			continue
		}
		ob, ok := outbound.Translate(domain.Node{
			Kind:        domain.NormalizeKind(p.Type),
			Name:        name,
			Server:      strings.TrimSpace(p.Server),
			Port:        p.Port,
			Password:    p.Password,
			Cipher:      p.Cipher,
			SNI:         strings.TrimSpace(p.SNI),
			InsecureTLS: p.SkipCertVerify,
		})
		if !ok {
			skipped++
			continue
		}
		names = append(names, name)
		outbounds = append(outbounds, ob)
	}

	log.Printf("[Subs] %s: %d 个节点，保留 %d，跳过不支持协议 %d", url, len(doc.Proxies), len(names), skipped)
	return names, outbounds, nil
}
