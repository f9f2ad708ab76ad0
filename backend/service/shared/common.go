package shared

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// 常量定义
const (
	SubscriptionFetchTimeout = 30 * time.Second
	ProbeAttemptTimeout      = 10 * time.Second
	DownloadTimeout          = 5 * time.Minute // 支持慢速网络
	MaxDownloadSize          = 100 << 20       // 100 MiB
)

// HTTP 客户端
var (
	// HTTPClient 默认 HTTP 客户端（跟随系统代理）
	HTTPClient = newHTTPClient(false)

	// HTTPClientDirect 不走代理的客户端。
	// 订阅抓取与连通性探测必须直连：内核未就绪时走代理只会探到自己。
	HTTPClientDirect = newHTTPClient(true)
)

func newHTTPClient(bypassProxy bool) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 60 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: 30 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if bypassProxy {
		tr.Proxy = nil
	}
	return &http.Client{
		Timeout:   DownloadTimeout,
		Transport: tr,
	}
}
