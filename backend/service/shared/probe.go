package shared

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// DefaultProbeURL 连通性探测端点（期望返回 204 空响应）
const DefaultProbeURL = "https://www.gstatic.com/generate_204"

// probeClient 必须直连：内核未就绪时走环境变量代理只会探到自己，
// 得到假阳性的"网络可用"。
var probeClient = HTTPClientDirect

// Probe 对目标端点做一次连通性检查。
// 只认 204：透明门户/劫持页面会返回 200，不能当作“网络可用”。
func Probe(ctx context.Context, target string) error {
	if target == "" {
		target = DefaultProbeURL
	}

	ctx, cancel := context.WithTimeout(ctx, ProbeAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	resp, err := probeClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("connectivity probe got status %s, want 204", resp.Status)
	}
	return nil
}

// ProbeWithRetry 带固定间隔重试的连通性检查，返回最后一次的错误。
func ProbeWithRetry(ctx context.Context, target string, attempts int, backoff time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if lastErr = Probe(ctx, target); lastErr == nil {
			return nil
		}
		log.Printf("[Probe] 第 %d/%d 次探测失败: %v", i+1, attempts, lastErr)
	}
	return lastErr
}
