package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ControlClient 内核 clash API 客户端（localhost HTTP）。
// 只封装面板用到的两个操作：查代理组成员、切换选中成员。
type ControlClient struct {
	baseURL string
	client  *http.Client
}

func NewControlClient(addr string) *ControlClient {
	return &ControlClient{
		baseURL: "http://" + addr,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// GroupMembers 返回代理组的全部成员名
func (c *ControlClient) GroupMembers(ctx context.Context, group string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.groupURL(group), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("control api: group %s returned %s", group, resp.Status)
	}

	var payload struct {
		All []string `json:"all"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("control api: decode group %s: %w", group, err)
	}
	return payload.All, nil
}

// Select 切换代理组的活跃成员
func (c *ControlClient) Select(ctx context.Context, group, name string) error {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.groupURL(group), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control api: select %s/%s returned %s", group, name, resp.Status)
	}
	return nil
}

// WaitReachable 轮询直到控制 API 可达或超时。
// 内核刚重启时 API 要过一会儿才就绪；restore 之前都应先等这个。
func (c *ControlClient) WaitReachable(ctx context.Context, group string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if _, lastErr = c.GroupMembers(ctx, group); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("control api not reachable within %v: %w", timeout, lastErr)
}

func (c *ControlClient) groupURL(group string) string {
	return c.baseURL + "/proxies/" + url.PathEscape(group)
}
