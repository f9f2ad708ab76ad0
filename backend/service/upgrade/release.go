package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"boxpanel/backend/service/shared"
)

// Release 发布源返回的元数据（GitHub release 形状）
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

type Asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
}

// FeedClient 查询发布源的最新版本
type FeedClient struct {
	feedURL string
	client  *http.Client
}

func NewFeedClient(feedURL string) *FeedClient {
	return &FeedClient{feedURL: feedURL, client: shared.HTTPClientDirect}
}

func userAgent() string {
	return fmt.Sprintf("boxpanel (%s; %s)", runtime.GOOS, runtime.GOARCH)
}

// Latest 拉取最新 release 元数据
func (c *FeedClient) Latest(ctx context.Context) (Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return Release{}, err
	}
	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Release{}, fmt.Errorf("fetch release feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Release{}, fmt.Errorf("release feed returned %s", resp.Status)
	}

	var rel Release
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rel); err != nil {
		return Release{}, fmt.Errorf("decode release feed: %w", err)
	}
	if strings.TrimSpace(rel.TagName) == "" {
		return Release{}, fmt.Errorf("release feed: empty tag_name")
	}
	return rel, nil
}

// matchAsset 按当前平台挑下载资源：名字里同时带上 GOOS 和 GOARCH
func matchAsset(assets []Asset, goos, goarch string) (Asset, error) {
	for _, a := range assets {
		name := strings.ToLower(a.Name)
		if strings.Contains(name, goos) && strings.Contains(name, goarch) {
			return a, nil
		}
	}
	return Asset{}, fmt.Errorf("no release asset for %s/%s", goos, goarch)
}

// version 语义化版本号 vMAJOR.MINOR.PATCH
type version struct {
	major, minor, patch int
}

func parseVersion(tag string) (version, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(tag), "v")
	parts := strings.SplitN(raw, ".", 3)
	if len(parts) != 3 {
		return version{}, fmt.Errorf("malformed version tag %q", tag)
	}

	var v version
	for i, dst := range []*int{&v.major, &v.minor, &v.patch} {
		// PATCH 后可能跟预发布后缀，截掉
		field := parts[i]
		if i == 2 {
			if idx := strings.IndexAny(field, "-+"); idx >= 0 {
				field = field[:idx]
			}
		}
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			return version{}, fmt.Errorf("malformed version tag %q", tag)
		}
		*dst = n
	}
	return v, nil
}

func (v version) newerThan(o version) bool {
	if v.major != o.major {
		return v.major > o.major
	}
	if v.minor != o.minor {
		return v.minor > o.minor
	}
	return v.patch > o.patch
}
