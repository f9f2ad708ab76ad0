package ruleset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"boxpanel/backend/service/engine"
	"boxpanel/backend/service/shared"
)

// 规则集文件名（内核路由模板按该名字引用）
const (
	RuleSetName    = "chinasite.srs"
	backupName     = "chinasite.srs.bak"
	sourceListName = "direct.txt"
	sourceJSONName = "direct.json"

	// sing-box source format 版本
	sourceFormatVersion = 3

	compileTimeout = 2 * time.Minute
)

// ErrNotConfigured 配置文件未给出直连域名列表地址
var ErrNotConfigured = errors.New("rule source not configured")

// Result 生成成功后的规则集文件信息
type Result struct {
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Generator 下载直连域名列表并调用内核二进制编译成 .srs 规则集。
// 编译失败时恢复上一份规则集，保证引用它的内核配置始终可加载。
type Generator struct {
	home       string
	binaryName string
	client     *http.Client
}

func NewGenerator(home string) *Generator {
	return &Generator{
		home:       home,
		binaryName: engine.BinaryName,
		client:     shared.HTTPClient,
	}
}

// Generate 执行一轮完整生成：下载 → 转换为 source JSON → 备份旧规则集 → 编译。
func (g *Generator) Generate(ctx context.Context, sourceURL string) (Result, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return Result{}, ErrNotConfigured
	}

	text, err := g.download(ctx, sourceURL)
	if err != nil {
		return Result{}, fmt.Errorf("download rule source: %w", err)
	}
	// 原始列表留档，便于排查某个域名为何进了规则集
	if err := shared.WriteAtomic(filepath.Join(g.home, sourceListName), []byte(text), 0o644); err != nil {
		return Result{}, err
	}

	data, err := json.Marshal(buildSourceDoc(text))
	if err != nil {
		return Result{}, err
	}
	if err := shared.WriteAtomic(filepath.Join(g.home, sourceJSONName), data, 0o644); err != nil {
		return Result{}, err
	}

	rulePath := filepath.Join(g.home, RuleSetName)
	backupPath := filepath.Join(g.home, backupName)
	hadPrevious := false
	if _, err := os.Stat(rulePath); err == nil {
		if err := copyFile(rulePath, backupPath); err != nil {
			return Result{}, fmt.Errorf("backup rule set: %w", err)
		}
		hadPrevious = true
	}

	if err := g.compile(ctx, rulePath); err != nil {
		if hadPrevious {
			if restoreErr := copyFile(backupPath, rulePath); restoreErr != nil {
				log.Printf("[Rules] 恢复旧规则集失败: %v", restoreErr)
			}
		}
		return Result{}, err
	}

	info, err := os.Stat(rulePath)
	if err != nil {
		return Result{}, err
	}
	log.Printf("[Rules] 规则集已生成 %s（%d 字节）", rulePath, info.Size())
	return Result{Size: info.Size(), Modified: info.ModTime()}, nil
}

func (g *Generator) download(ctx context.Context, sourceURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, shared.SubscriptionFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, shared.MaxDownloadSize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (g *Generator) compile(ctx context.Context, output string) error {
	ctx, cancel := context.WithTimeout(ctx, compileTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, filepath.Join(g.home, g.binaryName),
		"rule-set", "compile", "--output", output, sourceJSONName)
	cmd.Dir = g.home
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("compile rule set: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// sourceDoc 是 sing-box rule-set compile 的输入格式
type sourceDoc struct {
	Version int          `json:"version"`
	Rules   []sourceRule `json:"rules"`
}

type sourceRule struct {
	Domain       []string `json:"domain"`
	DomainSuffix []string `json:"domain_suffix"`
	DomainRegex  []string `json:"domain_regex"`
}

// buildSourceDoc 按 dnsmasq 直连列表的约定分类：
// full: 前缀为精确域名，regexp: 前缀为正则，其余按域名后缀处理。
func buildSourceDoc(text string) sourceDoc {
	rule := sourceRule{
		Domain:       []string{},
		DomainSuffix: []string{},
		DomainRegex:  []string{},
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "full:"):
			rule.Domain = append(rule.Domain, strings.TrimPrefix(line, "full:"))
		case strings.HasPrefix(line, "regexp:"):
			rule.DomainRegex = append(rule.DomainRegex, strings.TrimPrefix(line, "regexp:"))
		default:
			rule.DomainSuffix = append(rule.DomainSuffix, line)
		}
	}
	return sourceDoc{Version: sourceFormatVersion, Rules: []sourceRule{rule}}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
