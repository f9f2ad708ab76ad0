//go:build !windows

package ruleset

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"boxpanel/backend/service/engine"
)

const directList = `baidu.com
full:dns.alidns.com
regexp:^cdn\d+\.example\.cn$

qq.com
`

// fakeCompiler 写一个假的内核脚本充当 rule-set 编译器
func fakeCompiler(t *testing.T, script string) *Generator {
	t.Helper()
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, engine.BinaryName), []byte(script), 0o755); err != nil {
		t.Fatalf("write fake compiler: %v", err)
	}
	return NewGenerator(home)
}

func sourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(directList))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerate_CompilesRuleSet(t *testing.T) {
	t.Parallel()

	srv := sourceServer(t)
	// 把 source JSON 原样拷成 "规则集"，足够验证调用与产物
	g := fakeCompiler(t, `#!/bin/sh
cat direct.json > chinasite.srs
`)

	res, err := g.Generate(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Size == 0 || res.Modified.IsZero() {
		t.Fatalf("expected file info in result, got %#v", res)
	}

	data, err := os.ReadFile(filepath.Join(g.home, sourceJSONName))
	if err != nil {
		t.Fatalf("read source json: %v", err)
	}
	var doc sourceDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse source json: %v", err)
	}
	if doc.Version != sourceFormatVersion || len(doc.Rules) != 1 {
		t.Fatalf("unexpected source doc: %#v", doc)
	}
	rule := doc.Rules[0]
	if len(rule.Domain) != 1 || rule.Domain[0] != "dns.alidns.com" {
		t.Fatalf("expected full: entry in domain, got %v", rule.Domain)
	}
	if len(rule.DomainRegex) != 1 || rule.DomainRegex[0] != `^cdn\d+\.example\.cn$` {
		t.Fatalf("expected regexp: entry in domain_regex, got %v", rule.DomainRegex)
	}
	if len(rule.DomainSuffix) != 2 || rule.DomainSuffix[0] != "baidu.com" || rule.DomainSuffix[1] != "qq.com" {
		t.Fatalf("expected bare lines in domain_suffix, got %v", rule.DomainSuffix)
	}
}

func TestGenerate_RestoresBackupOnCompileFailure(t *testing.T) {
	t.Parallel()

	srv := sourceServer(t)
	g := fakeCompiler(t, `#!/bin/sh
echo broken > chinasite.srs
exit 1
`)

	previous := []byte("previous-rule-set")
	rulePath := filepath.Join(g.home, RuleSetName)
	if err := os.WriteFile(rulePath, previous, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := g.Generate(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected compile failure")
	}

	after, err := os.ReadFile(rulePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(after) != string(previous) {
		t.Fatalf("expected previous rule set to be restored, got %q", after)
	}
}

func TestGenerate_NotConfigured(t *testing.T) {
	t.Parallel()

	g := NewGenerator(t.TempDir())
	if _, err := g.Generate(context.Background(), "  "); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestGenerate_DownloadFailureSkipsCompile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	// 脚本若被执行会留下标记文件
	g := fakeCompiler(t, `#!/bin/sh
touch compiled-marker
`)

	if _, err := g.Generate(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected download failure")
	}
	if _, err := os.Stat(filepath.Join(g.home, "compiled-marker")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected compiler not to run, marker stat: %v", err)
	}
}
