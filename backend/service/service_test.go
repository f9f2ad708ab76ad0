package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"boxpanel/backend/domain"
	"boxpanel/backend/service/synth"
	"boxpanel/backend/store"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()

	cfg, err := store.LoadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Update(func(c *store.Config) error {
		c.Home = dir
		return nil
	}); err != nil {
		t.Fatalf("set home: %v", err)
	}

	return New(cfg, "v1.0.0", "http://invalid/feed"), dir
}

func n(name string) domain.Node {
	return domain.Node{
		Kind:     domain.KindHysteria2,
		Name:     name,
		Server:   "jp.example.com",
		Port:     443,
		Password: "secret",
		SNI:      "jp.example.com",
	}
}

func TestAddNodeRoundTrip(t *testing.T) {
	t.Parallel()

	s, dir := newTestService(t)
	if err := s.AddNode(context.Background(), n("JP-1")); err != nil {
		t.Fatalf("add node: %v", err)
	}

	nodes := s.Nodes()
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes))
	}
	got := nodes[0]
	if got.Name != "JP-1" || got.Server != "jp.example.com" || got.Port != 443 || got.SNI != "jp.example.com" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.ID == "" {
		t.Fatalf("listed node must carry a stable id")
	}

	// 合成结果落盘且包含该节点
	data, err := os.ReadFile(filepath.Join(dir, synth.EngineConfigName))
	if err != nil {
		t.Fatalf("read engine config: %v", err)
	}
	if !strings.Contains(string(data), `"JP-1"`) {
		t.Fatalf("engine config must reference the added node")
	}
}

func TestAddNodeDuplicateName(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	if err := s.AddNode(context.Background(), n("JP-1")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := s.AddNode(context.Background(), n("JP-1")); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestDeleteLastNodeKeepsEngineConfig(t *testing.T) {
	t.Parallel()

	s, dir := newTestService(t)
	if err := s.AddNode(context.Background(), n("JP-1")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	enginePath := filepath.Join(dir, synth.EngineConfigName)
	before, err := os.ReadFile(enginePath)
	if err != nil {
		t.Fatalf("read engine config: %v", err)
	}

	// 删掉最后一个节点：删除本身持久化，但合成拒绝空集，引擎配置不动
	err = s.DeleteNode(context.Background(), "JP-1")
	if !errors.Is(err, synth.ErrNoNodes) {
		t.Fatalf("expected ErrNoNodes, got %v", err)
	}
	if len(s.Nodes()) != 0 {
		t.Fatalf("deletion itself must persist")
	}
	after, err := os.ReadFile(enginePath)
	if err != nil {
		t.Fatalf("read engine config: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("engine config must stay byte-for-byte unchanged")
	}
}

func TestAddSubscriptionRecordsStatus(t *testing.T) {
	t.Parallel()

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `proxies:
  - name: "JP-hy2"
    type: hysteria2
    server: jp.example.com
    port: 443
    password: secret
  - name: "SG-hy2"
    type: hysteria2
    server: sg.example.com
    port: 443
    password: secret
`)
	}))
	t.Cleanup(feed.Close)

	s, _ := newTestService(t)
	if err := s.AddSubscription(context.Background(), feed.URL); err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	subs := s.Subscriptions()
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].ID == "" || subs[0].URL != feed.URL {
		t.Fatalf("unexpected subscription entry: %+v", subs[0])
	}
	status := subs[0].LastStatus
	if status == nil || !status.Success || status.NodeCount != 2 {
		t.Fatalf("unexpected fetch status: %+v", status)
	}
}

func TestDeleteSubscriptionDropsStatus(t *testing.T) {
	t.Parallel()

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "proxies:\n  - name: JP\n    type: hysteria2\n    server: jp.example.com\n    port: 443\n    password: p\n")
	}))
	t.Cleanup(feed.Close)

	s, _ := newTestService(t)
	if err := s.AddSubscription(context.Background(), feed.URL); err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	// 删除后整体无节点：ErrNoNodes 属预期，状态表也要同步清掉
	if err := s.DeleteSubscription(context.Background(), feed.URL); !errors.Is(err, synth.ErrNoNodes) {
		t.Fatalf("expected ErrNoNodes, got %v", err)
	}
	if len(s.Subscriptions()) != 0 {
		t.Fatalf("stale subscription must not survive deletion")
	}
}
