package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"boxpanel/backend/service"
	"boxpanel/backend/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) *gin.Engine {
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

	return NewRouter(service.New(cfg, "v1.0.0", "http://invalid/feed"))
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: non-envelope body %q", method, path, rec.Body.String())
	}
	return rec, resp
}

func TestGETStatus_ReportsStoppedEngine(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	rec, resp := doJSON(t, router, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	data, _ := resp.Data.(map[string]any)
	engineState, _ := data["engine"].(map[string]any)
	if running, _ := engineState["running"].(bool); running {
		t.Fatalf("fresh panel must report engine stopped: %s", rec.Body.String())
	}
}

func TestPOSTNodes_ValidationAndRoundTrip(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)

	// 缺 server
	rec, resp := doJSON(t, router, http.MethodPost, "/api/nodes",
		`{"kind":"hysteria2","name":"JP-1","port":443,"password":"p"}`)
	if rec.Code != http.StatusBadRequest || resp.Success {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	// 非法 kind
	rec, _ = doJSON(t, router, http.MethodPost, "/api/nodes",
		`{"kind":"vmess","name":"JP-1","server":"jp.example.com","port":443,"password":"p"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported kind, got %d", rec.Code)
	}

	// 合法节点
	rec, _ = doJSON(t, router, http.MethodPost, "/api/nodes",
		`{"kind":"hysteria2","name":"JP-1","server":"jp.example.com","port":443,"password":"p","sni":"jp.example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// 列表可见且字段一致
	rec, resp = doJSON(t, router, http.MethodGet, "/api/nodes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list nodes: %d", rec.Code)
	}
	nodes, _ := resp.Data.([]any)
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %s", rec.Body.String())
	}
	node, _ := nodes[0].(map[string]any)
	if node["name"] != "JP-1" || node["server"] != "jp.example.com" || node["sni"] != "jp.example.com" {
		t.Fatalf("round-trip mismatch: %v", node)
	}

	// 重名 → 400
	rec, _ = doJSON(t, router, http.MethodPost, "/api/nodes",
		`{"kind":"hysteria2","name":"JP-1","server":"jp.example.com","port":443,"password":"p"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate name, got %d", rec.Code)
	}
}

func TestDELETENodes_UnknownNameReturns404(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	rec, _ := doJSON(t, router, http.MethodDelete, "/api/nodes?name=missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPOSTSubs_RejectsMalformedURL(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	for _, body := range []string{
		`{"url":""}`,
		`{"url":"ftp://example.com/feed"}`,
		`{"url":"not a url"}`,
	} {
		rec, _ := doJSON(t, router, http.MethodPost, "/api/subs", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestPOSTServiceStop_IsIdempotent(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	for i := 0; i < 2; i++ {
		rec, resp := doJSON(t, router, http.MethodPost, "/api/service/stop", "")
		if rec.Code != http.StatusOK || !resp.Success {
			t.Fatalf("stop #%d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
}

func TestGETVersion(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	rec, resp := doJSON(t, router, http.MethodGet, "/api/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("version: %d", rec.Code)
	}
	data, _ := resp.Data.(map[string]any)
	if data["version"] != "v1.0.0" {
		t.Fatalf("unexpected version payload: %s", rec.Body.String())
	}
}

func TestGETConfig_ReportsMissingEngineConfig(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	rec, resp := doJSON(t, router, http.MethodGet, "/api/config", "")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("config: %d %s", rec.Code, rec.Body.String())
	}
	data, _ := resp.Data.(map[string]any)
	engineCfg, _ := data["engine"].(map[string]any)
	if exists, _ := engineCfg["exists"].(bool); exists {
		t.Fatalf("fresh panel has no synthesized config yet: %s", rec.Body.String())
	}
}

func TestGETLogs_EmptyPanelIsSuccess(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	rec, resp := doJSON(t, router, http.MethodGet, "/api/logs", "")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("logs: %d %s", rec.Code, rec.Body.String())
	}
}

func TestGETLastProxy_EmptyIsSuccess(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	rec, resp := doJSON(t, router, http.MethodGet, "/api/last-proxy", "")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("last-proxy: %d %s", rec.Code, rec.Body.String())
	}
	if resp.Data != nil {
		t.Fatalf("expected empty data, got %v", resp.Data)
	}
}

func TestPOSTRuleGenerate_NotConfiguredReturns400(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t)
	rec, resp := doJSON(t, router, http.MethodPost, "/api/rule/generate", "")
	if rec.Code != http.StatusBadRequest || resp.Success {
		t.Fatalf("expected 400 for missing rule source, got %d body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(resp.Message, "not configured") {
		t.Fatalf("expected not-configured message, got %q", resp.Message)
	}
}
