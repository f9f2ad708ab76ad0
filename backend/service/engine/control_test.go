package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestControlClient_GroupMembersAndSelect(t *testing.T) {
	t.Parallel()

	var selected string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxies/proxy" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `{"all":["JP-1","SG-2"]}`)
		case http.MethodPut:
			var body struct {
				Name string `json:"name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			selected = body.Name
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	c := NewControlClient(strings.TrimPrefix(srv.URL, "http://"))

	members, err := c.GroupMembers(context.Background(), "proxy")
	if err != nil {
		t.Fatalf("group members: %v", err)
	}
	if len(members) != 2 || members[0] != "JP-1" || members[1] != "SG-2" {
		t.Fatalf("unexpected members: %v", members)
	}

	if err := c.Select(context.Background(), "proxy", "SG-2"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if selected != "SG-2" {
		t.Fatalf("server saw selection %q", selected)
	}
}

func TestControlClient_WaitReachableTimesOut(t *testing.T) {
	t.Parallel()

	// 不存在的端口：等待应在超时后带原因返回
	c := NewControlClient("127.0.0.1:1")
	start := time.Now()
	err := c.WaitReachable(context.Background(), "proxy", 600*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("wait took too long: %v", time.Since(start))
	}
}
