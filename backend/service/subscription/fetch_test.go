package subscription

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const sampleFeed = `proxies:
  - name: "JP-hy2-01"
    type: hysteria2
    server: jp1.example.com
    port: 443
    password: pw1
    sni: jp1.example.com
  - name: "US-hy2-02"
    type: hysteria2
    server: us1.example.com
    port: 443
    password: pw2
  - name: "SG-anytls-03"
    type: anytls
    server: sg1.example.com
    port: 8443
    password: pw3
    skip-cert-verify: false
  - name: "JP-vmess-04"
    type: vmess
    server: jp2.example.com
    port: 443
`

func TestFetcher_Fetch_FiltersAndTranslates(t *testing.T) {
	t.Parallel()

	var gotUserAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.UserAgent()
		_, _ = w.Write([]byte(sampleFeed))
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(KeepByKeywords([]string{"JP", "SG"}))
	names, outbounds, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotUserAgent != subscriptionUserAgent {
		t.Fatalf("expected User-Agent %q, got %q", subscriptionUserAgent, gotUserAgent)
	}

	// US 节点被过滤掉，vmess 被静默跳过
	want := []string{"JP-hy2-01", "SG-anytls-03"}
	if len(names) != len(want) {
		t.Fatalf("expected names %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected names %v, got %v", want, names)
		}
	}
	if len(outbounds) != len(names) {
		t.Fatalf("expected %d outbounds, got %d", len(names), len(outbounds))
	}
	for i := range outbounds {
		if outbounds[i].Tag() != names[i] {
			t.Fatalf("outbound %d tag %q does not match name %q", i, outbounds[i].Tag(), names[i])
		}
	}
}

func TestFetcher_Fetch_EmptyBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)

	_, _, err := NewFetcher(nil).Fetch(context.Background(), srv.URL)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
}

func TestFetcher_Fetch_MalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(":\tnot yaml {{{"))
	}))
	t.Cleanup(srv.Close)

	_, _, err := NewFetcher(nil).Fetch(context.Background(), srv.URL)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
}

func TestFetcher_Fetch_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, _, err := NewFetcher(nil).Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatalf("expected error on 502 response")
	}
}

func TestKeepByKeywords_EmptyListKeepsAll(t *testing.T) {
	t.Parallel()

	keep := KeepByKeywords(nil)
	if !keep("anything") {
		t.Fatalf("expected empty keyword list to keep all names")
	}
	keep = KeepByKeywords([]string{"  ", ""})
	if !keep("anything") {
		t.Fatalf("expected blank keywords to be ignored")
	}
}

func TestTracker_Reset_DropsRemovedURLs(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Record("https://a.example", 3, nil)
	tr.Record("https://b.example", 0, errors.New("timeout"))

	if status, ok := tr.Get("https://b.example"); !ok || status.Success || status.Error == "" {
		t.Fatalf("expected failed status for b, got %#v ok=%v", status, ok)
	}

	tr.Reset([]string{"https://a.example"})
	if _, ok := tr.Get("https://b.example"); ok {
		t.Fatalf("expected status of removed subscription to be dropped")
	}
	if status, ok := tr.Get("https://a.example"); !ok || status.NodeCount != 3 {
		t.Fatalf("expected a to survive reset, got %#v ok=%v", status, ok)
	}
}
