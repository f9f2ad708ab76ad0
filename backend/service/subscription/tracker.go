package subscription

import (
	"sync"
	"time"

	"boxpanel/backend/domain"
)

// Tracker 订阅状态表：URL -> 最近一次抓取结果。
// URL 集合变化时整表重置，避免已删除订阅的状态残留。
type Tracker struct {
	mu       sync.Mutex
	statuses map[string]domain.SubscriptionStatus
}

func NewTracker() *Tracker {
	return &Tracker{
		statuses: make(map[string]domain.SubscriptionStatus),
	}
}

// Record 记录一次抓取结果（成功或失败都记）
func (t *Tracker) Record(url string, nodeCount int, err error) {
	status := domain.SubscriptionStatus{
		URL:       url,
		Success:   err == nil,
		NodeCount: nodeCount,
		FetchedAt: time.Now(),
	}
	if err != nil {
		status.Error = err.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[url] = status
}

// Get 查询单条订阅状态
func (t *Tracker) Get(url string) (domain.SubscriptionStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.statuses[url]
	return status, ok
}

// Reset 重置为新的 URL 集合：不在集合中的条目丢弃，新 URL 暂无状态。
func (t *Tracker) Reset(urls []string) {
	keep := make(map[string]struct{}, len(urls))
	for _, url := range urls {
		keep[url] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for url := range t.statuses {
		if _, ok := keep[url]; !ok {
			delete(t.statuses, url)
		}
	}
}
