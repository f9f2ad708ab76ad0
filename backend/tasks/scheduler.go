package tasks

import (
	"context"
	"log"
	"time"

	"boxpanel/backend/service"
)

// Scheduler 后台定时任务：订阅周期刷新。
type Scheduler struct {
	service *service.Service
	refresh time.Duration
}

// NewScheduler refresh <= 0 表示关闭定时刷新
func NewScheduler(svc *service.Service, refresh time.Duration) *Scheduler {
	return &Scheduler{service: svc, refresh: refresh}
}

// Start 启动后台任务；ctx 取消时全部退出
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.service == nil {
		return
	}

	if s.refresh > 0 {
		go runWithTicker(ctx, s.refresh, "subscription refresh", func(ctx context.Context) {
			if err := s.service.RefreshSubscriptions(ctx); err != nil {
				log.Printf("[tasks] 订阅刷新失败: %v", err)
			}
		})
	}
}

func runWithTicker(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	// 启动时主线里已经合成过一次，这里只按周期跑，不抢首跑
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			safeRun(ctx, name, fn)
		}
	}
}

func safeRun(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[tasks] %s panicked: %v", name, r)
		}
	}()
	fn(ctx)
}
