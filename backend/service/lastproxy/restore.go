package lastproxy

import (
	"context"
	"fmt"
	"log"
	"time"

	"boxpanel/backend/domain"
	"boxpanel/backend/store"
)

// Controller 内核控制面上 restore 需要的最小操作集
type Controller interface {
	GroupMembers(ctx context.Context, group string) ([]string, error)
	Select(ctx context.Context, group, name string) error
	WaitReachable(ctx context.Context, group string, timeout time.Duration) error
}

// Restorer 在内核启动后把上一次手动选中的代理恢复回去。
// 整个流程是尽力而为：任何一步失败只记日志，不影响内核运行。
type Restorer struct {
	file *store.LastProxyFile
	ctl  Controller

	waitTimeout time.Duration
}

const defaultWaitTimeout = 15 * time.Second

func NewRestorer(file *store.LastProxyFile, ctl Controller) *Restorer {
	return &Restorer{file: file, ctl: ctl, waitTimeout: defaultWaitTimeout}
}

// Remember 记录一次手动切换，立即落盘
func (r *Restorer) Remember(group, name string) error {
	return r.file.Save(domain.LastSelection{Group: group, Name: name})
}

// Last 返回当前记录的选择（没有记录时 ok=false）
func (r *Restorer) Last() (domain.LastSelection, bool, error) {
	return r.file.Load()
}

// Restore 等控制 API 就绪后恢复末次选择。
// 记录的节点已经不在组里（订阅更新把它换掉了）时跳过并记日志，不报错。
func (r *Restorer) Restore(ctx context.Context) error {
	sel, ok, err := r.file.Load()
	if err != nil {
		return fmt.Errorf("load last selection: %w", err)
	}
	if !ok {
		return nil
	}

	if err := r.ctl.WaitReachable(ctx, sel.Group, r.waitTimeout); err != nil {
		return fmt.Errorf("restore %q: %w", sel.Name, err)
	}

	members, err := r.ctl.GroupMembers(ctx, sel.Group)
	if err != nil {
		return fmt.Errorf("restore %q: %w", sel.Name, err)
	}
	if !contains(members, sel.Name) {
		log.Printf("[LastProxy] 节点 %q 已不在组 %q 中，跳过恢复", sel.Name, sel.Group)
		return nil
	}

	if err := r.ctl.Select(ctx, sel.Group, sel.Name); err != nil {
		return fmt.Errorf("restore %q: %w", sel.Name, err)
	}
	log.Printf("[LastProxy] 已恢复末次选择: %s/%s", sel.Group, sel.Name)
	return nil
}

// RestoreAsync 后台恢复；失败只记日志。内核启动路径不等它。
func (r *Restorer) RestoreAsync(ctx context.Context) {
	go func() {
		if err := r.Restore(ctx); err != nil {
			log.Printf("[LastProxy] 恢复末次选择失败: %v", err)
		}
	}()
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
