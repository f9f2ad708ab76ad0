package service

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"boxpanel/backend/domain"
	"boxpanel/backend/service/engine"
	"boxpanel/backend/service/lastproxy"
	"boxpanel/backend/service/ruleset"
	"boxpanel/backend/service/shared"
	"boxpanel/backend/service/subscription"
	"boxpanel/backend/service/synth"
	"boxpanel/backend/service/upgrade"
	"boxpanel/backend/store"
)

// Service 控制面门面：API 层只跟它打交道。
// 锁序约定：mu（配置/编排锁）永远先于 Supervisor 内部的进程锁，
// 反向获取会死锁。
type Service struct {
	// mu 串行化 "改配置 → 重新合成 → 重启内核" 整条链路，
	// 两个并发的配置修改不会交错丢写。
	mu sync.Mutex

	cfg      *store.File
	tracker  *subscription.Tracker
	synth    *synth.Synthesizer
	engine   *engine.Supervisor
	control  *engine.ControlClient
	restorer *lastproxy.Restorer
	upgrader *upgrade.Manager
	rules    *ruleset.Generator
	selected *store.LastProxyFile

	appLogPath      string
	appLogStartedAt time.Time
}

func New(cfg *store.File, version, upgradeFeedURL string) *Service {
	snapshot := cfg.Get()
	home := snapshot.EffectiveHome()

	tracker := subscription.NewTracker()
	sup := engine.NewSupervisor(home, snapshot.ProbeURL)
	ctl := engine.NewControlClient(snapshot.EffectiveControlAddr())
	selected := store.NewLastProxyFile(home)
	restorer := lastproxy.NewRestorer(selected, ctl)

	return &Service{
		cfg:      cfg,
		tracker:  tracker,
		synth:    synth.NewSynthesizer(tracker),
		engine:   sup,
		control:  ctl,
		restorer: restorer,
		upgrader: upgrade.NewManager(version, upgradeFeedURL, sup, selected.Path()),
		rules:    ruleset.NewGenerator(home),
		selected: selected,
	}
}

func (s *Service) SetAppLog(path string, startedAt time.Time) {
	s.appLogPath = path
	s.appLogStartedAt = startedAt
}

// AppLogSnapshot 面板自身日志的尾部内容
type AppLogSnapshot struct {
	StartedAt time.Time `json:"startedAt"`
	Content   string    `json:"content"`
}

// AppLogTail 返回面板日志文件最后 maxBytes 字节
func (s *Service) AppLogTail(maxBytes int64) (AppLogSnapshot, error) {
	snap := AppLogSnapshot{StartedAt: s.appLogStartedAt}
	if s.appLogPath == "" {
		return snap, nil
	}
	content, err := tailFile(s.appLogPath, maxBytes)
	if err != nil {
		return snap, err
	}
	snap.Content = content
	return snap, nil
}

// tailFile 文件尾部内容；文件不存在返回空串
func tailFile(path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > maxBytes {
		if _, err := f.Seek(-maxBytes, io.SeekEnd); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ========== 状态 ==========

// StatusSnapshot 聚合状态（引擎 + 订阅）
type StatusSnapshot struct {
	Engine        engine.Status         `json:"engine"`
	Subscriptions []domain.Subscription `json:"subscriptions"`
}

func (s *Service) Status() StatusSnapshot {
	return StatusSnapshot{
		Engine:        s.engine.Status(),
		Subscriptions: s.Subscriptions(),
	}
}

// ========== 引擎生命周期 ==========

// StartEngine 启动内核；成功后后台恢复末次代理选择
func (s *Service) StartEngine(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	s.restorer.RestoreAsync(context.Background())
	return nil
}

func (s *Service) StopEngine() error {
	return s.engine.Stop()
}

func (s *Service) RestartEngine(ctx context.Context) error {
	if err := s.engine.Restart(ctx); err != nil {
		return err
	}
	s.restorer.RestoreAsync(context.Background())
	return nil
}

// ========== 配置修改（持久化 → 合成 → 重启） ==========

// AddSubscription 新增订阅并应用
func (s *Service) AddSubscription(ctx context.Context, url string) error {
	return s.mutateAndApply(ctx, func() error {
		return s.cfg.AddSubscription(url)
	})
}

// DeleteSubscription 删除订阅并应用
func (s *Service) DeleteSubscription(ctx context.Context, url string) error {
	return s.mutateAndApply(ctx, func() error {
		return s.cfg.DeleteSubscription(url)
	})
}

// AddNode 新增手动节点并应用
func (s *Service) AddNode(ctx context.Context, node domain.Node) error {
	return s.mutateAndApply(ctx, func() error {
		return s.cfg.AddNode(node)
	})
}

// DeleteNode 删除手动节点并应用
func (s *Service) DeleteNode(ctx context.Context, name string) error {
	return s.mutateAndApply(ctx, func() error {
		return s.cfg.DeleteNode(name)
	})
}

// RefreshSubscriptions 重新抓全部订阅并应用（API 手动刷新与定时任务共用）
func (s *Service) RefreshSubscriptions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ctx)
}

// mutateAndApply 先落盘修改，再合成配置，内核在运行时顺带重启。
// 合成失败（比如删光了所有节点）时修改已持久化，
// 但磁盘上的引擎配置和运行中的内核保持原样。
func (s *Service) mutateAndApply(ctx context.Context, mutate func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := mutate(); err != nil {
		return err
	}
	return s.applyLocked(ctx)
}

func (s *Service) applyLocked(ctx context.Context) error {
	snapshot := s.cfg.Get()
	s.tracker.Reset(snapshot.Subs)

	if err := s.synth.Synthesize(ctx, snapshot); err != nil {
		return err
	}

	if !s.engine.Running() {
		return nil
	}
	if err := s.RestartEngine(ctx); err != nil {
		return err
	}
	return nil
}

// ========== 查询 ==========

// Subscriptions 订阅列表，带最近抓取状态
func (s *Service) Subscriptions() []domain.Subscription {
	snapshot := s.cfg.Get()
	subs := make([]domain.Subscription, 0, len(snapshot.Subs))
	for _, url := range snapshot.Subs {
		sub := domain.Subscription{
			ID:  domain.StableSubscriptionID(url),
			URL: url,
		}
		if status, ok := s.tracker.Get(url); ok {
			sub.LastStatus = &status
		}
		subs = append(subs, sub)
	}
	return subs
}

// Nodes 手动节点列表
func (s *Service) Nodes() []domain.Node {
	snapshot := s.cfg.Get()
	nodes := make([]domain.Node, 0, len(snapshot.Nodes))
	for _, n := range snapshot.Nodes {
		n.ID = domain.StableNodeID(n)
		nodes = append(nodes, n)
	}
	return nodes
}

// Config 当前用户配置快照
func (s *Service) Config() store.Config {
	return s.cfg.Get()
}

// EngineConfigInfo 合成出的内核配置文件内容与元信息
type EngineConfigInfo struct {
	Path       string    `json:"path"`
	Exists     bool      `json:"exists"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt,omitempty"`
	Content    string    `json:"content,omitempty"`
}

// EngineConfig 读取 <home>/config.json；不存在不算错误（尚未合成过）
func (s *Service) EngineConfig() (EngineConfigInfo, error) {
	path := filepath.Join(s.cfg.Get().EffectiveHome(), synth.EngineConfigName)
	info := EngineConfigInfo{Path: path}

	stat, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return info, nil
		}
		return info, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	info.Exists = true
	info.Size = stat.Size()
	info.ModifiedAt = stat.ModTime()
	info.Content = string(data)
	return info, nil
}

// EngineLogTail 内核自己的日志（<home>/box.log）最后 maxBytes 字节
func (s *Service) EngineLogTail(maxBytes int64) (string, error) {
	return tailFile(filepath.Join(s.cfg.Get().EffectiveHome(), "box.log"), maxBytes)
}

// ========== 代理选择 ==========

// SelectProxy 切换代理组活跃成员并记住选择
func (s *Service) SelectProxy(ctx context.Context, group, name string) error {
	if group == "" {
		group = synth.GroupTag
	}
	if err := s.control.Select(ctx, group, name); err != nil {
		return err
	}
	if err := s.restorer.Remember(group, name); err != nil {
		// 选择已生效，持久化失败只影响下次重启后的恢复
		log.Printf("[LastProxy] 记录选择失败: %v", err)
	}
	return nil
}

// LastProxy 当前记录的末次选择
func (s *Service) LastProxy() (domain.LastSelection, bool, error) {
	return s.restorer.Last()
}

// ========== 升级与诊断 ==========

func (s *Service) Version() string {
	return s.upgrader.CurrentVersion()
}

func (s *Service) CheckUpgrade(ctx context.Context) (latest string, newer bool, err error) {
	return s.upgrader.Check(ctx)
}

// Upgrade 自升级；成功时进程被替换，不会返回
func (s *Service) Upgrade(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgrader.Run(ctx)
}

// GenerateRuleSet 重新生成 CN 直连规则集。
// 持有编排锁：生成期间不允许并发的合成/重启改动 home 目录。
func (s *Service) GenerateRuleSet(ctx context.Context) (ruleset.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sourceURL string
	if rules := s.cfg.Get().Rules; rules != nil {
		sourceURL = rules.DirectTxt
	}
	return s.rules.Generate(ctx, sourceURL)
}

// NetCheck 一次独立的连通性探测（诊断用）
func (s *Service) NetCheck(ctx context.Context) error {
	target := s.cfg.Get().ProbeURL
	if target == "" {
		target = shared.DefaultProbeURL
	}
	return shared.Probe(ctx, target)
}
