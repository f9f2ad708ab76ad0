package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"boxpanel/backend/service/outbound"
	"boxpanel/backend/service/shared"
	"boxpanel/backend/service/subscription"
	"boxpanel/backend/store"
)

// ErrNoNodes 合并后节点数为 0：拒绝写盘，磁盘上的旧配置保持原样。
var ErrNoNodes = errors.New("no nodes available for config synthesis")

// EngineConfigName 合成出的内核配置文件名（写到 <home>/ 下）
const EngineConfigName = "config.json"

// Synthesizer 把手动节点 + 订阅抓取结果合成为一份内核配置。
// 它只负责生成与写盘，不触发内核重启——重启由调用方显式编排。
type Synthesizer struct {
	tracker *subscription.Tracker
}

func NewSynthesizer(tracker *subscription.Tracker) *Synthesizer {
	return &Synthesizer{tracker: tracker}
}

// subResult 单条订阅的抓取结果（保持输入顺序合并）
type subResult struct {
	names     []string
	outbounds []outbound.Outbound
	err       error
}

// Synthesize 合成并原子写入 <home>/config.json。
// 合并顺序是显式契约：手动节点在前，订阅节点按订阅的配置顺序在后。
// 单条订阅失败只记状态不中断；合并集为空时返回 ErrNoNodes 且不落盘。
func (s *Synthesizer) Synthesize(ctx context.Context, cfg store.Config) error {
	// 1. 手动节点
	manualNames := make([]string, 0, len(cfg.Nodes))
	manualOutbounds := make([]outbound.Outbound, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		ob, ok := outbound.Translate(node)
		if !ok {
			log.Printf("[Synth] 跳过不支持协议的手动节点: %s (%s)", node.Name, node.Kind)
			continue
		}
		manualNames = append(manualNames, node.Name)
		manualOutbounds = append(manualOutbounds, ob)
	}

	// 2. 并发抓取全部订阅（共享截止时间），结果按配置顺序合并
	fetcher := subscription.NewFetcher(subscription.KeepByKeywords(cfg.Filters))
	results := make([]subResult, len(cfg.Subs))
	var wg sync.WaitGroup
	for i, url := range cfg.Subs {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			names, obs, err := fetcher.Fetch(ctx, url)
			results[i] = subResult{names: names, outbounds: obs, err: err}
		}(i, url)
	}
	wg.Wait()

	fetchedNames := make([]string, 0)
	fetchedOutbounds := make([]outbound.Outbound, 0)
	for i, url := range cfg.Subs {
		res := results[i]
		if s.tracker != nil {
			s.tracker.Record(url, len(res.names), res.err)
		}
		if res.err != nil {
			// 单条订阅坏掉不应拖垮其他订阅
			log.Printf("[Synth] 订阅抓取失败（继续处理其余订阅）: %v", res.err)
			continue
		}
		fetchedNames = append(fetchedNames, res.names...)
		fetchedOutbounds = append(fetchedOutbounds, res.outbounds...)
	}

	total := len(manualOutbounds) + len(fetchedOutbounds)
	if total == 0 {
		return ErrNoNodes
	}

	// 3. 组装文档：代理组成员 = 手动 tag ++ 订阅 tag
	home := cfg.EffectiveHome()
	doc := baseEngineConfig(home, cfg.EffectiveControlAddr())

	members := make([]string, 0, total)
	members = append(members, manualNames...)
	members = append(members, fetchedNames...)
	seen := make(map[string]bool, total)
	for _, name := range members {
		if seen[name] {
			// 不去重（与订阅源内容保持一致），但内核会拒绝 tag 重复的配置
			log.Printf("[Synth] 警告：出站 tag 重复 %q，请重命名手动节点或收紧过滤关键字", name)
		}
		seen[name] = true
	}
	if group, ok := doc.Outbounds[0].(map[string]any); ok && group["tag"] == GroupTag {
		group["outbounds"] = members
	}

	for _, ob := range manualOutbounds {
		doc.Outbounds = append(doc.Outbounds, ob)
	}
	for _, ob := range fetchedOutbounds {
		doc.Outbounds = append(doc.Outbounds, ob)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal engine config: %w", err)
	}

	target := filepath.Join(home, EngineConfigName)
	if err := shared.WriteAtomic(target, data, 0o600); err != nil {
		return fmt.Errorf("write engine config: %w", err)
	}

	log.Printf("[Synth] 配置已写入 %s（手动 %d + 订阅 %d 个节点）", target, len(manualOutbounds), len(fetchedOutbounds))
	return nil
}
