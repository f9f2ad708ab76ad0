package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"boxpanel/backend/domain"
	"boxpanel/backend/service/shared"
)

// 错误定义
var (
	ErrDuplicate = errors.New("entry already exists")
	ErrNotFound  = errors.New("entry not found")
)

// Config 用户侧配置（config.yaml），合成器的唯一事实来源。
type Config struct {
	Port  int           `yaml:"port,omitempty"`
	Home  string        `yaml:"home,omitempty"`
	Subs  []string      `yaml:"subs"`
	Nodes []domain.Node `yaml:"nodes,omitempty"`
	// Filters 订阅节点保留关键字（节点名包含任一关键字即保留；空 = 全保留）。
	Filters []string `yaml:"filters,omitempty"`
	// ProbeURL 连通性探测端点，默认 generate_204
	ProbeURL string `yaml:"probe-url,omitempty"`
	// ControlAddr 内核 clash API 地址，默认 127.0.0.1:9090
	ControlAddr string `yaml:"control-addr,omitempty"`
	// RefreshMinutes 订阅定时刷新间隔（分钟），0 = 关闭
	RefreshMinutes int `yaml:"refresh-minutes,omitempty"`
	// Rules 规则集生成配置；nil = 不提供规则生成
	Rules *Rules `yaml:"rules,omitempty"`
}

// Rules 规则集生成所需的外部数据源
type Rules struct {
	// DirectTxt 直连域名列表下载地址（dnsmasq-china-list 风格的纯文本）
	DirectTxt string `yaml:"direct_txt"`
}

const (
	DefaultPort        = 6161
	DefaultControlAddr = "127.0.0.1:9090"
)

func (c Config) EffectivePort() int {
	if c.Port > 0 {
		return c.Port
	}
	return DefaultPort
}

func (c Config) EffectiveHome() string {
	if strings.TrimSpace(c.Home) != "" {
		return c.Home
	}
	return "."
}

func (c Config) EffectiveControlAddr() string {
	if strings.TrimSpace(c.ControlAddr) != "" {
		return c.ControlAddr
	}
	return DefaultControlAddr
}

// File 把 config.yaml 当作一个带锁的 load→mutate→save 存储。
// 所有修改操作先落盘再返回，调用方随后才允许触发重启。
type File struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// LoadFile 读取配置文件；文件不存在时返回空配置（首次运行）。
func LoadFile(path string) (*File, error) {
	f := &File{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f.cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// Get 返回当前配置的副本
func (f *File) Get() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *File) snapshotLocked() Config {
	cfg := f.cfg
	cfg.Subs = append([]string(nil), f.cfg.Subs...)
	cfg.Nodes = append([]domain.Node(nil), f.cfg.Nodes...)
	cfg.Filters = append([]string(nil), f.cfg.Filters...)
	if f.cfg.Rules != nil {
		rules := *f.cfg.Rules
		cfg.Rules = &rules
	}
	return cfg
}

// Update 在锁内应用修改并持久化；mutate 返回错误时不落盘。
func (f *File) Update(mutate func(*Config) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.snapshotLocked()
	if err := mutate(&next); err != nil {
		return err
	}

	data, err := yaml.Marshal(next)
	if err != nil {
		return err
	}
	if err := shared.WriteAtomic(f.path, data, 0o600); err != nil {
		return fmt.Errorf("save config %s: %w", f.path, err)
	}
	f.cfg = next
	return nil
}

// AddSubscription 追加订阅 URL；重复添加返回 ErrDuplicate。
func (f *File) AddSubscription(url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("subscription url is required")
	}
	return f.Update(func(cfg *Config) error {
		for _, existing := range cfg.Subs {
			if existing == url {
				return fmt.Errorf("%w: subscription %s", ErrDuplicate, url)
			}
		}
		cfg.Subs = append(cfg.Subs, url)
		return nil
	})
}

// DeleteSubscription 删除订阅 URL；不存在返回 ErrNotFound。
func (f *File) DeleteSubscription(url string) error {
	return f.Update(func(cfg *Config) error {
		for i, existing := range cfg.Subs {
			if existing == url {
				cfg.Subs = append(cfg.Subs[:i], cfg.Subs[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: subscription %s", ErrNotFound, url)
	})
}

// AddNode 追加手动节点；同名节点视为重复。
func (f *File) AddNode(node domain.Node) error {
	node.Name = strings.TrimSpace(node.Name)
	if node.Name == "" {
		return errors.New("node name is required")
	}
	return f.Update(func(cfg *Config) error {
		for _, existing := range cfg.Nodes {
			if existing.Name == node.Name {
				return fmt.Errorf("%w: node %s", ErrDuplicate, node.Name)
			}
		}
		cfg.Nodes = append(cfg.Nodes, node)
		return nil
	})
}

// DeleteNode 按名称删除手动节点；不存在返回 ErrNotFound。
func (f *File) DeleteNode(name string) error {
	return f.Update(func(cfg *Config) error {
		for i, existing := range cfg.Nodes {
			if existing.Name == name {
				cfg.Nodes = append(cfg.Nodes[:i], cfg.Nodes[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: node %s", ErrNotFound, name)
	})
}
