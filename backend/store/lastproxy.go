package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"boxpanel/backend/domain"
)

// LastProxyFile 末次选中代理的持久化（<home>/.last_proxy）。
// 小文件同步写；读不到不算错误（首次运行、被清理都正常）。
type LastProxyFile struct {
	mu   sync.Mutex
	path string
}

const lastProxyFileName = ".last_proxy"

func NewLastProxyFile(home string) *LastProxyFile {
	return &LastProxyFile{path: filepath.Join(home, lastProxyFileName)}
}

// Path 返回底层文件路径（升级清理时用于排除该文件）
func (f *LastProxyFile) Path() string { return f.path }

// Save 立即落盘
func (f *LastProxyFile) Save(sel domain.LastSelection) error {
	if strings.TrimSpace(sel.Group) == "" || strings.TrimSpace(sel.Name) == "" {
		return errors.New("last selection requires group and name")
	}

	data, err := json.Marshal(sel)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("save last selection: %w", err)
	}
	return nil
}

// Load 读取末次选择；文件不存在时 ok=false 且无错误。
func (f *LastProxyFile) Load() (domain.LastSelection, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.LastSelection{}, false, nil
		}
		return domain.LastSelection{}, false, err
	}

	var sel domain.LastSelection
	if err := json.Unmarshal(data, &sel); err != nil {
		return domain.LastSelection{}, false, fmt.Errorf("parse last selection: %w", err)
	}
	if strings.TrimSpace(sel.Group) == "" || strings.TrimSpace(sel.Name) == "" {
		return domain.LastSelection{}, false, nil
	}
	return sel, true, nil
}
