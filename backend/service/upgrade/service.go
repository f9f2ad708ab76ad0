package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"boxpanel/backend/service/shared"
)

// 各步骤的哨兵错误
var (
	ErrNoNewVersion = errors.New("already at the latest version")
	ErrVerifyFailed = errors.New("downloaded executable failed verification")
	ErrBackupFailed = errors.New("could not back up current executable")
)

// StepError 标记升级失败发生在哪一步，以及是否已越过破坏性操作，
// 方便运维判断当前磁盘上的恢复状态。
type StepError struct {
	Step        string
	Destructive bool
	Err         error
}

func (e *StepError) Error() string {
	if e.Destructive {
		return fmt.Sprintf("upgrade step %s failed (after destructive action, backup restored): %v", e.Step, e.Err)
	}
	return fmt.Sprintf("upgrade step %s failed (no destructive action taken): %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

const backupSuffix = ".bak"

// engineStopper 升级前需要停掉受管内核
type engineStopper interface {
	Stop() error
}

// Manager 面板自升级。
// 破坏性步骤（备份之后）的顺序保证：任何一步失败时，
// 原二进制或已验证的备份至少有一个在原位。
type Manager struct {
	currentVersion string
	feed           *FeedClient
	engine         engineStopper
	keepPaths      []string // 清理阶段跳过的文件（用户选择状态等）

	// 测试注入点
	exePath  string
	download func(ctx context.Context, url string) ([]byte, error)
	verify   func(path string) error
	execve   func(argv0 string, argv, envv []string) error
}

func NewManager(currentVersion, feedURL string, engine engineStopper, keepPaths ...string) *Manager {
	return &Manager{
		currentVersion: currentVersion,
		feed:           NewFeedClient(feedURL),
		engine:         engine,
		keepPaths:      keepPaths,
		download:       downloadAsset,
		verify:         shared.VerifyExecutable,
		execve:         reexec,
	}
}

// CurrentVersion 当前运行版本号
func (m *Manager) CurrentVersion() string { return m.currentVersion }

// Check 只查版本不动二进制
func (m *Manager) Check(ctx context.Context) (latest string, newer bool, err error) {
	rel, err := m.feed.Latest(ctx)
	if err != nil {
		return "", false, err
	}
	latestV, err := parseVersion(rel.TagName)
	if err != nil {
		return "", false, err
	}
	curV, err := parseVersion(m.currentVersion)
	if err != nil {
		return "", false, fmt.Errorf("current build version: %w", err)
	}
	return rel.TagName, latestV.newerThan(curV), nil
}

// Run 执行完整升级流程；成功时不返回（进程镜像被替换）。
// 返回 ErrNoNewVersion 表示已是最新，属正常结束。
func (m *Manager) Run(ctx context.Context) error {
	// 1. 版本比较
	rel, err := m.feed.Latest(ctx)
	if err != nil {
		return err
	}
	latestV, err := parseVersion(rel.TagName)
	if err != nil {
		return err
	}
	curV, err := parseVersion(m.currentVersion)
	if err != nil {
		return fmt.Errorf("current build version: %w", err)
	}
	if !latestV.newerThan(curV) {
		log.Printf("[Upgrade] 已是最新版本 %s", m.currentVersion)
		return ErrNoNewVersion
	}
	log.Printf("[Upgrade] 发现新版本: %s -> %s", m.currentVersion, rel.TagName)

	// 2. 按平台挑资源
	asset, err := matchAsset(rel.Assets, runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}

	exe, err := m.executablePath()
	if err != nil {
		return err
	}

	// 3. 下载到私有临时路径并置可执行位
	data, err := m.download(ctx, asset.DownloadURL)
	if err != nil {
		return fmt.Errorf("download %s: %w", asset.Name, err)
	}
	tmp := exe + ".new"
	if err := os.WriteFile(tmp, data, 0o755); err != nil {
		return fmt.Errorf("write candidate: %w", err)
	}

	// 4. 验证候选二进制能跑。到此为止还没有任何破坏性动作。
	if err := m.verify(tmp); err != nil {
		_ = os.Remove(tmp)
		return &StepError{Step: "verify", Err: fmt.Errorf("%w: %v", ErrVerifyFailed, err)}
	}

	// 5. 停内核。失败也继续，但 Stop 返回即表示进程确已退出。
	if err := m.engine.Stop(); err != nil {
		log.Printf("[Upgrade] 停止内核失败（继续升级）: %v", err)
	}

	// 6. 备份当前二进制。备份失败必须中止。
	backup := exe + backupSuffix
	if err := copyFile(exe, backup, 0o755); err != nil {
		_ = os.Remove(tmp)
		return &StepError{Step: "backup", Err: fmt.Errorf("%w: %v", ErrBackupFailed, err)}
	}

	// 7. 删旧拷新。失败则从备份恢复。
	if err := replaceExecutable(exe, tmp); err != nil {
		m.restoreBackup(exe, backup)
		return &StepError{Step: "replace", Destructive: true, Err: err}
	}

	// 8. 补一次可执行位（copy 已带 0755，这里兜底）
	if err := os.Chmod(exe, 0o755); err != nil {
		m.restoreBackup(exe, backup)
		return &StepError{Step: "chmod", Destructive: true, Err: err}
	}

	// 9. 清理陈旧产物，然后用新二进制替换当前进程镜像
	m.cleanupStale(filepath.Dir(exe), backup)
	log.Printf("[Upgrade] 升级到 %s，重新启动", rel.TagName)

	if err := m.execve(exe, os.Args, os.Environ()); err != nil {
		// exec 失败是唯一会返回控制权的路径：恢复备份并重启旧版本
		log.Printf("[Upgrade] exec 新版本失败: %v，尝试回滚", err)
		m.restoreBackup(exe, backup)
		if err2 := m.execve(exe, os.Args, os.Environ()); err2 != nil {
			// 既起不来新版本也起不来旧版本：需要人工介入
			log.Fatalf("[Upgrade] FATAL: 回滚后重启仍失败，需要人工恢复 %s: %v", exe, err2)
		}
	}
	return nil
}

func (m *Manager) executablePath() (string, error) {
	if m.exePath != "" {
		return m.exePath, nil
	}
	return os.Executable()
}

func (m *Manager) restoreBackup(exe, backup string) {
	if err := copyFile(backup, exe, 0o755); err != nil {
		log.Printf("[Upgrade] 恢复备份失败: %v", err)
		return
	}
	log.Printf("[Upgrade] 已从备份恢复原二进制")
}

// cleanupStale 清掉历史升级留下的临时文件。
// 用户选择状态（keepPaths）不动；本次的备份也留着给 exec 失败时回滚用。
func (m *Manager) cleanupStale(dir, currentBackup string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(dir, name)
		if full == currentBackup || m.isKept(full) {
			continue
		}
		if strings.HasSuffix(name, ".new") || strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(full)
		}
	}
}

func (m *Manager) isKept(path string) bool {
	for _, keep := range m.keepPaths {
		if path == keep {
			return true
		}
	}
	return false
}

// replaceExecutable 删旧拷新。
// Linux 允许 unlink 正在运行的二进制；Windows 不行，走先改名的回退路径。
func replaceExecutable(exe, candidate string) error {
	if runtime.GOOS == "windows" {
		moved := exe + ".old"
		_ = os.Remove(moved)
		if err := os.Rename(exe, moved); err != nil {
			return err
		}
	} else if err := os.Remove(exe); err != nil {
		return err
	}
	if err := copyFile(candidate, exe, 0o755); err != nil {
		return err
	}
	_ = os.Remove(candidate)
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return shared.WriteAtomic(dst, data, perm)
}

func downloadAsset(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := shared.HTTPClientDirect.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download returned %s", resp.Status)
	}
	if resp.ContentLength > shared.MaxDownloadSize {
		return nil, fmt.Errorf("asset exceeds max size of %d bytes", int64(shared.MaxDownloadSize))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, shared.MaxDownloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > shared.MaxDownloadSize {
		return nil, fmt.Errorf("asset exceeds max size of %d bytes", int64(shared.MaxDownloadSize))
	}
	if len(data) == 0 {
		return nil, errors.New("empty asset body")
	}
	return data, nil
}
