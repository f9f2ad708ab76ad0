package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"boxpanel/backend/service/shared"
)

// 错误定义
var (
	ErrAlreadyRunning     = errors.New("engine is already running")
	ErrNotRunning         = errors.New("engine is not running")
	ErrConnectivityFailed = errors.New("engine started but connectivity check failed")
)

// ImmediateExitError 内核在 settle 窗口内就退出了（配置错误、端口冲突等）
type ImmediateExitError struct {
	Code int
}

func (e *ImmediateExitError) Error() string {
	return fmt.Sprintf("engine exited immediately with code %d", e.Code)
}

// BinaryName 受管内核的二进制名
const BinaryName = "sing-box"

const (
	// settleInterval：spawn 后先等一小段，“秒退”在这里拦下来
	settleInterval = 500 * time.Millisecond
	// initInterval：内核拉起网络接口需要时间，过早探测必然失败
	initInterval = 3 * time.Second

	probeAttempts = 3
	probeBackoff  = 2 * time.Second

	// stop 的宽限窗口：先 SIGTERM 等这么久，还活着再强杀
	gracefulStopWait = 3 * time.Second
	stopPollInterval = 100 * time.Millisecond

	// restart 中间停顿，给 OS 时间释放端口/接口
	restartPause = 500 * time.Millisecond
)

// processHandle 单个受管进程
type processHandle struct {
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{}
}

// Supervisor 内核进程监督器：全局至多一个受管进程。
// 所有状态迁移都在 mu 内完成（持锁覆盖整个迁移，而不只是句柄交换），
// 并发的 start/stop/restart 串行执行而不是在半启动的进程上竞争。
type Supervisor struct {
	mu     sync.Mutex
	handle *processHandle

	home       string
	binaryName string
	probeURL   string

	// 测试注入点
	probe      func(ctx context.Context) error
	settleWait time.Duration
	initWait   time.Duration
	stopWait   time.Duration
}

// NewSupervisor 创建监督器；home 下应有内核二进制与合成出的 config.json。
func NewSupervisor(home, probeURL string) *Supervisor {
	s := &Supervisor{
		home:       home,
		binaryName: BinaryName,
		probeURL:   probeURL,
		settleWait: settleInterval,
		initWait:   initInterval,
		stopWait:   gracefulStopWait,
	}
	s.probe = func(ctx context.Context) error {
		return shared.ProbeWithRetry(ctx, s.probeURL, probeAttempts, probeBackoff)
	}
	return s
}

// BinaryPath 内核二进制完整路径
func (s *Supervisor) BinaryPath() string {
	return filepath.Join(s.home, s.binaryName)
}

// Start 启动内核并用连通性探测做启动门禁。
// 已在运行返回 ErrAlreadyRunning；探测失败会先回收进程再报错。
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	s.reapLocked()
	if s.handle != nil {
		return ErrAlreadyRunning
	}

	cmd := exec.Command(s.BinaryPath(), "run", "-c", filepath.Join(s.home, "config.json"))
	cmd.Dir = s.home
	cmd.Stdout = nil
	// 内核日志走自己的 box.log；stderr 透传便于现场诊断
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "PATH="+s.home+string(os.PathListSeparator)+os.Getenv("PATH"))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", s.binaryName, err)
	}

	handle := &processHandle{
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go monitorProcess(handle)

	// settle：秒退的进程在这里拦下
	select {
	case <-handle.done:
		return &ImmediateExitError{Code: exitCode(cmd)}
	case <-time.After(s.settleWait):
	}

	s.handle = handle

	// 初始化等待：内核拉起 tun/路由需要数秒
	select {
	case <-handle.done:
		s.handle = nil
		return &ImmediateExitError{Code: exitCode(cmd)}
	case <-time.After(s.initWait):
	}

	if err := s.probe(ctx); err != nil {
		// 启动了但没有网络 == 没启动；回收进程，不留半死状态
		log.Printf("[Engine] 连通性探测失败，回收内核进程: %v", err)
		s.stopHandleLocked()
		return fmt.Errorf("%w: %v", ErrConnectivityFailed, err)
	}

	log.Printf("[Engine] 内核已启动 (pid=%d)", cmd.Process.Pid)
	return nil
}

// Stop 停止内核。幂等：已停止时直接成功。
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopHandleLocked()
	return nil
}

// Restart 先停后启，中间短暂停顿让 OS 释放端口/接口。
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopHandleLocked()
	time.Sleep(restartPause)
	return s.startLocked(ctx)
}

// Status 非阻塞状态查询。进程已退出时顺手清掉句柄（自愈回 Stopped）。
type Status struct {
	Running   bool      `json:"running"`
	Busy      bool      `json:"busy,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	UptimeSec int64     `json:"uptimeSec,omitempty"`
}

func (s *Supervisor) Status() Status {
	if !s.mu.TryLock() {
		// 正在 start/stop/restart：不等锁，直接报 busy
		return Status{Busy: true}
	}
	defer s.mu.Unlock()

	s.reapLocked()
	if s.handle == nil {
		return Status{}
	}
	return Status{
		Running:   true,
		PID:       s.handle.cmd.Process.Pid,
		StartedAt: s.handle.startedAt,
		UptimeSec: int64(time.Since(s.handle.startedAt).Seconds()),
	}
}

// Running 内核是否在运行（会先自愈已退出的句柄）
func (s *Supervisor) Running() bool {
	return s.Status().Running
}

// ========== 内部方法 ==========

// reapLocked 回收已经自己退出的进程句柄
func (s *Supervisor) reapLocked() {
	if s.handle == nil {
		return
	}
	select {
	case <-s.handle.done:
		log.Printf("[Engine] 检测到内核已退出，清理句柄")
		s.handle = nil
	default:
	}
}

// stopHandleLocked 优雅停止：SIGTERM → 限时等待 → SIGKILL → 等 OS 确认退出。
// 内核替整机管着内核态路由规则，跳过 SIGTERM 直接强杀会留下孤儿规则。
func (s *Supervisor) stopHandleLocked() {
	handle := s.handle
	if handle == nil {
		return
	}

	select {
	case <-handle.done:
		s.handle = nil
		return
	default:
	}

	proc := handle.cmd.Process
	if runtime.GOOS == "windows" {
		_ = proc.Kill()
	} else if err := proc.Signal(syscall.SIGTERM); err != nil {
		log.Printf("[Engine] 发送 SIGTERM 失败: %v", err)
	}

	deadline := time.Now().Add(s.stopWait)
	for time.Now().Before(deadline) {
		select {
		case <-handle.done:
			s.handle = nil
			return
		case <-time.After(stopPollInterval):
		}
	}

	// 宽限期用完，强杀并阻塞到退出被确认
	log.Printf("[Engine] 内核未在 %v 内退出，强制结束", s.stopWait)
	_ = proc.Kill()
	<-handle.done
	s.handle = nil
}

func monitorProcess(handle *processHandle) {
	_ = handle.cmd.Wait()
	close(handle.done)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
