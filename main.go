package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"boxpanel/backend/api"
	"boxpanel/backend/service"
	"boxpanel/backend/store"
	"boxpanel/backend/tasks"
)

// version 构建时通过 -ldflags "-X main.version=vX.Y.Z" 注入
var version = "v0.1.0"

const defaultUpgradeFeed = "https://api.github.com/repos/boxpanel/boxpanel/releases/latest"

func main() {
	os.Exit(run())
}

func run() int {
	// version 子命令要在 flag 解析前拦掉：升级验证会用它探测候选二进制
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v", "-version":
			fmt.Printf("boxpanel %s\n", version)
			return 0
		}
	}

	configPath := flag.String("config", "config.yaml", "path to panel config")
	addr := flag.String("addr", "", "HTTP listen address (overrides config port)")
	feedURL := flag.String("feed", defaultUpgradeFeed, "release feed for self-upgrade")
	dev := flag.Bool("dev", false, "enable development mode with verbose logging")
	flag.Parse()

	if *dev {
		gin.SetMode(gin.DebugMode)
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("运行在开发模式 - 显示所有日志")
	} else {
		gin.SetMode(gin.ReleaseMode)
		log.SetFlags(log.LstdFlags)
	}

	cfg, err := store.LoadFile(*configPath)
	if err != nil {
		log.Printf("load config failed: %v", err)
		return 1
	}
	snapshot := cfg.Get()
	home := snapshot.EffectiveHome()

	appLogPath, appLogStartedAt, closeAppLog := setupAppLogging(home)
	if closeAppLog != nil {
		defer closeAppLog()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc := service.New(cfg, version, *feedURL)
	svc.SetAppLog(appLogPath, appLogStartedAt)

	// 开机合成并拉起内核。失败不退出：面板要保持可用，
	// 用户可以通过 API 修配置后重试。
	if err := svc.RefreshSubscriptions(ctx); err != nil {
		log.Printf("启动时合成配置失败: %v", err)
	} else if err := svc.StartEngine(ctx); err != nil {
		log.Printf("启动时拉起内核失败: %v", err)
	}

	tasks.NewScheduler(svc, time.Duration(snapshot.RefreshMinutes)*time.Minute).Start(ctx)

	listen := *addr
	if listen == "" {
		listen = fmt.Sprintf(":%d", snapshot.EffectivePort())
	}
	srv := &http.Server{
		Addr:    listen,
		Handler: api.NewRouter(svc),
	}

	cleanupDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Println("收到退出信号，正在清理...")

		if err := svc.StopEngine(); err != nil {
			log.Printf("停止内核失败: %v", err)
		} else {
			log.Println("内核已停止")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
		close(cleanupDone)
	}()

	log.Printf("server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("listen: %v", err)
		cancel()
		<-cleanupDone
		return 1
	}
	<-cleanupDone
	return 0
}

func setupAppLogging(home string) (path string, startedAt time.Time, closeFn func()) {
	startedAt = time.Now()
	path = filepath.Join(home, "panel.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("[AppLog] create log dir failed: %v", err)
		return "", time.Time{}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		log.Printf("[AppLog] open log file failed (%s): %v", path, err)
		return "", time.Time{}, nil
	}

	_, _ = fmt.Fprintf(f, "----- app start %s pid=%d -----\n", startedAt.Format(time.RFC3339Nano), os.Getpid())
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.Printf("[AppLog] writing to %s", path)
	return path, startedAt, func() { _ = f.Close() }
}
