// 可执行文件验证：在替换自身之前确认候选二进制真的能跑起来。
package shared

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// VerifyExecutable 用无副作用的参数调起候选二进制，确认它能正常执行。
// 下载损坏、架构不匹配（exec format error）都会在这里暴露。
func VerifyExecutable(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("executable path is empty")
	}

	var lastErr error
	for _, args := range [][]string{{"--version"}, {"version"}, {"-v"}} {
		_, err := runProbeCommand(path, args)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			// 跑起来但没退出，说明二进制本身是可执行的
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func runProbeCommand(path string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	out, err := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return string(out), context.DeadlineExceeded
	}
	return string(out), err
}
