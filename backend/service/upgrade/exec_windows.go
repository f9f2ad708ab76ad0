//go:build windows

package upgrade

import (
	"os"
	"os/exec"
)

// Windows 没有 execve：起新进程后退出自己
func reexec(argv0 string, argv, envv []string) error {
	cmd := exec.Command(argv0, argv[1:]...)
	cmd.Env = envv
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	os.Exit(0)
	return nil
}
