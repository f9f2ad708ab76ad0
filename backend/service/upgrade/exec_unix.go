//go:build !windows

package upgrade

import "syscall"

// reexec 用新二进制替换当前进程镜像，透传原始参数
func reexec(argv0 string, argv, envv []string) error {
	return syscall.Exec(argv0, argv, envv)
}
