package shared

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic 在目标同目录写临时文件，成功后 rename 到位。
// rename 在同一文件系统内是原子的，进程中途被杀不会留下半截文件。
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	// rename 成功后临时文件已不在，这里只清理失败路径的残留
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		// Windows 的 rename 不覆盖已存在文件，删掉旧文件再试一次
		os.Remove(path)
		return os.Rename(tmpName, path)
	}
	return nil
}
