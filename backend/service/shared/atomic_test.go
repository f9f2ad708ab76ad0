package shared

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWriteAtomic_ReplacesExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "config.json")

	if err := WriteAtomic(target, []byte("old"), 0o600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteAtomic(target, []byte("new"), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "new" {
		t.Fatalf("expected replaced content, got %q", data)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(target)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if got := info.Mode().Perm(); got != 0o600 {
			t.Fatalf("expected mode 0600, got %v", got)
		}
	}

	// 临时文件不允许残留
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the target file, got %v", entries)
	}
}

func TestWriteAtomic_CreatesParentDirectory(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "nested", "state.json")
	if err := WriteAtomic(target, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected file to exist, got %v", err)
	}
}
