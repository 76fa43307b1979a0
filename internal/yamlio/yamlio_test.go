package yamlio

import (
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.yaml")

	data := map[string]any{"key": "value", "count": 42}
	if err := AtomicWrite(path, data); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	var result map[string]any
	if err := Load(path, &result); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.yaml")

	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	var bakData map[string]string
	if err := Load(path+".bak", &bakData); err != nil {
		t.Fatalf("Load .bak failed: %v", err)
	}
	if bakData["version"] != "1" {
		t.Errorf("backup version: got %q, want %q", bakData["version"], "1")
	}

	var curData map[string]string
	if err := Load(path, &curData); err != nil {
		t.Fatalf("Load current failed: %v", err)
	}
	if curData["version"] != "2" {
		t.Errorf("current version: got %q, want %q", curData["version"], "2")
	}
}

func TestAtomicWriteRaw_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.yaml")

	if err := AtomicWriteRaw(path, []byte("key: [unclosed")); err == nil {
		t.Error("expected validation error for invalid YAML")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid write should not create the target file")
	}
}

func TestLoad_Missing(t *testing.T) {
	var out map[string]any
	err := Load(filepath.Join(t.TempDir(), "absent.yaml"), &out)
	if !os.IsNotExist(err) {
		t.Errorf("expected IsNotExist, got %v", err)
	}
}

func TestRecoverCorruptedFile(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "store.yaml")

	// Good snapshot, then a good rewrite so a .bak exists, then corrupt
	// the live file.
	if err := AtomicWrite(path, map[string]string{"v": "1"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"v": "2"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("{{{not yaml"), 0644); err != nil {
		t.Fatalf("corrupt failed: %v", err)
	}

	if err := RecoverCorruptedFile(home, path); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	var data map[string]string
	if err := Load(path, &data); err != nil {
		t.Fatalf("Load after recover failed: %v", err)
	}
	if data["v"] != "1" {
		t.Errorf("restored version: got %q, want %q (from .bak)", data["v"], "1")
	}

	entries, err := os.ReadDir(filepath.Join(home, "quarantine"))
	if err != nil || len(entries) != 1 {
		t.Errorf("expected one quarantined file, got %v err=%v", entries, err)
	}

	// Verify yamlv3 can parse the restored file end to end.
	content, _ := os.ReadFile(path)
	var v any
	if err := yamlv3.Unmarshal(content, &v); err != nil {
		t.Errorf("restored file does not parse: %v", err)
	}
}
