package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"switchboard/internal/model"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	if err := Run(projectDir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, ".switchboard")

	expectedDirs := []string{
		"inbox",
		"outbox",
		"workspace/documents",
		"logs",
		"locks",
		"quarantine",
	}
	for _, d := range expectedDirs {
		path := filepath.Join(base, d)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestRun_WritesConfigWithHomePaths(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, ".switchboard")
	data, err := os.ReadFile(filepath.Join(base, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}

	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}
	if cfg.Gateway.Home != base {
		t.Errorf("gateway.home: got %q, want %q", cfg.Gateway.Home, base)
	}
	if cfg.Gateway.Workspace != filepath.Join(base, "workspace") {
		t.Errorf("gateway.workspace: got %q", cfg.Gateway.Workspace)
	}
	if cfg.Gateway.InboxDir != filepath.Join(base, "inbox") {
		t.Errorf("gateway.inbox_dir: got %q", cfg.Gateway.InboxDir)
	}
	if cfg.Policy.ApprovalMode != "balanced" {
		t.Errorf("policy.approval_mode: got %q", cfg.Policy.ApprovalMode)
	}
	if len(cfg.Policy.Capabilities) == 0 {
		t.Error("expected default capabilities to be filled in")
	}
}

func TestRun_SeedsStoreSnapshots(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, ".switchboard")

	queueData, err := os.ReadFile(filepath.Join(base, "job_queue.yaml"))
	if err != nil {
		t.Fatalf("read job_queue.yaml: %v", err)
	}
	if !strings.Contains(string(queueData), `file_type: "job_queue"`) {
		t.Errorf("job_queue.yaml missing file_type header: %s", queueData)
	}

	ledgerData, err := os.ReadFile(filepath.Join(base, "run_ledger.yaml"))
	if err != nil {
		t.Fatalf("read run_ledger.yaml: %v", err)
	}
	if !strings.Contains(string(ledgerData), `file_type: "run_ledger"`) {
		t.Errorf("run_ledger.yaml missing file_type header: %s", ledgerData)
	}

	if _, err := os.Stat(filepath.Join(base, "README.md")); err != nil {
		t.Errorf("README.md not seeded: %v", err)
	}
}

func TestRun_RefusesExistingHome(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	err := Run(projectDir)
	if err == nil {
		t.Fatal("expected error for existing .switchboard/")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("unexpected error: %v", err)
	}
}
