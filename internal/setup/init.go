// Package setup initializes a switchboard home directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"switchboard/internal/model"
	"switchboard/internal/yamlio"
	"switchboard/templates"
)

const homeDirName = ".switchboard"

// Run creates the .switchboard/ structure inside projectDir: config,
// inbox/outbox, workspace, empty store snapshots. Refuses to touch an
// existing home directory.
func Run(projectDir string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, homeDirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"inbox",
		"outbox",
		filepath.Join("workspace", "documents"),
		"logs",
		"locks",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(base)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := yamlio.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := copyTemplateFile("readme.md", filepath.Join(base, "README.md")); err != nil {
		return err
	}

	// Seed empty store snapshots so first load skips the recovery path.
	if err := writeSchemaFile(filepath.Join(base, "job_queue.yaml"), model.JobQueueFileType, "jobs"); err != nil {
		return err
	}
	if err := writeSchemaFile(filepath.Join(base, "run_ledger.yaml"), "run_ledger", "runs"); err != nil {
		return err
	}

	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// generateConfig layers the home paths over the template config.
func generateConfig(base string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	cfg := model.DefaultConfig()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	cfg.Gateway.Home = base
	cfg.Gateway.Workspace = filepath.Join(base, "workspace")
	cfg.Gateway.InboxDir = filepath.Join(base, "inbox")
	cfg.Convo.Path = filepath.Join(base, "conversation.db")
	if cfg.Policy.Capabilities == nil {
		cfg.Policy.Capabilities = model.DefaultCapabilities()
	}
	return &cfg, nil
}

func writeSchemaFile(path, fileType, listField string) error {
	content := fmt.Sprintf("schema_version: 1\nfile_type: %q\n%s: []\n", fileType, listField)
	return yamlio.AtomicWriteRaw(path, []byte(content))
}
