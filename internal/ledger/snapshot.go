package ledger

import (
	"fmt"
	"os"
	"path/filepath"

	"switchboard/internal/model"
	"switchboard/internal/yamlio"
)

const (
	snapshotSchemaVersion = 1
	snapshotFileType      = "run_ledger"
)

type snapshotFile struct {
	SchemaVersion int               `yaml:"schema_version"`
	FileType      string            `yaml:"file_type"`
	Runs          []model.RunRecord `yaml:"runs"`
}

// loadSnapshot rebuilds in-memory state from disk. A corrupt file is
// quarantined and the ledger starts empty rather than refusing to
// boot. The active index and idempotency index are derived from the
// records, not persisted.
func (l *Ledger) loadSnapshot() error {
	if l.snapshotPath == "" {
		return nil
	}
	var file snapshotFile
	if err := yamlio.Load(l.snapshotPath, &file); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		if l.homeDir == "" {
			return fmt.Errorf("load run ledger: %w", err)
		}
		if rerr := yamlio.RecoverCorruptedFile(l.homeDir, l.snapshotPath); rerr != nil {
			// Quarantined with no usable backup: start empty.
			return nil
		}
		file = snapshotFile{}
		if err := yamlio.Load(l.snapshotPath, &file); err != nil {
			return nil
		}
		if file.SchemaVersion == 0 {
			return nil
		}
	}
	if file.SchemaVersion != snapshotSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d for run ledger (expected %d)", file.SchemaVersion, snapshotSchemaVersion)
	}
	if file.FileType != snapshotFileType {
		return fmt.Errorf("unexpected file_type %q for run ledger (expected %s)", file.FileType, snapshotFileType)
	}

	for i := range file.Runs {
		run := file.Runs[i]
		l.runs[run.ID] = &run
		l.order = append(l.order, run.ID)
		if run.Snapshot.IdempotencyKey != "" {
			l.idempotency[idemIndexKey(run.SessionKey, run.Snapshot.IdempotencyKey)] = run.ID
		}
		if !model.IsRunTerminal(run.Status) {
			l.activeBySession[run.SessionKey] = run.ID
		}
	}
	return nil
}

// persistLocked writes the snapshot best-effort. A failed write is
// counted but never fails the mutation that triggered it.
func (l *Ledger) persistLocked() {
	if l.snapshotPath == "" {
		return
	}
	file := snapshotFile{
		SchemaVersion: snapshotSchemaVersion,
		FileType:      snapshotFileType,
		Runs:          l.sortedRunsLocked(),
	}
	if err := os.MkdirAll(filepath.Dir(l.snapshotPath), 0755); err != nil {
		l.ioErrors++
		return
	}
	if err := yamlio.AtomicWrite(l.snapshotPath, &file); err != nil {
		l.ioErrors++
	}
}
