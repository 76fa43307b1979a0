package notify

import (
	"fmt"
	"os"
	"path/filepath"

	"switchboard/internal/yamlio"
)

// FileOutbox delivers notifications as one YAML file each under an
// outbox directory. Channel transports watch the directory and pick
// deliveries up; the gateway never talks to a transport directly.
type FileOutbox struct {
	dir string
}

func NewFileOutbox(dir string) *FileOutbox {
	return &FileOutbox{dir: dir}
}

type outboxFile struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Notification  Notification `yaml:"notification"`
}

const (
	outboxSchemaVersion = 1
	outboxFileType      = "notification"
)

// Deliver writes the notification atomically into the outbox.
func (o *FileOutbox) Deliver(n Notification) error {
	if err := os.MkdirAll(o.dir, 0755); err != nil {
		return fmt.Errorf("create outbox dir: %w", err)
	}
	path := filepath.Join(o.dir, n.ID+".yaml")
	file := outboxFile{
		SchemaVersion: outboxSchemaVersion,
		FileType:      outboxFileType,
		Notification:  n,
	}
	return yamlio.AtomicWrite(path, &file)
}

// Read loads a delivery back from the outbox, for transports and tests.
func (o *FileOutbox) Read(id string) (Notification, error) {
	var file outboxFile
	if err := yamlio.Load(filepath.Join(o.dir, id+".yaml"), &file); err != nil {
		return Notification{}, err
	}
	if file.FileType != outboxFileType {
		return Notification{}, fmt.Errorf("unexpected file_type %q in outbox entry %s", file.FileType, id)
	}
	return file.Notification, nil
}
