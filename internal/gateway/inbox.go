package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"switchboard/internal/notify"
	"switchboard/internal/pipeline"
)

// inboundFile is the on-disk shape transports drop into the inbox
// directory. One file per message; the gateway consumes and deletes.
type inboundFile struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	Message       inboundMessage `yaml:"message"`
}

type inboundMessage struct {
	Channel        string `yaml:"channel"`
	ChannelSession string `yaml:"channel_session"`
	Text           string `yaml:"text"`
	IdempotencyKey string `yaml:"idempotency_key,omitempty"`
	QueueMode      string `yaml:"queue_mode,omitempty"`
}

const inboundFileType = "inbound_message"

// scanInbox processes every message file already sitting in the inbox.
// Runs at startup and on the periodic tick so messages dropped while
// the watcher was down are not lost.
func (g *Gateway) scanInbox() {
	entries, err := os.ReadDir(g.inboxDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		g.handleInboxFile(filepath.Join(g.inboxDir(), entry.Name()))
	}
}

// handleInboxFile consumes one inbox message file: parse, run the
// pipeline, reply through the notification sink, delete the file.
// Malformed files are moved aside so they are not re-parsed forever.
func (g *Gateway) handleInboxFile(path string) {
	if !strings.HasSuffix(path, ".yaml") {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	msg, err := parseInbound(data)
	if err != nil {
		g.log(LogLevelWarn, "inbox_rejected file=%s err=%v", filepath.Base(path), err)
		g.rejectInboxFile(path)
		return
	}

	// Delete before dispatch: a crash mid-turn drops the message rather
	// than replaying it, and the ledger's idempotency key covers
	// transports that redeliver.
	_ = os.Remove(path)

	resp := g.pipeline.HandleInbound(g.ctx, pipeline.InboundMessage{
		Channel:          msg.Channel,
		ChannelSessionID: msg.ChannelSession,
		Text:             msg.Text,
		IdempotencyKey:   msg.IdempotencyKey,
		QueueMode:        msg.QueueMode,
	})
	g.log(LogLevelDebug, "inbox_handled file=%s kind=%s", filepath.Base(path), resp.Kind)

	if resp.Text != "" {
		g.sink.Enqueue(notify.Notification{
			SessionKey: msg.ChannelSession,
			Channel:    msg.Channel,
			Kind:       notify.KindMessage,
			Text:       resp.Text,
		})
	}
}

func parseInbound(data []byte) (inboundMessage, error) {
	var file inboundFile
	if err := yamlv3.Unmarshal(data, &file); err != nil {
		return inboundMessage{}, fmt.Errorf("parse inbound message: %w", err)
	}
	if file.FileType != inboundFileType {
		return inboundMessage{}, fmt.Errorf("unexpected file_type %q", file.FileType)
	}
	if file.SchemaVersion != 1 {
		return inboundMessage{}, fmt.Errorf("unsupported schema_version %d", file.SchemaVersion)
	}
	if strings.TrimSpace(file.Message.ChannelSession) == "" {
		return inboundMessage{}, fmt.Errorf("message has no channel_session")
	}
	return file.Message, nil
}

func (g *Gateway) rejectInboxFile(path string) {
	rejectedDir := filepath.Join(g.inboxDir(), "rejected")
	if err := os.MkdirAll(rejectedDir, 0755); err != nil {
		_ = os.Remove(path)
		return
	}
	dest := filepath.Join(rejectedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		_ = os.Remove(path)
	}
}
