// Package notify is the gateway's outbound notification sink. Enqueue
// is fire-and-forget: the core never blocks on delivery and a full
// queue drops rather than stalls.
package notify

import (
	"log"
	"sync"
	"time"

	"switchboard/internal/model"
)

// Kind distinguishes plain replies from file attachments.
type Kind string

const (
	KindMessage Kind = "message"
	KindFile    Kind = "file"
)

// Notification is one outbound delivery for a channel transport.
type Notification struct {
	ID         string `yaml:"id"`
	SessionKey string `yaml:"session_key"`
	Channel    string `yaml:"channel,omitempty"`
	Kind       Kind   `yaml:"kind"`
	Text       string `yaml:"text,omitempty"`
	FilePath   string `yaml:"file_path,omitempty"`
	Caption    string `yaml:"caption,omitempty"`
	CreatedAt  string `yaml:"created_at"`
}

// Sink accepts notifications without blocking.
type Sink interface {
	Enqueue(n Notification)
}

// DeliverFunc hands one notification to a transport adapter.
type DeliverFunc func(n Notification) error

// Queue is an in-process sink draining into a delivery function on a
// background goroutine. Failed deliveries are logged and dropped; the
// transport owns its own retries.
type Queue struct {
	ch      chan Notification
	deliver DeliverFunc
	logger  *log.Logger

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

func NewQueue(size int, deliver DeliverFunc, logger *log.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	q := &Queue{
		ch:      make(chan Notification, size),
		deliver: deliver,
		logger:  logger,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.drained)
	for {
		select {
		case n := <-q.ch:
			q.deliverOne(n)
		case <-q.done:
			// Drain whatever is already buffered, then stop.
			for {
				select {
				case n := <-q.ch:
					q.deliverOne(n)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) deliverOne(n Notification) {
	if q.deliver == nil {
		return
	}
	if err := q.deliver(n); err != nil && q.logger != nil {
		q.logger.Printf("[WARN] notification_delivery_failed id=%s kind=%s err=%v", n.ID, n.Kind, err)
	}
}

// Enqueue queues a notification. Never blocks; a full queue drops the
// notification with a log line.
func (q *Queue) Enqueue(n Notification) {
	if n.ID == "" {
		n.ID = model.MustGenerateID(model.IDTypeNotice)
	}
	if n.CreatedAt == "" {
		n.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	select {
	case q.ch <- n:
	default:
		if q.logger != nil {
			q.logger.Printf("[WARN] notification_dropped id=%s kind=%s queue_full", n.ID, n.Kind)
		}
	}
}

// Close stops the loop after draining buffered notifications.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
	<-q.drained
}
