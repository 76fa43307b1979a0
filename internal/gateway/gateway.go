// Package gateway is the long-running service harness: it owns the
// durable stores, the control socket, the inbox watcher, the prune
// ticker, and the worker pool, and wires them into the turn pipeline.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/approval"
	"switchboard/internal/convo"
	"switchboard/internal/events"
	"switchboard/internal/ledger"
	"switchboard/internal/lock"
	"switchboard/internal/model"
	"switchboard/internal/notify"
	"switchboard/internal/pipeline"
	"switchboard/internal/queue"
	"switchboard/internal/runspec"
	"switchboard/internal/uds"
	"switchboard/internal/worker"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Options are the injectable collaborators. Zero values fall back to
// the built-in defaults (keyword planner, prefix identity, file outbox
// delivery, unconfigured search/generation backends).
type Options struct {
	Searcher  runspec.Searcher
	Generator runspec.Generator
	Identity  pipeline.Identity
	Planner   pipeline.Planner
	Tasks     pipeline.TaskStore
	Deliver   notify.DeliverFunc
	LogWriter io.Writer
}

// Gateway is the assembled daemon process.
type Gateway struct {
	cfg      model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	ledger   *ledger.Ledger
	queue    *queue.Queue
	gate     *approval.Gate
	leases   *approval.LeaseSet
	convo    *convo.Store
	emitter  *events.Emitter
	sink     *notify.Queue
	outbox   *notify.FileOutbox
	pipeline *pipeline.Pipeline
	workers  []*worker.Worker

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
	shutdown sync.Once

	forceExit atomic.Bool
}

// New assembles a Gateway from config. Nothing starts running until
// Run; New only opens stores and wires components.
func New(cfg model.Config, opts Options) (*Gateway, error) {
	home := cfg.Gateway.Home
	if home == "" {
		home = model.DefaultConfig().Gateway.Home
	}
	for _, dir := range []string{
		home,
		filepath.Join(home, "logs"),
		filepath.Join(home, "locks"),
		cfg.Gateway.InboxDir,
		cfg.Gateway.Workspace,
	} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	logWriter := opts.LogWriter
	var logCloser io.Closer
	if logWriter == nil {
		logPath := filepath.Join(home, "logs", "gateway.log")
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open gateway log: %w", err)
		}
		logWriter = f
		logCloser = f
	}
	logger := log.New(logWriter, "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:      cfg,
		logLevel: parseLogLevel(cfg.Logging.Level),
		logger:   logger,
		logFile:  logCloser,
		fileLock: lock.NewFileLock(filepath.Join(home, "locks", "gateway.lock")),
		server:   uds.NewServer(filepath.Join(home, uds.DefaultSocketName)),
		ctx:      ctx,
		cancel:   cancel,
	}
	g.server.SetLogger(logger)

	if err := g.buildComponents(opts); err != nil {
		cancel()
		g.closeStores()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) buildComponents(opts Options) error {
	home := g.homeDir()
	lockMap := lock.NewMutexMap()

	led, err := ledger.New(ledger.Options{
		SnapshotPath: filepath.Join(home, "run_ledger.yaml"),
		HomeDir:      home,
		Retention:    time.Duration(g.cfg.Ledger.RetentionHours) * time.Hour,
		MaxRuns:      g.cfg.Ledger.MaxRuns,
	})
	if err != nil {
		return fmt.Errorf("open run ledger: %w", err)
	}
	g.ledger = led

	g.queue = queue.New(filepath.Join(home, "job_queue.yaml"), home, lockMap, g.cfg.Queue.LeaseSec)
	g.gate = approval.NewGate(time.Duration(g.cfg.Approvals.TTLSec) * time.Second)
	g.leases = approval.NewLeaseSet()

	convoPath := g.cfg.Convo.Path
	if convoPath == "" {
		convoPath = filepath.Join(home, "conversation.db")
	}
	store, err := convo.Open(convoPath)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	g.convo = store

	audit, err := events.NewAuditLogger(filepath.Join(home, "logs", "audit.jsonl"), 0)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	g.emitter = events.NewEmitter(events.NewBus(64), audit, g.logger)

	g.outbox = notify.NewFileOutbox(filepath.Join(home, "outbox"))
	deliver := opts.Deliver
	if deliver == nil {
		deliver = g.outbox.Deliver
	}
	g.sink = notify.NewQueue(0, deliver, g.logger)

	identity := opts.Identity
	if identity == nil {
		identity = PrefixIdentity{}
	}
	planner := opts.Planner
	if planner == nil {
		planner = KeywordPlanner{}
	}
	searcher := opts.Searcher
	if searcher == nil {
		searcher = unconfiguredSearcher{}
	}
	generator := opts.Generator
	if generator == nil {
		generator = unconfiguredGenerator{}
	}

	g.pipeline = pipeline.New(pipeline.Deps{
		Config:   g.cfg,
		Ledger:   g.ledger,
		Queue:    g.queue,
		Gate:     g.gate,
		Leases:   g.leases,
		Identity: identity,
		Planner:  planner,
		Convo:    convoSink{store: g.convo},
		Tasks:    opts.Tasks,
		Emitter:  g.emitter,
		Logger:   g.logger,
	})

	executor := runspec.NewExecutor(searcher, generator, g.sink, g.cfg.Gateway.Workspace, g.emitter)
	count := g.cfg.Worker.Count
	if count <= 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		g.workers = append(g.workers, worker.New(worker.Options{
			Queue:        g.queue,
			Executor:     executor,
			Handler:      g.pipeline,
			Gate:         g.gate,
			Sink:         g.sink,
			Emitter:      g.emitter,
			Logger:       g.logger,
			PollInterval: time.Duration(g.cfg.Worker.PollIntervalSec) * time.Second,
		}))
	}
	return nil
}

// Run starts the gateway and blocks until shutdown completes.
func (g *Gateway) Run() error {
	if err := g.fileLock.TryLock(); err != nil {
		return fmt.Errorf("gateway lock: %w", err)
	}
	g.log(LogLevelInfo, "gateway starting pid=%d home=%s", os.Getpid(), g.homeDir())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		g.cleanup()
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	g.watcher = watcher
	if err := watcher.Add(g.inboxDir()); err != nil {
		g.cleanup()
		return fmt.Errorf("watch inbox %s: %w", g.inboxDir(), err)
	}

	scanInterval := g.cfg.Gateway.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 10
	}
	g.ticker = time.NewTicker(time.Duration(scanInterval) * time.Second)

	g.registerHandlers()
	if err := g.server.Start(); err != nil {
		g.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}
	g.log(LogLevelInfo, "control socket listening path=%s", filepath.Join(g.homeDir(), uds.DefaultSocketName))

	g.group, g.groupCtx = errgroup.WithContext(g.ctx)
	g.group.Go(g.inboxLoop)
	g.group.Go(g.tickerLoop)
	for _, w := range g.workers {
		w := w
		g.group.Go(func() error { return w.Run(g.groupCtx) })
	}

	// Catch up on messages dropped while the gateway was down.
	g.scanInbox()
	g.log(LogLevelInfo, "gateway ready workers=%d", len(g.workers))

	g.waitSignals()
	return nil
}

func (g *Gateway) inboxLoop() error {
	for {
		select {
		case <-g.groupCtx.Done():
			return nil
		case event, ok := <-g.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				g.log(LogLevelDebug, "inbox event=%s file=%s", event.Op, event.Name)
				g.handleInboxFile(event.Name)
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return nil
			}
			g.log(LogLevelError, "inbox watcher error=%v", err)
		}
	}
}

func (g *Gateway) tickerLoop() error {
	for {
		select {
		case <-g.groupCtx.Done():
			return nil
		case <-g.ticker.C:
			g.scanInbox()
			if pruned := g.ledger.Prune(); pruned > 0 {
				g.log(LogLevelDebug, "ledger_pruned count=%d", pruned)
			}
		}
	}
}

func (g *Gateway) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	g.log(LogLevelInfo, "received signal=%s, shutting down", sig)

	go func() {
		<-sigCh
		g.log(LogLevelWarn, "received second signal, forcing exit")
		g.forceExit.Store(true)
		os.Exit(1)
	}()

	g.Shutdown()
}

// Shutdown stops the gateway gracefully. Idempotent.
func (g *Gateway) Shutdown() {
	g.shutdown.Do(func() {
		g.log(LogLevelInfo, "shutdown started")

		g.cancel()
		if g.ticker != nil {
			g.ticker.Stop()
		}
		if g.watcher != nil {
			_ = g.watcher.Close()
		}
		if g.server != nil {
			_ = g.server.Stop()
		}

		timeout := g.cfg.Gateway.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		done := make(chan struct{})
		go func() {
			if g.group != nil {
				_ = g.group.Wait()
			}
			close(done)
		}()
		select {
		case <-done:
			g.log(LogLevelInfo, "loops drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			g.log(LogLevelWarn, "shutdown timeout after %ds", timeout)
		}

		g.cleanup()
		g.log(LogLevelInfo, "gateway stopped")
	})
}

func (g *Gateway) cleanup() {
	g.closeStores()
	g.fileLock.Unlock()
	if g.logFile != nil {
		_ = g.logFile.Close()
	}
}

func (g *Gateway) closeStores() {
	if g.sink != nil {
		g.sink.Close()
	}
	if g.emitter != nil {
		g.emitter.Close()
	}
	if g.convo != nil {
		_ = g.convo.Close()
	}
	if g.ledger != nil {
		g.ledger.Close()
	}
}

func (g *Gateway) homeDir() string {
	if g.cfg.Gateway.Home != "" {
		return g.cfg.Gateway.Home
	}
	return model.DefaultConfig().Gateway.Home
}

func (g *Gateway) inboxDir() string {
	if g.cfg.Gateway.InboxDir != "" {
		return g.cfg.Gateway.InboxDir
	}
	return filepath.Join(g.homeDir(), "inbox")
}

func (g *Gateway) log(level LogLevel, format string, args ...any) {
	if level < g.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	g.logger.Printf("%s %s gateway: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
