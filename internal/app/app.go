// Package app wires the event distribution server together: the event
// bus, the batcher, the push and polling transports, and the resilience
// manager, plus the HTTP surface clients and producers talk to.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dshills/beacon/internal/batch"
	"github.com/dshills/beacon/internal/config"
	"github.com/dshills/beacon/internal/event"
	"github.com/dshills/beacon/internal/event/topic"
	"github.com/dshills/beacon/internal/observability"
	"github.com/dshills/beacon/internal/resilience"
	"github.com/dshills/beacon/internal/transport"
)

// Options configures the application.
type Options struct {
	// ConfigPath is the path to the TOML configuration file. Empty means
	// built-in defaults.
	ConfigPath string

	// Addr overrides the configured listen address when non-empty.
	Addr string

	// LogLevel overrides the configured log level when non-empty.
	LogLevel string
}

// App is the assembled event distribution server.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	bus     event.Bus
	batcher *batch.Batcher
	push    *transport.Websocket
	poll    *transport.Polling
	manager *resilience.Manager

	clients *clientSet
	watcher *config.Watcher

	server *http.Server
	addr   string
	mu     sync.Mutex

	done chan struct{}
}

// New builds the application from its options. Components are created in
// dependency order; nothing is listening until Start.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Logging)
	metrics := observability.NewMetricsRecorder()

	a := &App{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	a.bus = event.NewBus(
		event.WithLogger(logger),
		event.WithMetrics(metrics),
	)

	a.batcher = batch.New(cfg.Batch.BatcherConfig(), a.onFlush,
		batch.WithLogger(logger),
		batch.WithMetrics(metrics),
	)

	hooks := transport.Hooks{
		OnConnect:    a.onClientConnect,
		OnDisconnect: a.onClientChannelLost,
		OnControl:    a.onControlFrame,
		OnActivity:   a.onClientActivity,
	}
	a.push = transport.NewWebsocket(transport.WebsocketConfig{}, hooks,
		transport.WithWebsocketLogger(logger),
		transport.WithWebsocketMetrics(metrics),
	)
	a.poll = transport.NewPolling(transport.PollingConfig{
		IdleTimeout: time.Duration(cfg.Resilience.PollIdleTimeoutMs) * time.Millisecond,
	}, hooks,
		transport.WithPollingLogger(logger),
		transport.WithPollingMetrics(metrics),
	)

	a.manager = resilience.NewManager(cfg.Resilience.ManagerConfig(), a.push, a.poll,
		resilience.WithBatchControl(a.batcher),
		resilience.WithEvictionHook(a.onClientEvicted),
		resilience.WithManagerLogger(logger),
		resilience.WithManagerMetrics(metrics),
	)

	a.clients = newClientSet(a.bus, cfg.Bus.SubscriptionBuffer, a.enqueue, logger)

	if opts.ConfigPath != "" {
		w, err := config.WatchFile(opts.ConfigPath, a.onConfigReload,
			config.WithWatcherLogger(logger))
		if err != nil {
			observability.LogWarn(logger, "config watch unavailable",
				"path", opts.ConfigPath, "error", err)
		} else {
			a.watcher = w
		}
	}

	return a, nil
}

// Start brings the bus and manager up and begins serving HTTP. It returns
// once the listener is bound; serving continues in the background.
func (a *App) Start() error {
	if err := a.bus.Start(); err != nil {
		return fmt.Errorf("starting bus: %w", err)
	}
	a.manager.Start()

	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Server.Addr, err)
	}

	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.server = &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := a.server
	a.mu.Unlock()

	observability.LogInfo(a.logger, "server listening", "addr", a.addr)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.LogError(a.logger, "server stopped", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when the configured port
// was zero.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Shutdown stops the application gracefully: the HTTP server first so no
// new work arrives, then the batcher (final flush), the manager, the
// transports, and the bus last.
func (a *App) Shutdown(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	default:
		close(a.done)
	}

	if a.watcher != nil {
		_ = a.watcher.Close()
	}

	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()
	var firstErr error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}

	a.batcher.Close()
	a.manager.Stop()
	a.push.Close()
	a.clients.closeAll()

	if err := a.bus.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	observability.LogInfo(a.logger, "server stopped")
	return firstErr
}

// Publish feeds a producer event into the bus.
func (a *App) Publish(ctx context.Context, eventType topic.Topic, payload any, source string) error {
	return a.bus.PublishFrom(ctx, eventType, payload, source)
}

// Announce pushes a system message to every connected client, bypassing
// subscriptions and batching. The envelope never enters the bus, so it
// carries sequence zero, the out-of-band marker clients exclude from gap
// detection.
func (a *App) Announce(eventType topic.Topic, payload any) {
	evt := event.New(eventType, payload, "system")
	a.manager.Broadcast(event.NewEnvelope(evt), nil)
}

// Bus exposes the event bus for in-process producers.
func (a *App) Bus() event.Bus { return a.bus }

// onFlush routes batched envelopes to their clients. The coalescing key
// carries the client ID prefix; see clientSet.enqueue.
func (a *App) onFlush(category string, entries []batch.Entry) {
	for _, e := range entries {
		clientID, ok := splitClientKey(e.Key)
		if !ok {
			continue
		}
		if err := a.manager.Deliver(clientID, e.Envelope); err != nil {
			observability.LogDebug(a.logger, "delivery skipped",
				"client", clientID, "error", err)
		}
	}
}

// enqueue hands one matched event to the batcher under the client's
// composite key.
func (a *App) enqueue(clientID string, evt event.Event) {
	category := evt.Type.Root()
	key := clientKey(clientID, coalescingKey(evt))
	if err := a.batcher.Offer(category, key, evt); err != nil {
		observability.LogDebug(a.logger, "offer rejected",
			"client", clientID, "error", err)
	}
}

// Transport hook callbacks.

func (a *App) onClientConnect(clientID string) {
	a.manager.HandleConnect(clientID)
}

func (a *App) onClientChannelLost(clientID string) {
	a.manager.HandleChannelLost(clientID)
}

func (a *App) onClientActivity(clientID string) {
	a.manager.RecordActivity(clientID)
}

// onClientEvicted drops subscriptions for a polling client the manager
// retired after its outbox sat idle past the configured timeout.
func (a *App) onClientEvicted(clientID string) {
	a.clients.drop(clientID)
}

func (a *App) onControlFrame(clientID string, frame transport.ControlFrame) {
	switch frame.Action {
	case transport.ActionSubscribe:
		if err := a.clients.subscribe(clientID, topic.Topic(frame.Pattern)); err != nil {
			observability.LogWarn(a.logger, "subscribe rejected",
				"client", clientID, "pattern", frame.Pattern, "error", err)
		}
	case transport.ActionUnsubscribe:
		a.clients.unsubscribe(clientID, topic.Topic(frame.Pattern))
	default:
		observability.LogWarn(a.logger, "unknown control action",
			"client", clientID, "action", frame.Action)
	}
}

// onConfigReload applies a validated config revision. Only batch windows
// take effect live; everything else needs a restart.
func (a *App) onConfigReload(cfg config.Config) {
	a.batcher.SetWindows(cfg.Batch.BatcherConfig())
	observability.LogInfo(a.logger, "batch windows reloaded")
}
