// Package agent assembles the daemon: storage, the forward service, the
// SSH connection pool and the control API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/orris-inc/sshfwd/internal/api"
	"github.com/orris-inc/sshfwd/internal/config"
	"github.com/orris-inc/sshfwd/internal/events"
	"github.com/orris-inc/sshfwd/internal/logger"
	"github.com/orris-inc/sshfwd/internal/metrics"
	"github.com/orris-inc/sshfwd/internal/registry"
	"github.com/orris-inc/sshfwd/internal/service"
	"github.com/orris-inc/sshfwd/internal/sshclient"
	"github.com/orris-inc/sshfwd/internal/status"
	"github.com/orris-inc/sshfwd/internal/store"
	"github.com/orris-inc/sshfwd/internal/traffic"
)

type Agent struct {
	cfg       *config.Config
	stores    *store.Set
	bus       *events.Bus
	svc       *service.Service
	pool      *sshclient.Pool
	server    *api.Server
	collector *status.Collector

	autoConnect map[string]bool

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// mu guards closing and every wg.Add made after Start.
	mu      sync.Mutex
	closing bool
}

// New builds every component from cfg. Nothing is started.
func New(cfg *config.Config) (*Agent, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	stores, err := store.Open(cfg.Storage, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(stores.Rules, stores.Templates)
	if err != nil {
		stores.Close()
		return nil, err
	}

	a := &Agent{
		cfg:         cfg,
		stores:      stores,
		bus:         events.NewBus(),
		collector:   status.NewCollector(cfg.DataDir),
		autoConnect: make(map[string]bool),
	}

	a.svc = service.New(reg, traffic.NewCounter(), a.bus, service.Options{
		ChannelOpenTimeout: cfg.ChannelOpenTimeout,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		DialTimeout:        cfg.DialTimeout,
		StopTimeout:        cfg.StopTimeout,
		CloseConnections:   cfg.CloseConnectionsOnStop,
		PortOwner:          status.PortOwner,
	})

	a.pool, err = sshclient.NewPool(cfg.Connections, sshclient.PoolOptions{
		DialTimeout:  cfg.DialTimeout,
		OnDisconnect: a.handleDisconnect,
	})
	if err != nil {
		stores.Close()
		return nil, err
	}
	for _, id := range a.pool.AutoConnect() {
		a.autoConnect[id] = true
	}

	a.server = api.NewServer(api.Config{Addr: cfg.ListenAddr, Token: cfg.APIToken},
		a.svc, a.pool, a.collector, metrics.Handler(metrics.NewRegistry(a.svc)))

	return a, nil
}

// Start serves the API and brings up auto-connect connections with their
// auto-start forwards.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	a.ctx, a.cancelFn = context.WithCancel(ctx)
	a.mu.Unlock()

	if err := a.server.Start(); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	a.wg.Add(2)
	go a.connectAll()
	go a.trafficLoop()

	return nil
}

// Addr returns the bound API address.
func (a *Agent) Addr() string {
	return a.server.Addr()
}

func (a *Agent) connectAll() {
	defer a.wg.Done()

	var g errgroup.Group
	g.SetLimit(4)
	for id := range a.autoConnect {
		g.Go(func() error {
			if err := a.connectAndStart(a.ctx, id); err != nil && a.ctx.Err() == nil {
				logger.Error("auto-connect failed", "connection_id", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (a *Agent) connectAndStart(ctx context.Context, id string) error {
	client, err := a.pool.Client(ctx, id)
	if err != nil {
		return err
	}
	_, err = a.svc.AutoStartForwards(ctx, id, client)
	return err
}

// handleDisconnect stops the forwards of a closed connection. A dropped
// auto-connect connection is dialed again in the background.
func (a *Agent) handleDisconnect(id string, requested bool) {
	if err := a.svc.StopConnection(id); err != nil {
		logger.Warn("stop forwards of lost connection failed", "connection_id", id, "error", err)
	}
	if requested || !a.autoConnect[id] {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing || a.ctx == nil {
		return
	}
	a.wg.Add(1)
	go a.reconnect(id)
}

func (a *Agent) reconnect(id string) {
	defer a.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute

	_, err := backoff.Retry(a.ctx, func() (struct{}, error) {
		return struct{}{}, a.connectAndStart(a.ctx, id)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(30*time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("reconnect failed", "connection_id", id, "error", err, "retry_in", next)
		}),
	)
	switch {
	case err == nil:
		logger.Info("reconnected", "connection_id", id)
	case errors.Is(err, context.Canceled):
	default:
		logger.Error("giving up reconnecting", "connection_id", id, "error", err)
	}
}

// Stop shuts down the API, stops every forward and closes connections
// and storage. Only the first call has any effect.
func (a *Agent) Stop() {
	a.stopOnce.Do(a.stop)
}

func (a *Agent) stop() {
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()

	if a.cancelFn != nil {
		a.cancelFn()
	}

	if err := a.server.Stop(); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	a.reportTraffic("final traffic")
	if err := a.svc.StopAll(); err != nil {
		logger.Warn("stop forwards", "error", err)
	}
	if err := a.pool.Close(); err != nil {
		logger.Warn("close ssh connections", "error", err)
	}
	a.wg.Wait()

	a.bus.Close()
	if err := a.stores.Close(); err != nil {
		logger.Warn("close storage", "error", err)
	}
}
