// Package uda assembles the deployment agent: identity, process supervision,
// the kit server event channel, the local HTTP facade, and deployment
// history. Embedders construct an Agent from a config.FileConfig and drive it
// with Run.
package uda

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tri2510/uda-deployment-agent/internal/broker"
	"github.com/tri2510/uda-deployment-agent/internal/config"
	"github.com/tri2510/uda-deployment-agent/internal/executor"
	"github.com/tri2510/uda-deployment-agent/internal/history"
	"github.com/tri2510/uda-deployment-agent/internal/history/sqlite"
	"github.com/tri2510/uda-deployment-agent/internal/identity"
	"github.com/tri2510/uda-deployment-agent/internal/logger"
	"github.com/tri2510/uda-deployment-agent/internal/metrics"
	"github.com/tri2510/uda-deployment-agent/internal/protocol"
	"github.com/tri2510/uda-deployment-agent/internal/registry"
	"github.com/tri2510/uda-deployment-agent/internal/server"
	"github.com/tri2510/uda-deployment-agent/internal/supervisor"
	"github.com/tri2510/uda-deployment-agent/internal/transport"
)

// Config is the agent configuration. Re-exported so embedders do not need
// the internal package.
type Config = config.FileConfig

// LoadConfig reads a TOML config file; "" yields the defaults.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DefaultConfig returns the local-setup defaults.
func DefaultConfig() Config { return config.Default() }

// Agent is the assembled deployment agent.
type Agent struct {
	cfg     Config
	id      identity.Identity
	log     *slog.Logger
	sup     *supervisor.Supervisor
	handler *protocol.Handler
	channel *transport.Client
	broker  *broker.Client
	history *sqlite.Sink
	httpSrv *http.Server
}

// New builds an Agent from cfg. It creates the data directories, loads or
// creates the runtime identity, and wires every component, but starts
// nothing; call Run.
func New(cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.Runtime.DataDir, cfg.Apps.DeployDir, cfg.Log.Dir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Color)

	id, err := identity.LoadOrCreate(cfg.IdentityPath())
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	log.Info("runtime identity", "runtime_id", id.RuntimeID, "kit_id", id.KitID)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	sb := broker.New(broker.Config{
		BaseURL: cfg.Broker.URL,
		Timeout: cfg.Broker.Timeout,
		Logger:  log.With("component", "broker"),
	})

	var sinks []history.Sink
	var hist *sqlite.Sink
	if cfg.History.Enabled {
		hist, err = sqlite.New(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		sinks = append(sinks, hist)
	}

	sup := supervisor.New(supervisor.Config{
		Executor: &executor.Python{
			Bin:           cfg.Apps.PythonBin,
			DeployDir:     cfg.Apps.DeployDir,
			BrokerAddress: sb.Address(),
			AgentID:       id.KitID,
		},
		Registry: registry.New(),
		AppLogs:  cfg.AppLogConfig(),
		Grace:    cfg.Apps.StopGrace,
		ExtraEnv: cfg.Apps.Env,
		Logger:   log.With("component", "supervisor"),
		Sinks:    sinks,
	})

	handler := protocol.NewHandler(protocol.Config{
		Identity: id,
		Apps:     sup,
		Logger:   log.With("component", "protocol"),
		Grace:    cfg.Apps.StopGrace,
	})

	channel, err := transport.New(transport.Config{
		URL:       cfg.Server.URL,
		Handler:   handler,
		Logger:    log.With("component", "transport"),
		Heartbeat: cfg.Server.HeartbeatInterval,
		OnConnect: func(send func(event string, payload any) error) error {
			return send(protocol.EventRegisterKit, handler.RegistrationPayload())
		},
		HeartbeatPayload: func() any { return handler.HeartbeatPayload() },
	})
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	handler.SetSender(channel)

	a := &Agent{
		cfg:     cfg,
		id:      id,
		log:     log,
		sup:     sup,
		handler: handler,
		channel: channel,
		broker:  sb,
		history: hist,
	}
	return a, nil
}

// Identity returns the loaded runtime identity.
func (a *Agent) Identity() identity.Identity { return a.id }

// Run serves until ctx is canceled, then stops every app and closes the
// channel. It always returns the reason the context ended.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.HTTP.Enabled {
		router := server.NewRouter(a.id, a.sup, protocol.Version, a.channel.Connected)
		a.httpSrv = server.NewServer(a.cfg.HTTP.Addr, router)
		a.log.Info("http facade listening", "addr", a.cfg.HTTP.Addr)
	}

	probeCtx, probeCancel := context.WithTimeout(ctx, 3*time.Second)
	if !a.broker.IsReachable(probeCtx) {
		a.log.Warn("signal broker unreachable, apps may fail to connect",
			"url", a.broker.Address())
	}
	probeCancel()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		a.handler.PumpEvents(ctx.Done(), a.sup.Events())
	}()

	err := a.channel.Run(ctx)

	a.log.Info("shutting down, stopping apps")
	a.sup.Shutdown()
	<-pumpDone

	if a.httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.httpSrv.Shutdown(shutCtx)
		cancel()
	}
	if a.history != nil {
		_ = a.history.Close()
	}
	return err
}
