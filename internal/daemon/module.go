package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/xxmessenger/courier/internal/api"
	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/config"
	"github.com/xxmessenger/courier/internal/delivery"
	"github.com/xxmessenger/courier/internal/groups"
	"github.com/xxmessenger/courier/internal/handshake"
	"github.com/xxmessenger/courier/internal/inbound"
	"github.com/xxmessenger/courier/internal/lock"
	"github.com/xxmessenger/courier/internal/logging"
	"github.com/xxmessenger/courier/internal/metrics"
	"github.com/xxmessenger/courier/internal/profile"
	"github.com/xxmessenger/courier/internal/recovery"
	"github.com/xxmessenger/courier/internal/status"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"github.com/xxmessenger/courier/internal/transport/sim"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	Config     *config.Config
	LogLevel   zapcore.Level
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Defaults()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideIdentity,
			provideNetwork,
			metrics.New,
			provideHandshakes,
			provideTracker,
			provideGroups,
			provideSweeper,
			provideRecovery,
			provideDispatcher,
			provideService,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    profile.LogPath(p.Profile),
		Profile: p.Profile,
		Level:   p.LogLevel,
		Console: os.Stderr,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.LockPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the store is never opened by a
// second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIdentity(p Params, _ *lock.Lock, logger *zap.Logger) (transport.Identity, error) {
	ident, err := loadIdentity(profile.IdentityPath(p.Profile), p.Config.Transport.Username)
	if err != nil {
		return transport.Identity{}, err
	}
	logger.Info("identity loaded", zap.Stringer("id", ident.ID), zap.String("username", ident.Username))
	return ident, nil
}

func provideNetwork(p Params, self transport.Identity, b *bus.Bus) (*sim.Network, error) {
	if p.Config.Transport.Kind != "sim" {
		return nil, fmt.Errorf("unsupported transport %q", p.Config.Transport.Kind)
	}
	return sim.New(self, b), nil
}

func provideHandshakes(db *store.DB, n *sim.Network, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *handshake.Engine {
	return handshake.New(db, n, b, m, logger)
}

func provideTracker(p Params, db *store.DB, n *sim.Network, self transport.Identity, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *delivery.Tracker {
	return delivery.New(db, n, self.ID, p.Config.Delivery.RoundTimeout.Duration(), b, m, logger)
}

func provideGroups(db *store.DB, n *sim.Network, self transport.Identity, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *groups.Resolver {
	return groups.New(db, n, self.ID, b, m, logger)
}

// provideSweeper returns nil when the sweep schedule is empty.
func provideSweeper(p Params, r *groups.Resolver) (*groups.Sweeper, error) {
	g := p.Config.Groups
	if g.SweepCron == "" {
		return nil, nil
	}
	return groups.NewSweeper(r, g.SweepCron, g.LookupRate, g.LookupBurst)
}

func provideRecovery(db *store.DB, h *handshake.Engine, t *delivery.Tracker, n *sim.Network, machine *status.Machine, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *recovery.Coordinator {
	return recovery.New(db, h, t, n, machine, b, m, logger)
}

func provideDispatcher(b *bus.Bus, h *handshake.Engine, g *groups.Resolver, t *delivery.Tracker, logger *zap.Logger) *inbound.Dispatcher {
	return inbound.New(b, h, g, t, logger)
}

func provideService(p Params, self transport.Identity, machine *status.Machine, db *store.DB, b *bus.Bus, h *handshake.Engine, t *delivery.Tracker, g *groups.Resolver, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Profile:    p.Profile,
		Self:       self,
		Machine:    machine,
		DB:         db,
		Bus:        b,
		Handshakes: h,
		Tracker:    t,
		Groups:     g,
		Logger:     logger,
	})
}

// provideMetricsServer returns nil when no listen address is configured.
func provideMetricsServer(p Params, m *metrics.Metrics, logger *zap.Logger) *metrics.Server {
	if p.Config.Metrics.Listen == "" {
		return nil
	}
	return metrics.NewServer(m, p.Config.Metrics.Listen, logger)
}

type lifecycleDeps struct {
	fx.In

	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Network    *sim.Network
	Handshakes *handshake.Engine
	Tracker    *delivery.Tracker
	Groups     *groups.Resolver
	Sweeper    *groups.Sweeper
	Recovery   *recovery.Coordinator
	Dispatcher *inbound.Dispatcher
	Metrics    *metrics.Server
	Machine    *status.Machine
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	runCtx, cancel := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			report, err := d.Recovery.Recover(ctx)
			if err != nil {
				return fmt.Errorf("startup recovery: %w", err)
			}
			d.Logger.Info("recovered",
				zap.Any("demoted", report.Demoted),
				zap.Int64("requeued", report.Requeued),
				zap.Int("rewatched", report.Rewatched))

			d.Dispatcher.Start(runCtx)
			go func() {
				defer close(sweepDone)
				if d.Sweeper != nil {
					d.Sweeper.Run(runCtx)
				}
			}()
			d.Recovery.Start(runCtx)

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
					_ = d.Machine.Transition(status.Error)
				}
			}()
			if d.Metrics != nil {
				d.Metrics.Start()
			}

			// The simulated network is reachable as soon as the daemon is up.
			d.Network.SetStatus(transport.Available)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if d.Metrics != nil {
				if err := d.Metrics.Stop(ctx); err != nil {
					d.Logger.Warn("error stopping metrics listener", zap.Error(err))
				}
			}
			d.Server.Stop(ctx)
			d.Recovery.Stop()
			cancel()
			<-sweepDone
			d.Dispatcher.Stop()

			d.Handshakes.Wait()
			d.Tracker.Wait()
			d.Groups.Wait()

			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}
