package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/alert"
	"github.com/cuemby/middlewared/pkg/api"
	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/audit"
	"github.com/cuemby/middlewared/pkg/auth"
	"github.com/cuemby/middlewared/pkg/cache"
	"github.com/cuemby/middlewared/pkg/config"
	"github.com/cuemby/middlewared/pkg/datastore"
	"github.com/cuemby/middlewared/pkg/dlm"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/failover"
	"github.com/cuemby/middlewared/pkg/hajournal"
	"github.com/cuemby/middlewared/pkg/hooks"
	"github.com/cuemby/middlewared/pkg/jobs"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/cuemby/middlewared/pkg/rpc"
	"github.com/cuemby/middlewared/pkg/storage"
	"github.com/cuemby/middlewared/pkg/system"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// tokenCleanupInterval is how often expired API tokens are dropped.
const tokenCleanupInterval = time.Minute

// Middleware is one middlewared process: every component plus the RPC
// services exposing them.
type Middleware struct {
	cfg    *config.Config
	logger zerolog.Logger

	Bus        *events.Broker
	Hooks      *hooks.Registry
	DB         *datastore.Engine
	Cache      *cache.Cache
	Roles      *auth.RoleManager
	Users      *auth.UserStore
	Tokens     *auth.TokenManager
	Jobs       *jobs.Manager
	Auditor    *audit.Auditor
	Alerts     *alert.Manager
	System     *system.State
	Failover   *failover.Failover
	Syncer     *hajournal.Syncer
	DLM        *dlm.Manager
	Dispatcher *rpc.Dispatcher

	store     *storage.BoltStore
	api       *api.Server
	grpc      *api.GRPCServer
	collector *metrics.Collector

	httpLis net.Listener
	grpcLis net.Listener

	cancel   context.CancelFunc
	workers  *errgroup.Group
	stopOnce sync.Once
}

// New builds every component from cfg. Nothing is started and no socket
// is opened until Start.
func New(cfg *config.Config) (*Middleware, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	m := &Middleware{
		cfg:    cfg,
		logger: log.WithComponent("middleware"),
		Bus:    events.NewBroker(),
		Hooks:  hooks.NewRegistry(cfg.Hooks.Workers),
		Roles:  auth.NewRoleManager(),
		Users:  auth.NewUserStore(),
		Tokens: auth.NewTokenManager(),
	}

	for _, u := range cfg.Users {
		if err := m.Users.Add(u.Username, u.PasswordHash, u.Roles); err != nil {
			return nil, err
		}
	}

	db, err := datastore.Open(datastore.Options{
		Path:           cfg.DatabasePath,
		RequiredTables: cfg.Datastore.RequiredTables,
		ReadPoolSize:   cfg.Datastore.ReadPoolSize,
	}, m.Hooks)
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	m.DB = db

	store, err := storage.NewBoltStore(cfg.PersistentCachePath())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open persistent cache: %w", err)
	}
	m.store = store
	m.Cache = cache.New(store)

	m.Jobs = jobs.NewManager(jobs.Config{
		RingSize:     cfg.Jobs.RingSize,
		AbortTimeout: cfg.Jobs.AbortTimeout,
		ProgressRate: cfg.Jobs.ProgressRate,
		LogsDir:      cfg.JobLogsDir(),
	}, m.Bus)
	m.Auditor = audit.NewAuditor(db, m.Bus)
	m.Alerts = alert.NewManager(m.Bus, cfg.HA.Node)

	m.System, err = system.New(system.Options{
		StateDir:    cfg.StateDir,
		LicensePath: cfg.LicensePath,
		Version:     cfg.Version,
	}, m.Bus, m.Hooks)
	if err != nil {
		m.closeStores()
		return nil, err
	}

	var remote *failover.Remote
	if cfg.HA.Enabled {
		remote = failover.NewRemote(cfg.HA.PeerURL, cfg.HA.PeerUsername, cfg.HA.PeerPassword)
	}
	m.Failover = failover.New(failover.Options{
		Enabled:      cfg.HA.Enabled,
		Node:         cfg.HA.Node,
		LocalVersion: cfg.Version,
		PeerGRPC:     cfg.HA.PeerGRPC,
	}, db, m.Bus, remote)

	if cfg.HA.Enabled {
		journal, err := hajournal.Open(cfg.JournalPath())
		if err != nil {
			m.closeStores()
			return nil, err
		}
		queue := hajournal.NewQueue()
		if err := m.Hooks.Register(hooks.DatastorePostExecuteWrite, queue.Hook()); err != nil {
			m.closeStores()
			return nil, err
		}
		m.Syncer = hajournal.NewSyncer(journal, queue, m.Failover, m.Alerts, cfg.HA.RetryInterval)
	}

	if cfg.DLM.Enabled {
		// A typed nil *Remote must not reach the interface.
		var peer dlm.Peer
		if remote != nil {
			peer = remote
		}
		m.DLM = dlm.NewManager(dlmOptions(cfg), dlm.NewKernel(cfg.DLM.SysRoot, cfg.DLM.ConfigRoot), peer, m.Alerts)
		if err := m.Hooks.Register(hooks.UdevDLM, m.DLM.UdevHook()); err != nil {
			m.closeStores()
			return nil, err
		}
	}

	m.Dispatcher = rpc.NewDispatcher(rpc.Options{
		Roles:   m.Roles,
		Jobs:    m.Jobs,
		Auditor: m.Auditor,
		Cache:   m.Cache,
	})
	if err := m.registerServices(); err != nil {
		m.closeStores()
		return nil, err
	}

	m.api = api.NewServer(api.Options{
		Dispatcher:    m.Dispatcher,
		Bus:           m.Bus,
		Authenticator: m,
		State:         m.System,
	})
	m.grpc = api.NewGRPCServer()
	m.collector = metrics.NewCollector(m, 0)

	return m, nil
}

// dlmOptions maps the configured nodes onto DLM nodes. Controller A is the
// node with the lowest id.
func dlmOptions(cfg *config.Config) dlm.Options {
	local := 0
	if cfg.HA.Node == "B" {
		local = 1
	}
	nodes := make([]dlm.Node, 0, len(cfg.DLM.Nodes))
	for i, n := range cfg.DLM.Nodes {
		nodes = append(nodes, dlm.Node{ID: n.ID, IP: n.IP, Local: i == local})
	}
	return dlm.Options{
		ClusterName:   cfg.DLM.ClusterName,
		Port:          cfg.DLM.Port,
		Mark:          cfg.DLM.Mark,
		Nodes:         nodes,
		RetryInterval: cfg.DLM.RetryInterval,
	}
}

func (m *Middleware) registerServices() error {
	services := []rpc.Service{
		&coreService{m: m},
		&authService{m: m},
		&datastoreService{db: m.DB},
		&cacheService{c: m.Cache},
		&failoverService{m: m},
		&systemService{state: m.System},
		&auditService{a: m.Auditor},
		&alertService{alerts: m.Alerts},
	}
	if m.DLM != nil {
		services = append(services, dlm.NewService(m.DLM))
	}
	for _, svc := range services {
		if err := m.Dispatcher.Register(svc); err != nil {
			return fmt.Errorf("failed to register %s service: %w", svc.Namespace(), err)
		}
	}
	return nil
}

// Start prepares the database, opens the listeners and starts the
// background workers. The node reports ready once everything is up.
func (m *Middleware) Start(ctx context.Context) error {
	m.logger.Info().
		Str("node_id", m.cfg.NodeID).
		Str("version", m.cfg.Version).
		Str("boot_id", m.System.BootID()).
		Msg("Starting middlewared")

	metrics.SetVersion(m.cfg.Version)
	metrics.RegisterComponent("datastore", false, "setting up")
	metrics.RegisterComponent("jobs", true, "")
	metrics.RegisterComponent("api", false, "not listening")

	if err := m.Auditor.Setup(ctx); err != nil {
		return err
	}
	if err := m.DB.Setup(ctx); err != nil {
		if !errors.Is(err, apierr.ErrSchemaMismatch) {
			return fmt.Errorf("failed to set up datastore: %w", err)
		}
		metrics.UpdateComponent("datastore", false, err.Error())
	} else {
		metrics.UpdateComponent("datastore", true, "")
	}

	httpLis, err := net.Listen("tcp", m.cfg.Listen.HTTP)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Listen.HTTP, err)
	}
	m.httpLis = httpLis
	if m.cfg.Listen.GRPC != "" {
		grpcLis, err := net.Listen("tcp", m.cfg.Listen.GRPC)
		if err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", m.cfg.Listen.GRPC, err)
		}
		m.grpcLis = grpcLis
	}

	wctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	g, gctx := errgroup.WithContext(wctx)
	m.workers = g

	g.Go(func() error { return m.api.Serve(httpLis) })
	if m.grpcLis != nil {
		g.Go(func() error { return m.grpc.Serve(m.grpcLis) })
	}
	g.Go(func() error {
		if err := m.System.Watch(gctx); err != nil {
			m.logger.Warn().Err(err).Msg("License watcher stopped")
		}
		return nil
	})
	g.Go(func() error {
		m.cleanupTokens(gctx)
		return nil
	})
	if m.Syncer != nil {
		g.Go(func() error {
			m.Syncer.Run(gctx)
			return nil
		})
	}
	metrics.UpdateComponent("api", true, "")

	m.Cache.StartJanitor(m.cfg.Cache.JanitorInterval)
	m.collector.Start()

	if m.DLM != nil {
		if err := m.DLM.Create(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Failed to create DLM cluster")
		}
	}

	if m.System.FirstBoot() {
		if err := m.System.CompleteFirstBoot(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to clear first boot marker")
		}
	}
	if err := m.System.SetReady(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to record boot ready")
	}
	m.grpc.SetServing(true)

	m.logger.Info().Str("http", httpLis.Addr().String()).Msg("middlewared ready")
	return nil
}

// Wait blocks until a listener fails or the workers are stopped.
func (m *Middleware) Wait() error {
	if m.workers == nil {
		return nil
	}
	return m.workers.Wait()
}

// HTTPAddr is the address the API listens on once started.
func (m *Middleware) HTTPAddr() string {
	if m.httpLis == nil {
		return ""
	}
	return m.httpLis.Addr().String()
}

// GRPCAddr is the address of the gRPC health service, or "".
func (m *Middleware) GRPCAddr() string {
	if m.grpcLis == nil {
		return ""
	}
	return m.grpcLis.Addr().String()
}

func (m *Middleware) cleanupTokens(ctx context.Context) {
	ticker := time.NewTicker(tokenCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Tokens.CleanupExpiredTokens(); n > 0 {
				m.logger.Debug().Int("removed", n).Msg("Removed expired tokens")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops accepting calls, aborts running jobs, stops the workers
// and closes the stores. It is safe to call more than once.
func (m *Middleware) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		err = m.shutdown(ctx)
	})
	return err
}

func (m *Middleware) shutdown(ctx context.Context) error {
	m.logger.Info().Msg("Shutting down middlewared")
	m.System.BeginShutdown()
	m.grpc.SetServing(false)

	var errs []error
	if err := m.api.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop API server: %w", err))
	}
	if m.grpcLis != nil {
		m.grpc.Stop()
	}
	if err := m.Jobs.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop jobs: %w", err))
	}
	if m.cancel != nil {
		m.cancel()
		if err := m.workers.Wait(); err != nil {
			errs = append(errs, err)
		}
		m.collector.Stop()
	}
	m.Cache.Stop()
	m.Hooks.Wait()

	if err := m.Failover.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to close peer connection")
	}
	m.Bus.Stop()
	if err := m.closeStores(); err != nil {
		errs = append(errs, err)
	}

	m.logger.Info().Msg("Shutdown complete")
	return errors.Join(errs...)
}

func (m *Middleware) closeStores() error {
	var errs []error
	if err := m.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close datastore: %w", err))
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close persistent cache: %w", err))
	}
	return errors.Join(errs...)
}

// JobCounts implements metrics.Source.
func (m *Middleware) JobCounts() map[string]int {
	return m.Jobs.JobCounts()
}

// JournalLength implements metrics.Source. Queued statements count as
// pending too.
func (m *Middleware) JournalLength() int {
	if m.Syncer == nil {
		return 0
	}
	return m.Syncer.Journal().Len() + m.Syncer.Queue().Len()
}

// CacheSizes implements metrics.Source.
func (m *Middleware) CacheSizes() map[string]int {
	return m.Cache.Sizes()
}
