package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hubmcp/hubbridge/internal/auth"
	"github.com/hubmcp/hubbridge/internal/breaker"
	"github.com/hubmcp/hubbridge/internal/cache"
	"github.com/hubmcp/hubbridge/internal/config"
	"github.com/hubmcp/hubbridge/internal/hub"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/metrics"
	"github.com/hubmcp/hubbridge/internal/pool"
	"github.com/hubmcp/hubbridge/internal/queue"
	"github.com/hubmcp/hubbridge/internal/store"
	"github.com/hubmcp/hubbridge/internal/tools"
)

// Deps are the externally-constructed pieces the server composes. The
// queue, cache, pools, and breakers are built internally from Config so
// their lifecycles stay with the server.
type Deps struct {
	Config   config.Config
	Store    *store.Store
	Recorder *store.Recorder
	Auth     *auth.Service
	Hubs     *hub.Manager
	Registry *tools.Registry

	// Files is the rotating log writer, nil when file logging is disabled.
	// The server only needs it for the admin rotate endpoint.
	Files *logging.FileWriter

	Clock   clockwork.Clock
	Version string
}

// Server owns the bridge runtime: queue and its workers, per-hub session
// pools and breakers, the response cache, client sessions, and the HTTP
// surface over all of it.
type Server struct {
	cfg      config.Config
	store    *store.Store
	rec      *store.Recorder
	auth     *auth.Service
	authAPI  *auth.API
	hubs     *hub.Manager
	registry *tools.Registry
	files    *logging.FileWriter

	queue    *queue.Queue
	disp     *dispatcher
	cache    *cache.Cache
	pools    *pool.Set
	breakers *breaker.Set
	sessions *Sessions
	limiter  *Limiter
	exec     *Executor

	prom      *prometheus.Registry
	clock     clockwork.Clock
	version   string
	startedAt time.Time
	log       zerolog.Logger
}

func New(deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Recorder == nil || deps.Auth == nil || deps.Hubs == nil {
		return nil, fmt.Errorf("bridge: missing dependencies")
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	registry := deps.Registry
	if registry == nil {
		registry = tools.Default()
	}
	cfg := deps.Config

	q, err := queue.New(cfg.Queue.Capacity, queue.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("bridge: building queue: %w", err)
	}
	c, err := cache.New(cfg.Cache.Capacity, cfg.Cache.DefaultTTL.Std())
	if err != nil {
		return nil, fmt.Errorf("bridge: building cache: %w", err)
	}
	breakers, err := breaker.NewSet(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureRate:      cfg.Breaker.FailureRate,
		WindowSize:       cfg.Breaker.WindowSize,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Std(),
		Clock:            clock,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: building breakers: %w", err)
	}

	st, hubs := deps.Store, deps.Hubs
	pools := pool.NewSet(func(hubID string) (*pool.Pool, error) {
		return pool.New(pool.Config{
			HubID: hubID,
			Dial: func(ctx context.Context) (pool.Conn, error) {
				// Re-read the config on every dial so a rotated token or
				// changed URL takes effect without a restart.
				h, err := st.HubConfigForDial(ctx, hubID)
				if err != nil {
					return nil, err
				}
				c, err := hubs.Dial(ctx, h)
				if err != nil {
					return nil, err
				}
				if _, err := c.Initialize(ctx); err != nil {
					return nil, err
				}
				return c, nil
			},
			Sizing:      cfg.Pool,
			Pending:     q.Depth,
			DialTimeout: cfg.Upstream.ConnectTimeout.Std(),
			Clock:       clock,
		})
	})

	prom := prometheus.NewRegistry()
	if err := metrics.Register(prom); err != nil {
		return nil, fmt.Errorf("bridge: registering metrics: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		rec:      deps.Recorder,
		auth:     deps.Auth,
		authAPI:  auth.NewAPI(deps.Auth),
		hubs:     deps.Hubs,
		registry: registry,
		files:    deps.Files,

		queue:    q,
		disp:     newDispatcher(q, cfg.Pool.Max),
		cache:    c,
		pools:    pools,
		breakers: breakers,
		sessions: NewSessions(clock),
		limiter:  NewLimiter(cfg.Rate, clock),

		prom:      prom,
		clock:     clock,
		version:   deps.Version,
		startedAt: clock.Now(),
		log:       logging.For(logging.CategoryBridge),
	}
	s.exec = NewExecutor(deps.Auth, registry, c, q, pools, breakers, deps.Hubs, deps.Recorder, cfg.Upstream.MaxRetries, clock)
	return s, nil
}

// Start launches the queue workers. ctx bounds their lifetime alongside
// Close.
func (s *Server) Start(ctx context.Context) {
	s.disp.start(ctx)
	s.log.Info().
		Int("workers", s.cfg.Pool.Max).
		Int("queue_capacity", s.cfg.Queue.Capacity).
		Str("version", s.version).
		Msg("bridge started")
}

// Close drains and tears down the runtime. New enqueues fail immediately;
// calls already holding a slot finish or hit their deadlines.
func (s *Server) Close(ctx context.Context) error {
	s.queue.Close()
	if err := s.disp.wait(ctx); err != nil {
		s.log.Warn().Err(err).Msg("queue workers did not drain in time")
	}
	err := s.pools.Shutdown(ctx)
	s.sessions.Close()
	s.limiter.Close()
	s.log.Info().Msg("bridge stopped")
	return err
}
