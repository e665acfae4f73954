package di

import (
	"context"

	"go.uber.org/zap"

	"github.com/kobopay/kobod/internal/config"
	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/fees"
	"github.com/kobopay/kobod/internal/core/idempotency"
	"github.com/kobopay/kobod/internal/core/posting"
	"github.com/kobopay/kobod/internal/events"
	probe "github.com/kobopay/kobod/internal/grpc"
	"github.com/kobopay/kobod/internal/handlers"
	"github.com/kobopay/kobod/internal/httpapi"
	"github.com/kobopay/kobod/internal/pin"
	"github.com/kobopay/kobod/internal/storage/kv"
	"github.com/kobopay/kobod/internal/storage/relational"

	// The kv engines register themselves with the manager registry.
	_ "github.com/kobopay/kobod/internal/storage/kv/bbolt"
	_ "github.com/kobopay/kobod/internal/storage/kv/leveldb"
	_ "github.com/kobopay/kobod/internal/storage/kv/pebble"
)

// kv database names under the manager's directory.
const (
	kvIdempotencyDB = "idempotency"
	kvOutboxDB      = "outbox"
)

// Provider configures and registers every daemon service in the container.
type Provider struct {
	container *Container
	config    *config.Config
}

// NewProvider creates a new service provider.
func NewProvider(container *Container, cfg *config.Config) *Provider {
	return &Provider{
		container: container,
		config:    cfg,
	}
}

// RegisterAll registers the full service graph. Everything except the
// configuration itself is built lazily on first Get.
func (p *Provider) RegisterAll() error {
	p.container.Register(ServiceConfig, p.config)

	p.registerFoundationBuilders()
	p.registerEngineBuilders()
	p.registerTransportBuilders()

	return nil
}

// registerFoundationBuilders registers the logger and the two stores.
func (p *Provider) registerFoundationBuilders() {
	p.container.RegisterBuilder(ServiceLogger, func(c *Container) (interface{}, error) {
		return p.config.Log.BuildLogger()
	})

	p.container.RegisterBuilder(ServiceStore, func(c *Container) (interface{}, error) {
		log, err := loggerOf(c)
		if err != nil {
			return nil, err
		}
		storeCfg, err := p.config.Database.StoreConfig()
		if err != nil {
			return nil, err
		}
		return relational.Open(context.Background(), storeCfg, log.Named("store"))
	})

	p.container.RegisterBuilder(ServiceKVManager, func(c *Container) (interface{}, error) {
		return kv.Open(p.config.KV.EngineName(), p.config.KV.Path)
	})

	p.container.RegisterBuilder(ServicePINHasher, func(c *Container) (interface{}, error) {
		if p.config.PIN.Pepper == "" {
			log, err := loggerOf(c)
			if err != nil {
				return nil, err
			}
			log.Warn("no pepper configured, PIN verification is disabled")
			return nil, nil
		}
		return pin.NewHasher(p.config.PIN.Pepper, pin.Params{}), nil
	})
}

// registerEngineBuilders registers the posting, fee and approval cores.
func (p *Provider) registerEngineBuilders() {
	p.container.RegisterBuilder(ServiceReplayCache, func(c *Container) (interface{}, error) {
		v, err := c.Get(ServiceKVManager)
		if err != nil {
			return nil, err
		}
		db, err := v.(kv.Manager).OpenDB(kvIdempotencyDB)
		if err != nil {
			return nil, err
		}
		return idempotency.NewReplayCache(db, nil), nil
	})

	p.container.RegisterBuilder(ServiceFeeResolver, func(c *Container) (interface{}, error) {
		store, err := storeOf(c)
		if err != nil {
			return nil, err
		}
		return fees.NewResolver(store, fees.ResolverConfig{})
	})

	p.container.RegisterBuilder(ServicePostingEngine, func(c *Container) (interface{}, error) {
		store, err := storeOf(c)
		if err != nil {
			return nil, err
		}
		log, err := loggerOf(c)
		if err != nil {
			return nil, err
		}
		rv, err := c.Get(ServiceFeeResolver)
		if err != nil {
			return nil, err
		}
		cv, err := c.Get(ServiceReplayCache)
		if err != nil {
			return nil, err
		}
		return posting.NewEngine(store, rv.(*fees.Resolver), cv.(*idempotency.ReplayCache), posting.Config{
			RetryLimit:     p.config.Posting.RetryLimit,
			IdempotencyTTL: p.config.Posting.IdempotencyTTL(),
			Logger:         log.Named("posting"),
		}), nil
	})

	p.container.RegisterBuilder(ServiceHandlers, func(c *Container) (interface{}, error) {
		store, err := storeOf(c)
		if err != nil {
			return nil, err
		}
		log, err := loggerOf(c)
		if err != nil {
			return nil, err
		}
		ev, err := c.Get(ServicePostingEngine)
		if err != nil {
			return nil, err
		}
		return handlers.Set{
			Poster:          ev.(*posting.Engine),
			Directory:       store,
			Overdrafts:      store,
			PlatformActorID: p.config.Platform.ActorID,
			Logger:          log.Named("handlers"),
		}, nil
	})

	p.container.RegisterBuilder(ServiceApprovalEngine, func(c *Container) (interface{}, error) {
		store, err := storeOf(c)
		if err != nil {
			return nil, err
		}
		log, err := loggerOf(c)
		if err != nil {
			return nil, err
		}
		hv, err := c.Get(ServiceHandlers)
		if err != nil {
			return nil, err
		}
		engine := approval.NewEngine(store.Approvals(), approval.NewRegistry(), approval.Config{
			Logger: log.Named("approval"),
		})
		hv.(handlers.Set).RegisterAll(engine.Registry())
		return engine, nil
	})

	p.container.RegisterBuilder(ServiceSweeper, func(c *Container) (interface{}, error) {
		store, err := storeOf(c)
		if err != nil {
			return nil, err
		}
		log, err := loggerOf(c)
		if err != nil {
			return nil, err
		}
		return approval.NewSweeper(store.Approvals(), approval.SweeperConfig{
			Interval: p.config.Approval.SweepInterval(),
			Batch:    p.config.Approval.SweepBatch,
			Logger:   log.Named("sweeper"),
		}), nil
	})
}

// registerTransportBuilders registers the HTTP server, the health probe
// and the outbox pipeline.
func (p *Provider) registerTransportBuilders() {
	p.container.RegisterBuilder(ServiceHTTPServer, func(c *Container) (interface{}, error) {
		store, err := storeOf(c)
		if err != nil {
			return nil, err
		}
		log, err := loggerOf(c)
		if err != nil {
			return nil, err
		}
		ev, err := c.Get(ServicePostingEngine)
		if err != nil {
			return nil, err
		}
		av, err := c.Get(ServiceApprovalEngine)
		if err != nil {
			return nil, err
		}
		hv, err := c.Get(ServiceHandlers)
		if err != nil {
			return nil, err
		}
		var hasher *pin.Hasher
		if pv, err := c.Get(ServicePINHasher); err != nil {
			return nil, err
		} else if pv != nil {
			hasher = pv.(*pin.Hasher)
		}
		return httpapi.NewServer(httpapi.Config{
			Poster:    ev.(*posting.Engine),
			Approvals: av.(*approval.Engine),
			Directory: store,
			Store:     store,
			Handlers:  hv.(handlers.Set),
			PIN:       hasher,
			Pinger:    store,
			Timeout:   p.config.Server.RequestTimeout,
			Logger:    log.Named("http"),
		}), nil
	})

	p.container.RegisterBuilder(ServiceProbe, func(c *Container) (interface{}, error) {
		if !p.config.Probe.Enabled {
			return nil, nil
		}
		store, err := storeOf(c)
		if err != nil {
			return nil, err
		}
		log, err := loggerOf(c)
		if err != nil {
			return nil, err
		}
		cfg := probe.DefaultProbeConfig()
		if p.config.Probe.Address != "" {
			cfg.Address = p.config.Probe.Address
		}
		return probe.NewServer(cfg, store, log.Named("probe"))
	})

	p.container.RegisterBuilder(ServiceAMQPPublisher, func(c *Container) (interface{}, error) {
		if p.config.Events.QueueURL == "" {
			return nil, nil
		}
		log, err := loggerOf(c)
		if err != nil {
			return nil, err
		}
		return events.NewAMQPPublisher(p.config.Events.QueueURL, p.config.Events.Exchange, log.Named("events"))
	})

	p.container.RegisterBuilder(ServiceDispatcher, func(c *Container) (interface{}, error) {
		store, err := storeOf(c)
		if err != nil {
			return nil, err
		}
		log, err := loggerOf(c)
		if err != nil {
			return nil, err
		}
		kvv, err := c.Get(ServiceKVManager)
		if err != nil {
			return nil, err
		}
		cursor, err := kvv.(kv.Manager).OpenDB(kvOutboxDB)
		if err != nil {
			return nil, err
		}
		sv, err := c.Get(ServiceHTTPServer)
		if err != nil {
			return nil, err
		}

		// The broker is optional; the in-process stream hub always
		// receives the feed.
		pubs := make([]events.Publisher, 0, 2)
		if av, err := c.Get(ServiceAMQPPublisher); err != nil {
			return nil, err
		} else if av != nil {
			pubs = append(pubs, av.(*events.AMQPPublisher))
		}
		pubs = append(pubs, sv.(*httpapi.Server).Hub())

		return events.NewDispatcher(store, cursor, log.Named("events"), events.DispatcherConfig{
			Interval:  p.config.Events.DispatchInterval,
			BatchSize: p.config.Events.BatchSize,
		}, pubs...), nil
	})
}

func loggerOf(c *Container) (*zap.Logger, error) {
	v, err := c.Get(ServiceLogger)
	if err != nil {
		return nil, err
	}
	return v.(*zap.Logger), nil
}

func storeOf(c *Container) (*relational.Store, error) {
	v, err := c.Get(ServiceStore)
	if err != nil {
		return nil, err
	}
	return v.(*relational.Store), nil
}

// GetConfig returns the configuration the provider was built with.
func (p *Provider) GetConfig() *config.Config { return p.config }

// GetLogger builds or returns the process logger.
func (p *Provider) GetLogger() (*zap.Logger, error) {
	return loggerOf(p.container)
}

// GetStore builds or returns the relational store.
func (p *Provider) GetStore() (*relational.Store, error) {
	return storeOf(p.container)
}

// GetKVManager builds or returns the kv engine manager.
func (p *Provider) GetKVManager() (kv.Manager, error) {
	v, err := p.container.Get(ServiceKVManager)
	if err != nil {
		return nil, err
	}
	return v.(kv.Manager), nil
}

// GetHTTPServer builds or returns the HTTP API handler.
func (p *Provider) GetHTTPServer() (*httpapi.Server, error) {
	v, err := p.container.Get(ServiceHTTPServer)
	if err != nil {
		return nil, err
	}
	return v.(*httpapi.Server), nil
}

// GetDispatcher builds or returns the outbox dispatcher.
func (p *Provider) GetDispatcher() (*events.Dispatcher, error) {
	v, err := p.container.Get(ServiceDispatcher)
	if err != nil {
		return nil, err
	}
	return v.(*events.Dispatcher), nil
}

// GetSweeper builds or returns the approval sweeper.
func (p *Provider) GetSweeper() (*approval.Sweeper, error) {
	v, err := p.container.Get(ServiceSweeper)
	if err != nil {
		return nil, err
	}
	return v.(*approval.Sweeper), nil
}

// GetProbe builds or returns the gRPC health probe, or nil when the
// configuration leaves it disabled.
func (p *Provider) GetProbe() (*probe.Server, error) {
	v, err := p.container.Get(ServiceProbe)
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*probe.Server), nil
}
