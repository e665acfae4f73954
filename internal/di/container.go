// Package di wires the daemon: one container holds every long-lived
// service, built lazily from the loaded configuration.
package di

import (
	"errors"
	"io"
	"sync"
)

// Container manages service registration and resolution. Services are
// singletons: a builder runs at most once and the instance is cached.
// Builders may resolve their own dependencies through Get; the dependency
// graph must stay acyclic.
type Container struct {
	mu       sync.Mutex
	services map[string]interface{}
	builders map[string]Builder
	// inflight marks services mid-build so concurrent Gets wait for the
	// first build instead of racing a second instance into existence.
	inflight map[string]chan struct{}
	// order records when each service was built so CloseAll can shut
	// down dependents before their dependencies.
	order []string
}

// Builder is a function that creates a service instance.
type Builder func(c *Container) (interface{}, error)

// New creates an empty container.
func New() *Container {
	return &Container{
		services: make(map[string]interface{}),
		builders: make(map[string]Builder),
		inflight: make(map[string]chan struct{}),
	}
}

// Register registers an already built service instance.
func (c *Container) Register(name string, service interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = service
	c.order = append(c.order, name)
}

// RegisterBuilder registers a builder function for lazy instantiation.
func (c *Container) RegisterBuilder(name string, builder Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builders[name] = builder
}

// Get retrieves a service by name, building it on first use. A builder
// may return a nil instance for a service the configuration disables;
// the nil is cached like any other result. The builder runs outside the
// container lock so it can Get its dependencies.
func (c *Container) Get(name string) (interface{}, error) {
	for {
		c.mu.Lock()
		if service, exists := c.services[name]; exists {
			c.mu.Unlock()
			return service, nil
		}
		if wait, building := c.inflight[name]; building {
			c.mu.Unlock()
			<-wait
			continue
		}
		builder, hasBuilder := c.builders[name]
		if !hasBuilder {
			c.mu.Unlock()
			return nil, errors.New("service not found: " + name)
		}
		done := make(chan struct{})
		c.inflight[name] = done
		c.mu.Unlock()

		service, err := builder(c)

		c.mu.Lock()
		delete(c.inflight, name)
		close(done)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.services[name] = service
		c.order = append(c.order, name)
		c.mu.Unlock()
		return service, nil
	}
}

// MustGet retrieves a service or panics. For wiring paths where a missing
// service is a programming error, not a runtime condition.
func (c *Container) MustGet(name string) interface{} {
	service, err := c.Get(name)
	if err != nil {
		panic(err)
	}
	return service
}

// Has checks if a service or a builder is registered under the name.
func (c *Container) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.services[name]; exists {
		return true
	}
	_, exists := c.builders[name]
	return exists
}

// ServiceNames returns all registered service and builder names.
func (c *Container) ServiceNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make(map[string]bool)
	for name := range c.services {
		names[name] = true
	}
	for name := range c.builders {
		names[name] = true
	}

	result := make([]string, 0, len(names))
	for name := range names {
		result = append(result, name)
	}
	return result
}

// CloseAll closes every built service that implements io.Closer, most
// recently built first. The broker connection and the kv manager close
// before the relational store they were built on top of.
func (c *Container) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for i := len(c.order) - 1; i >= 0; i-- {
		closer, ok := c.services[c.order[i]].(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.order = nil
	return errors.Join(errs...)
}

// Clear removes all services and builders without closing anything.
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = make(map[string]interface{})
	c.builders = make(map[string]Builder)
	c.inflight = make(map[string]chan struct{})
	c.order = nil
}

// Service names for type-safe access.
const (
	ServiceConfig         = "config"
	ServiceLogger         = "logger"
	ServiceStore          = "store"
	ServiceKVManager      = "kv.manager"
	ServiceReplayCache    = "idempotency.cache"
	ServiceFeeResolver    = "fees.resolver"
	ServicePostingEngine  = "posting.engine"
	ServiceHandlers       = "handlers"
	ServiceApprovalEngine = "approval.engine"
	ServiceSweeper        = "approval.sweeper"
	ServicePINHasher      = "pin.hasher"
	ServiceHTTPServer     = "http.server"
	ServiceProbe          = "grpc.probe"
	ServiceAMQPPublisher  = "events.amqp"
	ServiceDispatcher     = "events.dispatcher"
)
