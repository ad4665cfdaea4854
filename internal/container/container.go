// Package container is the gateway's Service Container (spec §4.1): it
// registers already-constructed services by name with a dependency list
// and a priority, computes a topological start order, and aggregates a
// health rollup. It takes no factory: each service is built before it
// is registered. Grounded on applications/system/manager.go's simple
// register/startOnce/stopOnce Manager, generalized with an explicit
// dependency graph and per-service state machine that the teacher's
// linear registration-order model does not have (see DESIGN.md).
package container

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

// State is a service's position in its lifecycle.
type State string

const (
	StateRegistered  State = "REGISTERED"
	StateInitializing State = "INITIALIZING"
	StateRunning     State = "RUNNING"
	StateStopping    State = "STOPPING"
	StateStopped     State = "STOPPED"
	StateFailed      State = "FAILED"
)

// Service is the narrow capability set every container member
// implements — a record, not a class hierarchy, per spec §9.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthChecker is optionally implemented by a Service to contribute
// richer health detail than its bare State.
type HealthChecker interface {
	HealthCheck(ctx context.Context) Health
}

// Health is one service's structured health status.
type Health struct {
	Status  string // "ok", "degraded", "down"
	Detail  string
	Err     error
}

type registration struct {
	name    string
	svc     Service
	deps    []string
	priority int
	state   State
	lastErr error
}

// Container owns construction order, startup, shutdown, and health
// rollup for every other gateway component.
type Container struct {
	mu       sync.Mutex
	regs     map[string]*registration
	order    []string // computed start order, reverse for stop
	started  bool
	log      *gwlog.Logger
}

// New builds an empty Container.
func New(log *gwlog.Logger) *Container {
	if log == nil {
		log = gwlog.NewDefault("container")
	}
	return &Container{regs: make(map[string]*registration), log: log}
}

// Register adds svc under name with the given dependency names and
// priority (lower priority starts earlier among otherwise-unordered
// siblings). Registering after StartAll has run is rejected, matching
// the teacher's Manager.Register discipline.
func (c *Container) Register(svc Service, deps []string, priority int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc == nil {
		return fmt.Errorf("container: nil service")
	}
	if c.started {
		return fmt.Errorf("container: cannot register %s after start", svc.Name())
	}
	name := svc.Name()
	if _, exists := c.regs[name]; exists {
		return fmt.Errorf("container: service %q already registered", name)
	}
	c.regs[name] = &registration{name: name, svc: svc, deps: deps, priority: priority, state: StateRegistered}
	return nil
}

// topoSort computes a start order respecting deps, tie-broken by
// priority then name, and rejects circular dependencies, per spec §4.1.
func (c *Container) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(c.regs))
	dependents := make(map[string][]string, len(c.regs))

	for name, reg := range c.regs {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range reg.deps {
			if _, ok := c.regs[dep]; !ok {
				return nil, fmt.Errorf("container: %s depends on unregistered service %q", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			ri, rj := c.regs[ready[i]], c.regs[ready[j]]
			if ri.priority != rj.priority {
				return ri.priority < rj.priority
			}
			return ri.name < rj.name
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(c.regs) {
		return nil, fmt.Errorf("container: circular dependency detected among registered services")
	}
	return order, nil
}

// StartAll computes the topological order and starts every service in
// turn. On failure, already-started services are stopped in reverse
// order and the error names the offending service, matching the
// teacher's Manager.Start behavior.
func (c *Container) StartAll(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	order, err := c.topoSort()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.order = order
	c.started = true
	c.mu.Unlock()

	var startedSoFar []string
	for _, name := range order {
		reg := c.regs[name]
		c.setState(name, StateInitializing, nil)
		if err := reg.svc.Start(ctx); err != nil {
			c.setState(name, StateFailed, err)
			c.log.WithField("service", name).Errorf("start failed: %v", err)
			for i := len(startedSoFar) - 1; i >= 0; i-- {
				stopName := startedSoFar[i]
				if stopErr := c.regs[stopName].svc.Stop(ctx); stopErr != nil {
					c.log.WithField("service", stopName).Warnf("rollback stop failed: %v", stopErr)
				}
				c.setState(stopName, StateStopped, nil)
			}
			return fmt.Errorf("container: start %s: %w", name, err)
		}
		c.setState(name, StateRunning, nil)
		startedSoFar = append(startedSoFar, name)
	}
	return nil
}

// StopAll stops every service in reverse start order, idempotently,
// collecting but not short-circuiting on individual errors so every
// service gets a chance to shut down.
func (c *Container) StopAll(ctx context.Context) error {
	c.mu.Lock()
	order := append([]string(nil), c.order...)
	c.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		c.setState(name, StateStopping, nil)
		if err := c.regs[name].svc.Stop(ctx); err != nil {
			c.setState(name, StateFailed, err)
			c.log.WithField("service", name).Errorf("stop failed: %v", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("container: stop %s: %w", name, err)
			}
			continue
		}
		c.setState(name, StateStopped, nil)
	}
	return firstErr
}

func (c *Container) setState(name string, state State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.regs[name]; ok {
		reg.state = state
		reg.lastErr = err
	}
}

// Rollup is the container-wide health summary, matching spec §6's
// {"status":"ok|degraded|down","components":{...}} wire shape.
type Rollup struct {
	Status     string
	Components map[string]Health
}

// HealthRollup aggregates each service's health: RUNNING services call
// their optional HealthChecker, everything else reports its state.
// Overall status is "down" if any component is down, else "degraded" if
// any is degraded, else "ok".
func (c *Container) HealthRollup(ctx context.Context) Rollup {
	c.mu.Lock()
	regsCopy := make([]*registration, 0, len(c.regs))
	for _, reg := range c.regs {
		regsCopy = append(regsCopy, reg)
	}
	c.mu.Unlock()

	components := make(map[string]Health, len(regsCopy))
	overall := "ok"
	for _, reg := range regsCopy {
		var h Health
		if reg.state == StateRunning {
			if hc, ok := reg.svc.(HealthChecker); ok {
				h = hc.HealthCheck(ctx)
			} else {
				h = Health{Status: "ok"}
			}
		} else if reg.state == StateFailed {
			h = Health{Status: "down", Err: reg.lastErr}
		} else {
			h = Health{Status: "degraded", Detail: string(reg.state)}
		}
		components[reg.name] = h
		switch h.Status {
		case "down":
			overall = "down"
		case "degraded":
			if overall == "ok" {
				overall = "degraded"
			}
		}
	}
	return Rollup{Status: overall, Components: components}
}

// State returns the named service's current lifecycle state.
func (c *Container) State(name string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.regs[name]
	if !ok {
		return "", false
	}
	return reg.state, true
}
