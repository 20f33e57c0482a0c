// Package fleet keeps one listener running per configured alias and records
// which port each one holds.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/mcpgate/internal/logging"
	"github.com/rsclarke/mcpgate/internal/telemetry"
)

// Defaults for NewController.
const (
	DefaultBasePort    = 8001
	DefaultGracePeriod = 10 * time.Second
)

// Listener is one per-alias server.
type Listener interface {
	// Start begins serving and returns once the listener is bound.
	Start(ctx context.Context) error
	// Shutdown stops accepting work and waits for in-flight requests.
	Shutdown(ctx context.Context) error
	// Close stops immediately, dropping in-flight requests.
	Close() error
}

// ListenerFactory builds the listener for alias on port.
type ListenerFactory func(alias string, spec Spec, port int) (Listener, error)

// Instance describes a running alias.
type Instance struct {
	Alias string `json:"alias"`
	Port  int    `json:"port"`
}

type instance struct {
	alias    string
	port     int
	spec     Spec
	listener Listener
}

// LifecycleError reports a failed start or stop of one alias.
type LifecycleError struct {
	Alias string
	Op    string
	Err   error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Alias, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// ReconcileError summarizes the aliases that failed during one
// reconciliation. Aliases not listed were applied.
type ReconcileError struct {
	Failures []*LifecycleError
}

func (e *ReconcileError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("reconcile: %d alias(es) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *ReconcileError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Option configures a Controller.
type Option func(*Controller)

// WithBasePort sets the lowest port handed to listeners.
func WithBasePort(port int) Option {
	return func(c *Controller) { c.basePort = port }
}

// WithGracePeriod bounds how long a stopping listener may drain before it
// is closed.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Controller) { c.grace = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics records fleet size and reconcile outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithOnChange registers fn to run, under the controller lock, after every
// mutation of the fleet.
func WithOnChange(fn func()) Option {
	return func(c *Controller) { c.onChange = append(c.onChange, fn) }
}

// Controller owns the running set and is the only writer of the RouteTable.
// Reconcile, Add, Remove and Shutdown are serialized.
type Controller struct {
	mu       sync.Mutex
	routes   *RouteTable
	factory  ListenerFactory
	running  map[string]*instance
	basePort int
	grace    time.Duration
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	onChange []func()
}

// NewController creates a controller with an empty fleet.
func NewController(routes *RouteTable, factory ListenerFactory, opts ...Option) *Controller {
	c := &Controller{
		routes:   routes,
		factory:  factory,
		running:  make(map[string]*instance),
		basePort: DefaultBasePort,
		grace:    DefaultGracePeriod,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reconcile stops aliases absent from desired and starts aliases missing
// from the fleet. Aliases present in both are left alone. Failures are
// isolated per alias and returned together as a *ReconcileError.
func (c *Controller) Reconcile(ctx context.Context, desired map[string]Spec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toStop []*instance
	for alias, inst := range c.running {
		if _, ok := desired[alias]; !ok {
			toStop = append(toStop, inst)
		}
	}
	var toStart []string
	for alias := range desired {
		if _, ok := c.running[alias]; !ok {
			toStart = append(toStart, alias)
		}
	}
	sort.Strings(toStart)

	c.logger.Info("reconciling fleet",
		zap.Int("running", len(c.running)),
		zap.Int("desired", len(desired)),
		zap.Int("stopping", len(toStop)),
		zap.Int("starting", len(toStart)))

	failures := c.stopAll(ctx, toStop)

	starts := make([]*instance, 0, len(toStart))
	for _, alias := range toStart {
		port, err := c.routes.allocate(alias, c.basePort)
		if err != nil {
			failures = append(failures, &LifecycleError{Alias: alias, Op: "start", Err: err})
			continue
		}
		starts = append(starts, &instance{alias: alias, port: port, spec: desired[alias]})
	}
	failures = append(failures, c.startAll(ctx, starts)...)

	c.changed()

	var err error
	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].Alias < failures[j].Alias })
		err = &ReconcileError{Failures: failures}
		c.logger.Warn("reconcile finished with failures", zap.Error(err))
	}
	c.metrics.Reconciled(err)
	return err
}

// Add starts alias with spec. A running instance of alias is stopped and
// its route removed first, so old and new never share the route.
func (c *Controller) Add(ctx context.Context, alias string, spec Spec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.changed()

	if inst, ok := c.running[alias]; ok {
		if errs := c.stopAll(ctx, []*instance{inst}); len(errs) > 0 {
			c.logger.Warn("replacing alias after unclean stop", logging.Alias(alias), zap.Error(errs[0]))
		}
	}

	port, err := c.routes.allocate(alias, c.basePort)
	if err != nil {
		return &LifecycleError{Alias: alias, Op: "start", Err: err}
	}
	if errs := c.startAll(ctx, []*instance{{alias: alias, port: port, spec: spec}}); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Remove stops alias. It reports false when alias was not running.
func (c *Controller) Remove(ctx context.Context, alias string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.running[alias]
	if !ok {
		c.logger.Debug("remove: not running", logging.Alias(alias))
		return false, nil
	}
	defer c.changed()

	if errs := c.stopAll(ctx, []*instance{inst}); len(errs) > 0 {
		return true, errs[0]
	}
	return true, nil
}

// Shutdown stops every running alias.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	all := make([]*instance, 0, len(c.running))
	for _, inst := range c.running {
		all = append(all, inst)
	}
	failures := c.stopAll(ctx, all)
	c.changed()
	if len(failures) > 0 {
		return &ReconcileError{Failures: failures}
	}
	return nil
}

// Stale returns running aliases whose desired spec differs from the one
// they were started with.
func (c *Controller) Stale(desired map[string]Spec) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for alias, inst := range c.running {
		spec, ok := desired[alias]
		if ok && !sameSpec(inst.spec, spec) {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

func sameSpec(a, b Spec) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// Running returns the current fleet sorted by alias.
func (c *Controller) Running() []Instance {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Instance, 0, len(c.running))
	for _, inst := range c.running {
		out = append(out, Instance{Alias: inst.alias, Port: inst.port})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// startAll launches every instance concurrently and waits for all of them.
// Ports must already be allocated. Caller holds c.mu.
func (c *Controller) startAll(ctx context.Context, insts []*instance) []*LifecycleError {
	errs := make([]error, len(insts))
	var wg sync.WaitGroup
	for i, inst := range insts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.start(ctx, inst)
		}()
	}
	wg.Wait()

	var failures []*LifecycleError
	for i, inst := range insts {
		if errs[i] != nil {
			if err := c.routes.remove(inst.alias); err != nil {
				c.logger.Error("release route", logging.Alias(inst.alias), zap.Error(err))
			}
			c.logger.Error("listener failed to start",
				logging.Alias(inst.alias), logging.Port(inst.port), zap.Error(errs[i]))
			failures = append(failures, &LifecycleError{Alias: inst.alias, Op: "start", Err: errs[i]})
			continue
		}
		c.running[inst.alias] = inst
		c.logger.Info("listener started", logging.Alias(inst.alias), logging.Port(inst.port))
	}
	return failures
}

func (c *Controller) start(ctx context.Context, inst *instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	l, err := c.factory(inst.alias, inst.spec, inst.port)
	if err != nil {
		return err
	}
	if err := l.Start(ctx); err != nil {
		return err
	}
	inst.listener = l
	return nil
}

// stopAll stops every instance concurrently, removes it from the running
// set and releases its route whatever the outcome. Caller holds c.mu.
func (c *Controller) stopAll(ctx context.Context, insts []*instance) []*LifecycleError {
	errs := make([]error, len(insts))
	var wg sync.WaitGroup
	for i, inst := range insts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.stop(ctx, inst)
		}()
	}
	wg.Wait()

	var failures []*LifecycleError
	for i, inst := range insts {
		delete(c.running, inst.alias)
		if err := c.routes.remove(inst.alias); err != nil {
			errs[i] = errors.Join(errs[i], err)
		}
		if errs[i] != nil {
			c.logger.Warn("listener stopped uncleanly", logging.Alias(inst.alias), zap.Error(errs[i]))
			failures = append(failures, &LifecycleError{Alias: inst.alias, Op: "stop", Err: errs[i]})
			continue
		}
		c.logger.Info("listener stopped", logging.Alias(inst.alias), logging.Port(inst.port))
	}
	return failures
}

// stop drains the listener for up to the grace period, then closes it.
// A forced close is not an error.
func (c *Controller) stop(ctx context.Context, inst *instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if inst.listener == nil {
		return nil
	}

	graceCtx, cancel := context.WithTimeout(ctx, c.grace)
	defer cancel()

	if err := inst.listener.Shutdown(graceCtx); err != nil {
		c.logger.Warn("grace period elapsed, closing listener",
			logging.Alias(inst.alias), zap.Duration("grace", c.grace), zap.Error(err))
		return inst.listener.Close()
	}
	return nil
}

func (c *Controller) changed() {
	c.metrics.SetListeners(len(c.running))
	for _, fn := range c.onChange {
		fn()
	}
}
