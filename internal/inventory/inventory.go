// Package inventory lists the tools, prompts and resources each running
// alias exposes, caching the assembled snapshot until the fleet changes.
package inventory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/mcpgate/internal/fleet"
	"github.com/rsclarke/mcpgate/internal/logging"
)

// DefaultTTL bounds how long a snapshot is served without relisting.
const DefaultTTL = 30 * time.Second

type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
}

// Listing is what one alias exposes.
type Listing struct {
	Tools     []Tool     `json:"tools"`
	Prompts   []Prompt   `json:"prompts"`
	Resources []Resource `json:"resources"`
}

type Server struct {
	Alias   string `json:"alias"`
	Port    int    `json:"port"`
	Running bool   `json:"running"`
	Listing
}

type Snapshot struct {
	Servers []Server `json:"servers"`
}

// Lister queries one running alias.
type Lister interface {
	List(ctx context.Context, alias string, port int) (Listing, error)
}

// Fleet reports the running aliases.
type Fleet interface {
	Running() []fleet.Instance
}

// Configured reports the desired aliases, running or not.
type Configured interface {
	Load() (map[string]fleet.Spec, error)
}

type Option func(*Service)

func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

func WithConfigured(c Configured) Option {
	return func(s *Service) { s.configured = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service assembles and caches snapshots.
type Service struct {
	fleet      Fleet
	lister     Lister
	configured Configured
	cache      Cache
	ttl        time.Duration
	logger     *zap.Logger

	// build serializes misses so concurrent readers share one listing pass.
	build sync.Mutex

	// gen counts invalidations. A snapshot is only cached when no
	// invalidation landed while it was being collected; publish orders the
	// check-and-set against Invalidate.
	gen     atomic.Uint64
	publish sync.Mutex
}

func NewService(f Fleet, lister Lister, opts ...Option) *Service {
	s := &Service{
		fleet:  f,
		lister: lister,
		cache:  NewMemoryCache(),
		ttl:    DefaultTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the cached snapshot or builds a fresh one. Cache
// failures fall through to a rebuild.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap, ok := s.cached(ctx); ok {
		return snap, nil
	}

	s.build.Lock()
	defer s.build.Unlock()
	if snap, ok := s.cached(ctx); ok {
		return snap, nil
	}

	gen := s.gen.Load()
	snap := s.collect(ctx)

	s.publish.Lock()
	defer s.publish.Unlock()
	if s.gen.Load() != gen {
		s.logger.Debug("fleet changed during listing; snapshot not cached")
		return snap, nil
	}
	if err := s.cache.Set(ctx, snap, s.ttl); err != nil {
		s.logger.Warn("inventory cache write failed", zap.Error(err))
	}
	return snap, nil
}

func (s *Service) cached(ctx context.Context) (*Snapshot, bool) {
	snap, ok, err := s.cache.Get(ctx)
	if err != nil {
		s.logger.Warn("inventory cache read failed", zap.Error(err))
		return nil, false
	}
	return snap, ok
}

// Invalidate drops the cached snapshot. It is called from every path that
// changes the fleet.
func (s *Service) Invalidate(ctx context.Context) {
	s.publish.Lock()
	defer s.publish.Unlock()
	s.gen.Add(1)
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("inventory cache invalidate failed", zap.Error(err))
	}
}

// invalidateTimeout bounds a fleet change hook's cache invalidation so a
// slow cache cannot stall the controller.
const invalidateTimeout = 2 * time.Second

// FleetChanged invalidates the snapshot with a bounded context. It is meant
// for the fleet controller's change hook, which runs under the controller
// lock.
func (s *Service) FleetChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	s.Invalidate(ctx)
}

func (s *Service) collect(ctx context.Context) *Snapshot {
	running := s.fleet.Running()
	servers := make([]Server, len(running))

	var wg sync.WaitGroup
	for i, inst := range running {
		servers[i] = Server{Alias: inst.Alias, Port: inst.Port, Running: true, Listing: emptyListing()}
		wg.Add(1)
		go func(srv *Server) {
			defer wg.Done()
			listing, err := s.lister.List(ctx, srv.Alias, srv.Port)
			if err != nil {
				s.logger.Warn("inventory listing failed", logging.Alias(srv.Alias), zap.Error(err))
				return
			}
			srv.Listing = normalize(listing)
		}(&servers[i])
	}
	wg.Wait()

	if s.configured != nil {
		desired, err := s.configured.Load()
		if err != nil {
			s.logger.Warn("inventory config read failed", zap.Error(err))
		}
		seen := make(map[string]bool, len(servers))
		for _, srv := range servers {
			seen[srv.Alias] = true
		}
		for alias := range desired {
			if !seen[alias] {
				servers = append(servers, Server{Alias: alias, Listing: emptyListing()})
			}
		}
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Alias < servers[j].Alias })
	return &Snapshot{Servers: servers}
}

func emptyListing() Listing {
	return Listing{Tools: []Tool{}, Prompts: []Prompt{}, Resources: []Resource{}}
}

func normalize(l Listing) Listing {
	if l.Tools == nil {
		l.Tools = []Tool{}
	}
	if l.Prompts == nil {
		l.Prompts = []Prompt{}
	}
	if l.Resources == nil {
		l.Resources = []Resource{}
	}
	return l
}
