package guard

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

const (
	// routeCacheTTL bounds how long a resolved route is reused.
	routeCacheTTL = 10 * time.Minute

	// routingTimeout bounds one call to the routing function.
	routingTimeout = 15 * time.Second
)

// PortType distinguishes the listener a request arrived on.
type PortType string

const (
	PortTypeHTTP  PortType = "http"
	PortTypeHTTPS PortType = "https"
)

// RouteTarget is one upstream destination.
type RouteTarget struct {
	// ActorID is set for targets that represent an actor; middleware is
	// only consulted for those.
	ActorID *uuid.UUID
	Host    string
	Port    int
	Path    string
}

// RouteConfig is a resolved set of targets plus the per-request timeout
// the routing function asks for.
type RouteConfig struct {
	Targets []RouteTarget
	Timeout time.Duration
}

// StructuredResponse is a routing decision to answer directly instead of
// proxying.
type StructuredResponse struct {
	Status  int
	Message string
	Docs    string
}

// CustomServeHandler serves a request in-process in place of an upstream
// proxy hop. HandleWebSocket is called before the client upgrade is
// accepted; returning ErrWebsocketServiceUnavailable hands the unaccepted
// upgrade back so Guard can retry against a re-resolved handler.
type CustomServeHandler interface {
	HandleHTTP(w http.ResponseWriter, r *http.Request) error
	HandleWebSocket(w http.ResponseWriter, r *http.Request) error
}

// RoutingOutput is the routing function's decision: exactly one field is
// set.
type RoutingOutput struct {
	Route    *RouteConfig
	Response *StructuredResponse
	Custom   CustomServeHandler
}

// RoutingInput carries what the routing function may inspect.
type RoutingInput struct {
	Hostname string
	Path     string
	PortType PortType
	Headers  http.Header
}

// RoutingFn resolves a request to its routing output. Returning
// ErrRouteNotFound produces a 404.
type RoutingFn func(ctx context.Context, input RoutingInput) (RoutingOutput, error)

// CacheKeyFn computes the route cache key. It must be pure over its
// inputs; Guard's behavior under an impure key function is undefined.
type CacheKeyFn func(hostname, path string, portType PortType, headers http.Header) string

// DefaultCacheKey keys routes by hostname, path, and port type.
func DefaultCacheKey(hostname, path string, portType PortType, headers http.Header) string {
	return string(portType) + "|" + hostname + "|" + path
}

// routeCache is the in-memory TTL cache over resolved routes. Only Route
// outputs are cached; structured responses and custom handlers re-resolve
// every time.
type routeCache struct {
	cache *gocache.Cache
}

func newRouteCache() *routeCache {
	return &routeCache{cache: gocache.New(routeCacheTTL, routeCacheTTL)}
}

func (c *routeCache) get(key string) (*RouteConfig, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	cfg, ok := v.(*RouteConfig)
	return cfg, ok
}

func (c *routeCache) insert(key string, cfg *RouteConfig) {
	c.cache.SetDefault(key, cfg)
}

func (c *routeCache) purge(key string) {
	c.cache.Delete(key)
}

// resolveRoute answers from the cache or calls the routing function with
// its timeout. bypassCache forces a fresh resolution, used between proxy
// retry attempts so a different target set may be chosen.
func (p *ProxyService) resolveRoute(ctx context.Context, input RoutingInput, bypassCache bool) (RoutingOutput, error) {
	key := p.cacheKey(input.Hostname, input.Path, input.PortType, input.Headers)

	if bypassCache {
		p.routes.purge(key)
	} else if cfg, ok := p.routes.get(key); ok {
		return RoutingOutput{Route: cfg}, nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, routingTimeout)
	defer cancel()

	output, err := p.routing(resolveCtx, input)
	if err != nil {
		return RoutingOutput{}, err
	}
	if output.Route != nil {
		if len(output.Route.Targets) == 0 {
			return RoutingOutput{}, ErrNoRouteTargets
		}
		p.routes.insert(key, output.Route)
	}
	return output, nil
}

// chooseRandomTarget picks a target uniformly at random.
func chooseRandomTarget(targets []RouteTarget) *RouteTarget {
	if len(targets) == 0 {
		return nil
	}
	return &targets[rand.Intn(len(targets))]
}
