// Package gateway implements the intercepting cache gateway that sits
// between the application's outbound requests and the network. Each
// same-origin GET is classified, routed through one of five caching
// strategies against a named cache partition, and answered with a
// synthesized offline fallback when both network and cache fail.
package gateway

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexume/offline-gateway/cache"
)

// Default policies for the managed partitions.
const (
	// DefaultNetworkTimeout bounds every network leg so a hung request
	// cannot delay fallthrough to cache.
	DefaultNetworkTimeout = 10 * time.Second
	// APIFreshnessWindow is the fixed freshness window stamped on api
	// responses.
	APIFreshnessWindow = 5 * time.Minute
	// DefaultImageMaxEntries caps the image partition.
	DefaultImageMaxEntries = 50
	// StaticCacheControl is injected on cached static assets that carry no
	// Cache-Control of their own.
	StaticCacheControl = "public, max-age=31536000"
)

// Base names of the managed partitions. Full partition names embed the
// version tag, e.g. "v3-static".
const (
	PartitionStatic  = "static"
	PartitionDynamic = "dynamic"
	PartitionImage   = "image"
	PartitionAPI     = "api"
)

// Config configures a Gateway.
type Config struct {
	// Cache is the partition registry. Required.
	Cache *cache.Set
	// Version is the tag embedded in every partition name this gateway
	// creates. Activation deletes partitions not carrying this tag.
	Version string
	// Origin is the application origin. Requests to any other host pass
	// through untouched.
	Origin *url.URL
	// OfflineRoutes is the allow list of offline-capable page routes.
	OfflineRoutes []string
	// Transport performs the actual network retrievals.
	// http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Manifest lists the URLs pre-warmed at install time.
	Manifest *Manifest
	// NetworkTimeout bounds each network leg. DefaultNetworkTimeout if zero.
	NetworkTimeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Now overrides the clock, for tests. time.Now if nil.
	Now func() time.Time
}

// Gateway is the intercepting cache. It implements http.RoundTripper so
// the hosting application can mount it as its client transport. One
// instance owns the named partitions and is passed by handle to every
// request-handling call; there is no ambient global state.
type Gateway struct {
	cache      *cache.Set
	version    string
	origin     *url.URL
	classifier Classifier
	transport  http.RoundTripper
	manifest   *Manifest
	timeout    time.Duration
	log        zerolog.Logger
	now        func() time.Time

	// barrier serializes activation against request handling. Requests
	// hold the read side for their whole strategy run; activation holds
	// the write side while sweeping superseded partitions.
	barrier sync.RWMutex

	stateMu sync.Mutex
	state   State
}

// New creates a gateway. It does not install or activate; call Install
// and Activate (or HandleControl with SKIP_WAITING) to bring it up.
func New(config Config) *Gateway {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("version", config.Version).Logger()

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := config.NetworkTimeout
	if timeout == 0 {
		timeout = DefaultNetworkTimeout
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Gateway{
		cache:      config.Cache,
		version:    config.Version,
		origin:     config.Origin,
		classifier: NewClassifier(config.OfflineRoutes),
		transport:  transport,
		manifest:   config.Manifest,
		timeout:    timeout,
		log:        logger,
		now:        now,
		state:      StateInstalling,
	}
}

// Version returns the gateway's version tag.
func (g *Gateway) Version() string {
	return g.version
}

// partitionName returns the versioned name for a base partition name.
func (g *Gateway) partitionName(base string) string {
	return g.version + "-" + base
}

// partitionFor returns the partition bound to a category. Pages and
// uncategorized requests share the dynamic partition.
func (g *Gateway) partitionFor(category Category) cache.Store {
	switch category {
	case CategoryStatic:
		return g.cache.Partition(g.partitionName(PartitionStatic))
	case CategoryImage:
		return g.cache.Partition(g.partitionName(PartitionImage))
	case CategoryAPI:
		return g.cache.Partition(g.partitionName(PartitionAPI))
	default:
		return g.cache.Partition(g.partitionName(PartitionDynamic))
	}
}

// entryKey builds the cache key for a request: method plus absolute URL.
func entryKey(r *http.Request) string {
	return r.Method + ":" + r.URL.String()
}

// sameOrigin reports whether the request targets the configured origin.
// Requests with no host (relative URLs) count as same-origin.
func (g *Gateway) sameOrigin(r *http.Request) bool {
	if r.URL.Host == "" {
		return true
	}
	if g.origin == nil {
		return false
	}
	return r.URL.Host == g.origin.Host
}
