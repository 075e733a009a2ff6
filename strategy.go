package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/nexume/offline-gateway/cache"
)

// Synthetic headers stamped on api responses so freshness can be judged
// without re-parsing origin headers.
const (
	headerStoredAt        = "X-Gateway-Stored-At"
	headerFreshnessWindow = "X-Gateway-Freshness-Ms"
)

// serveCacheFirst serves static assets: the cached entry wins, the network
// is only consulted on a miss. Successful responses get a long-lived
// Cache-Control injected if the origin sent none, then are stored.
func (g *Gateway) serveCacheFirst(r *http.Request, store cache.Store, logger zerolog.Logger) (*http.Response, error) {
	key := entryKey(r)
	if entry, ok := g.lookup(store, key, logger); ok {
		logger.Trace().Str("key", key).Msg("Cache hit and serving")
		return entryResponse(r, entry), nil
	}

	resp, body, err := g.networkFetch(r.Context(), r)
	if err != nil {
		return nil, err
	}
	if isSuccess(resp.StatusCode) {
		if resp.Header.Get("Cache-Control") == "" {
			resp.Header.Set("Cache-Control", StaticCacheControl)
		}
		g.storeEntry(store, g.newEntry(r, resp, body, 0), logger)
	}
	return resp, nil
}

// serveCacheFirstWithLimit serves images. The flow is cache-first; the
// bound partition carries a capacity limit, so storing a new entry first
// evicts the oldest-inserted entries until there is room.
func (g *Gateway) serveCacheFirstWithLimit(r *http.Request, store cache.Store, logger zerolog.Logger) (*http.Response, error) {
	key := entryKey(r)
	if entry, ok := g.lookup(store, key, logger); ok {
		logger.Trace().Str("key", key).Msg("Cache hit and serving")
		return entryResponse(r, entry), nil
	}

	resp, body, err := g.networkFetch(r.Context(), r)
	if err != nil {
		return nil, err
	}
	if isSuccess(resp.StatusCode) {
		// Put enforces the FIFO capacity limit before inserting
		g.storeEntry(store, g.newEntry(r, resp, body, 0), logger)
	}
	return resp, nil
}

// serveNetworkFirstTTL serves api requests: the network always runs first.
// Successful responses are stamped with a stored-at timestamp and a fixed
// freshness window and stored. On network failure, a cached entry is only
// served while still inside its window; stale entries are purged and
// treated as a miss.
func (g *Gateway) serveNetworkFirstTTL(r *http.Request, store cache.Store, logger zerolog.Logger) (*http.Response, error) {
	key := entryKey(r)
	resp, body, netErr := g.networkFetch(r.Context(), r)
	if netErr == nil {
		if isSuccess(resp.StatusCode) {
			resp.Header.Set(headerStoredAt, strconv.FormatInt(g.now().UnixMilli(), 10))
			resp.Header.Set(headerFreshnessWindow, strconv.FormatInt(APIFreshnessWindow.Milliseconds(), 10))
			g.storeEntry(store, g.newEntry(r, resp, body, APIFreshnessWindow), logger)
		}
		return resp, nil
	}

	logger.Debug().Err(netErr).Msg("Network failed, checking cache")
	// the store purges entries past their window on read, so a hit here
	// is fresh by construction
	if entry, ok := g.lookup(store, key, logger); ok {
		return entryResponse(r, entry), nil
	}
	return nil, fmt.Errorf("no fresh cached entry: %w", netErr)
}

// serveStaleWhileRevalidate serves pages. A cached entry is returned
// immediately while a background goroutine refetches and replaces it for
// the next request; the caller never waits on that leg. Only a cold cache
// awaits the network.
func (g *Gateway) serveStaleWhileRevalidate(r *http.Request, store cache.Store, logger zerolog.Logger) (*http.Response, error) {
	key := entryKey(r)
	if entry, ok := g.lookup(store, key, logger); ok {
		logger.Trace().Str("key", key).Msg("Serving cached page, revalidating in background")
		go g.revalidate(r, store, logger)
		return entryResponse(r, entry), nil
	}

	resp, body, err := g.networkFetch(r.Context(), r)
	if err != nil {
		return nil, err
	}
	if isSuccess(resp.StatusCode) {
		g.storeEntry(store, g.newEntry(r, resp, body, 0), logger)
	}
	return resp, nil
}

// revalidate is the background leg of stale-while-revalidate. It uses its
// own context: the caller has already been answered and must not cancel
// the refresh. Failures are logged and leave the prior entry intact.
func (g *Gateway) revalidate(r *http.Request, store cache.Store, logger zerolog.Logger) {
	req := r.Clone(context.Background())
	req.Body = nil
	resp, body, err := g.networkFetch(req.Context(), req)
	if err != nil {
		logger.Debug().Err(err).Msg("Background revalidation failed, keeping cached entry")
		return
	}
	resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		logger.Debug().Int("status", resp.StatusCode).Msg("Background revalidation not successful, keeping cached entry")
		return
	}
	g.barrier.RLock()
	defer g.barrier.RUnlock()
	g.storeEntry(store, g.newEntry(req, resp, body, 0), logger)
}

// serveNetworkFirst is the default strategy: network, then any cached
// entry, then failure.
func (g *Gateway) serveNetworkFirst(r *http.Request, store cache.Store, logger zerolog.Logger) (*http.Response, error) {
	key := entryKey(r)
	resp, body, netErr := g.networkFetch(r.Context(), r)
	if netErr == nil {
		if isSuccess(resp.StatusCode) {
			g.storeEntry(store, g.newEntry(r, resp, body, 0), logger)
		}
		return resp, nil
	}

	logger.Debug().Err(netErr).Msg("Network failed, checking cache")
	if entry, ok := g.lookup(store, key, logger); ok {
		return entryResponse(r, entry), nil
	}
	return nil, fmt.Errorf("no cached entry: %w", netErr)
}
