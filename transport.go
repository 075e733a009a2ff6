package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexume/offline-gateway/cache"
)

// RoundTrip implements http.RoundTripper. It is the single entry point for
// intercepted requests: same-origin GETs are classified and served by the
// matching strategy, everything else goes straight to the wrapped
// transport. A request never fails with an unhandled error; the worst case
// is a synthesized offline fallback response.
func (g *Gateway) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Method != http.MethodGet || !g.sameOrigin(r) {
		return g.transport.RoundTrip(r)
	}

	// hold the activation barrier for the whole strategy run so no
	// request is ever served against a partition being swept
	g.barrier.RLock()
	defer g.barrier.RUnlock()

	category := g.classifier.Classify(r.URL.Path)
	store := g.partitionFor(category)
	logger := g.log.With().
		Str("url", r.URL.String()).
		Str("category", string(category)).
		Logger()

	resp, err := g.serve(category, r, store, logger)
	if err != nil {
		logger.Debug().Err(err).Msg("Strategy exhausted, synthesizing fallback")
		return g.fallbackResponse(r, category), nil
	}
	return resp, nil
}

// serve dispatches to the strategy bound to the category.
func (g *Gateway) serve(category Category, r *http.Request, store cache.Store, logger zerolog.Logger) (*http.Response, error) {
	switch category {
	case CategoryStatic:
		return g.serveCacheFirst(r, store, logger)
	case CategoryImage:
		return g.serveCacheFirstWithLimit(r, store, logger)
	case CategoryAPI:
		return g.serveNetworkFirstTTL(r, store, logger)
	case CategoryPage:
		return g.serveStaleWhileRevalidate(r, store, logger)
	default:
		return g.serveNetworkFirst(r, store, logger)
	}
}

// networkFetch performs the network leg for a request, bounded by the
// gateway timeout. The response body is fully read and replaced, so the
// caller can both store and return it. A timeout counts as a failure like
// any transport error.
func (g *Gateway) networkFetch(ctx context.Context, r *http.Request) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.transport.RoundTrip(r.WithContext(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("network fetch: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// interrupted mid-body: not committed, not returned
		return nil, nil, fmt.Errorf("network fetch: read body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, body, nil
}

// isSuccess reports whether a status code is in the cacheable success range.
func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// newEntry builds a cache entry from a fully-read network response.
func (g *Gateway) newEntry(r *http.Request, resp *http.Response, body []byte, ttl time.Duration) *cache.Entry {
	return &cache.Entry{
		Key:        entryKey(r),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   g.now(),
		TTL:        ttl,
	}
}

// storeEntry writes an entry to a partition. Storage is best-effort: a
// failed write is logged and never blocks request completion.
func (g *Gateway) storeEntry(store cache.Store, e *cache.Entry, logger zerolog.Logger) {
	if err := store.Put(e); err != nil {
		logger.Error().Err(err).Str("key", e.Key).Msg("Could not write to cache")
	}
}

// lookup reads a partition, folding storage failures into a miss.
func (g *Gateway) lookup(store cache.Store, key string, logger zerolog.Logger) (*cache.Entry, bool) {
	entry, err := store.Get(key)
	if err == nil {
		return entry, true
	}
	switch err {
	case cache.ErrMiss:
	case cache.ErrExpired:
		logger.Trace().Str("key", key).Msg("Cached entry expired")
	default:
		logger.Error().Err(err).Str("key", key).Msg("Could not read from cache")
	}
	return nil, false
}

// entryResponse rebuilds an http.Response from a stored entry.
func entryResponse(r *http.Request, e *cache.Entry) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("X-Cache", "HIT")
	return &http.Response{
		StatusCode:    e.StatusCode,
		Status:        http.StatusText(e.StatusCode),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       r,
	}
}
