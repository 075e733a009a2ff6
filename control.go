package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Control message types understood by the gateway.
const (
	ControlSkipWaiting = "SKIP_WAITING"
	ControlCacheURLs   = "CACHE_URLS"
	ControlClearCache  = "CLEAR_CACHE"
)

// cacheURLsConcurrency bounds parallel fetches for a CACHE_URLS batch.
const cacheURLsConcurrency = 4

// ControlMessage is the JSON envelope for commands sent to the gateway
// from any application context.
type ControlMessage struct {
	Type string      `json:"type"`
	Data ControlData `json:"data,omitempty"`
}

// ControlData carries the per-command arguments.
type ControlData struct {
	URLs      []string `json:"urls,omitempty"`
	CacheName string   `json:"cacheName,omitempty"`
}

// ParseControlMessage decodes a control envelope.
func ParseControlMessage(raw []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("parse control message: %w", err)
	}
	return msg, nil
}

// HandleControl dispatches a control message. Unknown message types are
// logged and ignored; they are never an error.
func (g *Gateway) HandleControl(ctx context.Context, msg ControlMessage) error {
	switch msg.Type {
	case ControlSkipWaiting:
		g.log.Info().Msg("Skip waiting requested, activating now")
		return g.Activate(ctx)
	case ControlCacheURLs:
		return g.cacheURLs(ctx, msg.Data.URLs)
	case ControlClearCache:
		return g.clearPartition(msg.Data.CacheName)
	default:
		g.log.Warn().Str("type", msg.Type).Msg("Unknown control message")
		return nil
	}
}

// cacheURLs eagerly fetches and stores a list of URLs into the dynamic
// partition. The batch is all-or-nothing: the first fetch error fails the
// whole command (entries stored before the failure are not rolled back).
func (g *Gateway) cacheURLs(ctx context.Context, urls []string) error {
	store := g.cache.Partition(g.partitionName(PartitionDynamic))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(cacheURLsConcurrency)
	for _, rawURL := range urls {
		rawURL := rawURL
		eg.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.resolveURL(rawURL), nil)
			if err != nil {
				return fmt.Errorf("cache urls: %q: %w", rawURL, err)
			}
			resp, body, err := g.networkFetch(ctx, req)
			if err != nil {
				return fmt.Errorf("cache urls: %q: %w", rawURL, err)
			}
			resp.Body.Close()
			if !isSuccess(resp.StatusCode) {
				return fmt.Errorf("cache urls: %q: unexpected status %d", rawURL, resp.StatusCode)
			}
			if err := store.Put(g.newEntry(req, resp, body, 0)); err != nil {
				return fmt.Errorf("cache urls: %q: %w", rawURL, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.log.Error().Err(err).Msg("Caching URL batch failed")
		return err
	}
	g.log.Info().Int("urls", len(urls)).Msg("Cached URL batch")
	return nil
}

// clearPartition deletes one named partition, defaulting to the current
// dynamic partition. Unknown names clear nothing and are not an error.
func (g *Gateway) clearPartition(name string) error {
	if name == "" {
		name = g.partitionName(PartitionDynamic)
	}
	g.log.Info().Str("partition", name).Msg("Clearing partition")
	return g.cache.Delete(name)
}
