package gateway

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of the gateway.
type State string

const (
	StateInstalling State = "installing"
	StateActivating State = "activating"
	StateActive     State = "active"
)

// installConcurrency bounds parallel pre-warm fetches during install.
const installConcurrency = 4

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.state
}

func (g *Gateway) setState(s State) {
	g.stateMu.Lock()
	g.state = s
	g.stateMu.Unlock()
	g.log.Info().Str("state", string(s)).Msg("Lifecycle state changed")
}

// Install pre-warms the static partition from the precache manifest. The
// warm cache is best-effort: individual fetch failures are logged and
// never abort the install, and Install itself only fails on a cancelled
// context.
func (g *Gateway) Install(ctx context.Context) error {
	g.setState(StateInstalling)
	if g.manifest == nil {
		g.log.Debug().Msg("No precache manifest, skipping pre-warm")
		return ctx.Err()
	}

	store := g.cache.Partition(g.partitionName(PartitionStatic))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(installConcurrency)
	for _, rawURL := range g.manifest.Static {
		rawURL := rawURL
		eg.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.resolveURL(rawURL), nil)
			if err != nil {
				g.log.Warn().Err(err).Str("url", rawURL).Msg("Invalid precache URL")
				return nil
			}
			resp, body, err := g.networkFetch(ctx, req)
			if err != nil {
				g.log.Warn().Err(err).Str("url", rawURL).Msg("Precache fetch failed")
				return nil
			}
			resp.Body.Close()
			if !isSuccess(resp.StatusCode) {
				g.log.Warn().Int("status", resp.StatusCode).Str("url", rawURL).Msg("Precache fetch not successful")
				return nil
			}
			g.storeEntry(store, g.newEntry(req, resp, body, 0), g.log)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	g.log.Info().Int("urls", len(g.manifest.Static)).Msg("Static partition pre-warmed")
	return ctx.Err()
}

// Activate deletes every partition whose name does not carry the current
// version tag. It holds the gateway barrier for the whole sweep, so no
// request is classified against a superseded partition once activation
// begins.
func (g *Gateway) Activate(ctx context.Context) error {
	g.setState(StateActivating)

	g.barrier.Lock()
	defer g.barrier.Unlock()

	prefix := g.version + "-"
	for _, name := range g.cache.Names() {
		if strings.HasPrefix(name, prefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		g.log.Info().Str("partition", name).Msg("Deleting superseded partition")
		if err := g.cache.Delete(name); err != nil {
			// deletion failures are logged but must not leave the gateway
			// stuck in activation
			g.log.Error().Err(err).Str("partition", name).Msg("Could not delete partition")
		}
	}

	g.setState(StateActive)
	return nil
}

// resolveURL makes a manifest or control URL absolute against the origin.
func (g *Gateway) resolveURL(raw string) string {
	if g.origin == nil || strings.Contains(raw, "://") {
		return raw
	}
	ref, err := g.origin.Parse(raw)
	if err != nil {
		return raw
	}
	return ref.String()
}
