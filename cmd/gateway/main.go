package main

import (
	"bytes"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	gateway "github.com/nexume/offline-gateway"
	"github.com/nexume/offline-gateway/cache"
)

var (
	configFilenameFlag string
	originFlag         string
	portFlag           int
	providerFlag       string
	dbFlag             string
	versionFlag        string
	manifestFlag       string
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Application origin to intercept (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "", "Partition provider: memory or sqlite (overrides config)")
	flag.StringVar(&dbFlag, "db", "", "SQLite database file (overrides config)")
	flag.StringVar(&versionFlag, "version", "", "Cache version tag (overrides config)")
	flag.StringVar(&manifestFlag, "manifest", "", "Precache manifest file (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	config := gateway.DefaultConfig()
	if configFilenameFlag != "" {
		var err error
		config, err = gateway.GetConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
	}

	if originFlag != "" {
		config.Origin = originFlag
	}
	if providerFlag != "" {
		config.Store.Provider = providerFlag
	}
	if dbFlag != "" {
		config.Store.Path = dbFlag
	}
	if versionFlag != "" {
		config.Version = versionFlag
	}
	if manifestFlag != "" {
		config.Manifest = manifestFlag
	}

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid origin URL")
	}

	set, db, err := buildCacheSet(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up cache provider")
	}

	var manifest *gateway.Manifest
	if config.Manifest != "" {
		manifest, err = gateway.LoadManifest(config.Manifest)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not load precache manifest")
		}
	}

	gw := gateway.New(gateway.Config{
		Cache:          set,
		Version:        config.Version,
		Origin:         originURL,
		OfflineRoutes:  config.OfflineRoutes,
		Manifest:       manifest,
		NetworkTimeout: config.NetworkTimeout.Std(),
		Logger:         &log.Logger,
	})

	ctx := context.Background()
	if err := gw.Install(ctx); err != nil {
		log.Fatal().Err(err).Msg("Install failed")
	}
	if err := gw.Activate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Activation failed")
	}

	coordinator := gateway.NewSyncCoordinator(&log.Logger)
	pending := buildPendingQueue(db)
	client := &http.Client{Transport: gw}

	// the binary acts as a single application context: when connectivity
	// is restored it replays its pending actions against the origin
	go replayOnReconnect(coordinator, pending, client, originURL)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/-/healthz", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, "ok %s\n", gw.State())
	})
	r.Post("/-/control", func(w http.ResponseWriter, req *http.Request) {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, "could not read body", http.StatusBadRequest)
			return
		}
		msg, err := gateway.ParseControlMessage(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := gw.HandleControl(req.Context(), msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/-/reconnected", func(w http.ResponseWriter, req *http.Request) {
		coordinator.NotifyReconnected()
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/-/sync/pending", func(w http.ResponseWriter, req *http.Request) {
		payload, err := io.ReadAll(req.Body)
		if err != nil || len(payload) == 0 {
			http.Error(w, "could not read payload", http.StatusBadRequest)
			return
		}
		if err := pending.Enqueue(payload); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.Handle("/*", proxyHandler(client, originURL))

	addr := fmt.Sprintf(":%d", portFlag)
	log.Info().Str("addr", addr).Str("origin", originURL.String()).Msg("Gateway listening")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// buildCacheSet wires the configured partition provider. The returned db
// handle is nil for the memory provider and shared with the pending-sync
// queue otherwise.
func buildCacheSet(config gateway.FileConfig) (*cache.Set, *sql.DB, error) {
	switch config.Store.Provider {
	case "memory", "":
		return cache.NewSet(func(name string) cache.Store {
			policy := config.PolicyFor(name)
			return cache.NewPartition(name,
				cache.WithMaxEntries(policy.MaxEntries),
				cache.WithDefaultTTL(policy.DefaultTTL.Std()))
		}), nil, nil
	case "sqlite":
		db, err := cache.OpenDB(config.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		set := cache.NewSet(func(name string) cache.Store {
			policy := config.PolicyFor(name)
			return cache.NewSQLiteStore(db, name,
				cache.WithSQLiteMaxEntries(policy.MaxEntries),
				cache.WithSQLiteDefaultTTL(policy.DefaultTTL.Std()))
		})
		// re-adopt partitions persisted by a previous run so activation
		// can sweep superseded versions
		names, err := cache.PartitionNames(db)
		if err != nil {
			return nil, nil, err
		}
		for _, name := range names {
			set.Partition(name)
		}
		return set, db, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache provider: %s", config.Store.Provider)
	}
}

func buildPendingQueue(db *sql.DB) cache.Queue {
	if db != nil {
		return cache.NewSQLiteQueue(db)
	}
	return cache.NewMemQueue()
}

// replayOnReconnect waits for connectivity-restored notifications and
// replays pending actions as POSTs to the origin sync endpoint. Each
// payload is the body the application originally failed to deliver.
func replayOnReconnect(coordinator *gateway.SyncCoordinator, pending cache.Queue, client *http.Client, origin *url.URL) {
	_, notifications := coordinator.Register()
	for range notifications {
		err := pending.Replay(context.Background(), func(ctx context.Context, a cache.Action) error {
			target := origin.ResolveReference(&url.URL{Path: "/api/sync"})
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(a.Payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("sync replay rejected with status %d", resp.StatusCode)
			}
			log.Debug().Int64("action", a.ID).Msg("Replayed pending action")
			return nil
		})
		if err != nil {
			log.Error().Err(err).Msg("Could not replay pending actions")
		}
	}
}

func proxyHandler(client *http.Client, origin *url.URL) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		target := *origin
		target.Path = req.URL.Path
		target.RawQuery = req.URL.RawQuery

		outReq, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
		if err != nil {
			http.Error(w, "could not build origin request", http.StatusInternalServerError)
			return
		}
		outReq.Header = req.Header.Clone()

		started := time.Now()
		resp, err := client.Do(outReq)
		if err != nil {
			http.Error(w, "could not reach origin", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for name, values := range resp.Header {
			for _, value := range values {
				w.Header().Add(name, value)
			}
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			log.Error().Err(err).Msg("Could not write response body to client")
		}
		log.Trace().Dur("elapsed", time.Since(started)).Str("url", target.String()).Msg("Proxied request")
	}
}
