// Command distcached is the composition root: it wires configuration,
// secrets, observability, and the coordinator together and runs until
// an OS signal requests a graceful shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ryandielhenn/distcache/internal/config"
	"github.com/ryandielhenn/distcache/internal/obs"
	"github.com/ryandielhenn/distcache/internal/secret"
	"github.com/ryandielhenn/distcache/internal/telemetry"
	"github.com/ryandielhenn/distcache/pkg/coordinator"
	"github.com/ryandielhenn/distcache/pkg/registry"
)

func main() {
	log := obs.L()
	defer log.Sync()

	cfg := config.New()
	secrets := secret.New(os.Getenv("Fs123DistribCacheSecretFile"))
	if err := secrets.Refresh(); err != nil {
		log.Warnw("initial secret load failed, starting with no keys", "err", err)
	}

	telemetry.SetBuildInfo(envOr("DISTCACHE_VERSION", "dev"), envOr("DISTCACHE_GIT_SHA", "unknown"))

	listenAddr := envOr("DISTCACHE_LISTEN_ADDR", ":8080")
	advertisedURL := envOr("DISTCACHE_ADVERTISED_URL", "http://localhost:8080")
	originBaseURL := os.Getenv("DISTCACHE_ORIGIN_BASE_URL")
	if originBaseURL == "" {
		log.Fatalw("DISTCACHE_ORIGIN_BASE_URL is required")
	}
	cacheCapBytes := envInt("DISTCACHE_CACHE_CAP_BYTES", 256<<20)

	c, err := coordinator.New(coordinator.Deps{
		ListenAddr:    listenAddr,
		AdvertisedURL: advertisedURL,
		Scope:         envOr("Fs123DistribCacheScope", "default"),
		SignSecretID:  os.Getenv("Fs123DistribCacheSignSecretId"),
		Reflector:     config.Reflector(),
		OriginBaseURL: originBaseURL,
		Cfg:           cfg,
		Secrets:       secrets,
		Stats:         telemetry.Global,
		CacheCapBytes: cacheCapBytes,
	})
	if err != nil {
		log.Fatalw("coordinator init failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var regCancel context.CancelFunc
	if endpoints := os.Getenv("DISTCACHE_ETCD_ENDPOINTS"); endpoints != "" {
		regCancel = bootstrapRegistry(ctx, c, strings.Split(endpoints, ","), advertisedURL)
	}

	c.Start()
	log.Infow("distcached started", "uuid", c.UUID, "listen", listenAddr, "advertise", advertisedURL)

	<-ctx.Done()
	log.Infow("shutdown signal received")

	if regCancel != nil {
		regCancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.Shutdown(shutdownCtx)
}

// bootstrapRegistry is the optional etcd-backed discovery path: it
// seeds the peer table once at start and feeds WatchPeers events in,
// but is never consulted by Lookup.
func bootstrapRegistry(ctx context.Context, c *coordinator.Coordinator, endpoints []string, selfURL string) context.CancelFunc {
	log := obs.L()
	cli, err := registry.NewClient(endpoints, 5*time.Second)
	if err != nil {
		log.Warnw("registry: client init failed, continuing without etcd bootstrap", "err", err)
		return nil
	}

	regCtx, cancel := context.WithCancel(ctx)

	if _, registerCancel, err := registry.RegisterNode(regCtx, cli, c.UUID, selfURL, 10); err != nil {
		log.Warnw("registry: registration failed", "err", err)
	} else {
		go func() {
			<-regCtx.Done()
			registerCancel()
		}()
	}

	if peers, err := registry.GetPeers(regCtx, cli); err != nil {
		log.Warnw("registry: initial peer list failed", "err", err)
	} else {
		for id, url := range peers {
			if url == selfURL {
				continue
			}
			log.Infow("registry: bootstrap peer", "id", id, "url", url)
			c.HandlePresent(url)
		}
	}

	go registry.WatchPeers(regCtx, cli, func(peers map[string]string) {
		for _, url := range peers {
			if url != selfURL {
				c.HandlePresent(url)
			}
		}
	})

	return func() {
		cancel()
		_ = cli.Close()
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	return n
}
