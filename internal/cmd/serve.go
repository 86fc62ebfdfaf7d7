package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/edgeguard/internal/appdir"
	"github.com/inercia/edgeguard/internal/blocklist"
	"github.com/inercia/edgeguard/internal/detector"
	"github.com/inercia/edgeguard/internal/geo"
	"github.com/inercia/edgeguard/internal/guard"
	"github.com/inercia/edgeguard/internal/identity"
	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/metrics"
	"github.com/inercia/edgeguard/internal/periodic"
	"github.com/inercia/edgeguard/internal/ratelimit"
	"github.com/inercia/edgeguard/internal/web"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the guarded HTTP server",
	Long: `Start the HTTP server with the request guard in front of every route.

The server exposes /login/ (rate limited), /admin/, /healthz and, when
metrics are enabled, the Prometheus endpoint. The anomaly detector runs
on its configured interval and the blocklist file is watched for changes.

Examples:
  edgeguard serve
  edgeguard serve --listen 127.0.0.1:9000
  edgeguard serve --config /etc/edgeguard.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (overrides server.listen)")
}

// app holds every long-lived component started by serve.
type app struct {
	server   *web.Server
	closers  []io.Closer
	runners  []*periodic.Runner
	fileSync *blocklist.FileSync
}

func (a *app) stop() {
	for _, r := range a.runners {
		r.Stop()
	}
	if a.fileSync != nil {
		if err := a.fileSync.Close(); err != nil {
			logging.Blocklist().Warn("blocklist_watcher_close_failed", "error", err)
		}
	}
	// Close in reverse order of creation.
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logging.Get().Warn("close_failed", "error", err)
		}
	}
}

// buildApp wires the storage, guard, limiter, detector and server from cfg.
func buildApp(ctx context.Context) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.stop()
		}
	}()

	st, err := openStore()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	bl := blocklist.New(st, cfg.Blocklist, blocklist.WithMetrics(m))

	blocklistFile := cfg.Blocklist.File
	if blocklistFile == "" {
		if blocklistFile, err = appdir.BlocklistPath(); err != nil {
			return nil, err
		}
	}
	a.fileSync = blocklist.NewFileSync(bl, blocklistFile)
	if err := a.fileSync.Start(ctx); err != nil {
		logging.Blocklist().Warn("blocklist_watcher_disabled", "path", blocklistFile, "error", err)
		a.fileSync = nil
	}

	provider, providerCloser, err := geo.NewProvider(cfg.Geo)
	if err != nil {
		return nil, fmt.Errorf("failed to open geo provider: %w", err)
	}
	if providerCloser != nil {
		a.closers = append(a.closers, providerCloser)
	}
	geoCache := geo.NewCache(provider, cfg.Geo, geo.WithMetrics(m))

	limiterOpts := []ratelimit.Option{ratelimit.WithMetrics(m)}
	if cfg.RateLimit.RedisAddr != "" {
		client, err := ratelimit.NewRedisClient(ctx, cfg.RateLimit.RedisAddr, cfg.RateLimit.RedisPassword, cfg.RateLimit.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client)
		limiterOpts = append(limiterOpts, ratelimit.WithRedis(client))
	}
	policies, err := ratelimit.NewPolicySet(cfg.RateLimit.Policies, limiterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build rate limit policies: %w", err)
	}

	resolver := identity.NewResolver(cfg.Identity)
	userFunc := guard.HeaderUser(cfg.Guard.UserHeader)
	g := guard.New(resolver, bl, geoCache, st, cfg.Guard, guard.WithMetrics(m), guard.WithUserFunc(userFunc))

	det := detector.New(st, st, cfg.Detector, detector.WithMetrics(m))
	a.runners = append(a.runners,
		detector.NewRunner(det, cfg.Detector),
		periodic.New("geo-sweep", cfg.Geo.SweepInterval, func(context.Context, time.Time) error {
			if n := geoCache.Sweep(); n > 0 {
				logging.Geo().Debug("geo_cache_swept", "removed", n, "remaining", geoCache.Len())
			}
			return nil
		}, logging.Geo()),
		periodic.New("ratelimit-sweep", cfg.RateLimit.SweepInterval, func(context.Context, time.Time) error {
			if n := policies.Sweep(); n > 0 {
				logging.Limiter().Debug("limiter_swept", "removed", n)
			}
			return nil
		}, logging.Limiter()),
	)
	if cfg.Blocklist.CacheTTL > 0 {
		a.runners = append(a.runners, periodic.New("blocklist-cache-sweep", max(cfg.Blocklist.CacheTTL, time.Minute),
			func(context.Context, time.Time) error {
				bl.CleanExpired()
				return nil
			}, logging.Blocklist()))
	}

	accessLog := web.NewAccessLogger(cfg.AccessLog, resolver, cfg.Detector.SensitivePaths)
	accessLog.SetUserFunc(userFunc)

	a.server, err = web.NewServer(web.Config{
		Guard:             g,
		Policies:          policies,
		Metrics:           m,
		MetricsPath:       cfg.Metrics.Path,
		AccessLog:         accessLog,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	})
	if err != nil {
		accessLog.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	for _, r := range a.runners {
		r.Start(ctx)
	}
	return a, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	listen := cfg.Server.Listen
	if serveListen != "" {
		listen = serveListen
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.stop()

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	logger := logging.Web()
	logger.Info("server_listening", "addr", listener.Addr().String(), "ip", identity.ExtractIP(listener.Addr()), "storage", cfg.Storage.Driver, "geo", cfg.Geo.Provider)
	fmt.Fprintf(cmd.OutOrStdout(), "edgeguard listening on http://%s\n", listener.Addr())

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	shutdownDone := make(chan error, 1)
	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
		}
		logger.Info("server_shutting_down")
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer scancel()
		shutdownDone <- a.server.Shutdown(sctx)
	}()

	if err := a.server.Serve(listener); err != nil && !a.server.IsShutdown() {
		return fmt.Errorf("server error: %w", err)
	}
	if err := <-shutdownDone; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
