package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/airbusgeo/godal"

	"github.com/mohammed-shakir/geo-align/internal/align"
	"github.com/mohammed-shakir/geo-align/internal/cache"
	"github.com/mohammed-shakir/geo-align/internal/cache/coveragestore"
	"github.com/mohammed-shakir/geo-align/internal/cache/redisstore"
	"github.com/mohammed-shakir/geo-align/internal/core/config"
	"github.com/mohammed-shakir/geo-align/internal/core/executor"
	"github.com/mohammed-shakir/geo-align/internal/core/httpclient"
	"github.com/mohammed-shakir/geo-align/internal/core/observability"
	"github.com/mohammed-shakir/geo-align/internal/core/ogc"
	"github.com/mohammed-shakir/geo-align/internal/core/server"
	"github.com/mohammed-shakir/geo-align/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/geo-align/internal/logger"
	h3mapper "github.com/mohammed-shakir/geo-align/internal/mapper/h3"
	"github.com/mohammed-shakir/geo-align/internal/metrics"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	// overriding target srs via flag
	targetFlag := flag.String("target", "", "target SRS override, e.g. EPSG:3006")
	flag.Parse()

	cfg := config.FromEnv()
	if *targetFlag != "" {
		cfg.TargetSRS = strings.TrimSpace(*targetFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Service:   "geo-align",
		Component: "alignd",
	}, os.Stdout)

	appLog := logger.NewSlog(&zl)

	observability.SetTarget(cfg.TargetSRS)
	observability.ExposeBuildInfo(Version)
	appLog.Info("starting alignd",
		"addr", cfg.Addr,
		"version", Version,
		"wfs", cfg.WFSBaseURL,
		"target", cfg.TargetSRS)

	godal.RegisterAll()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		cli   *redisstore.Client
		store coveragestore.Store
		kv    cache.Interface
	)
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	c, err := redisstore.New(dialCtx, cfg.RedisAddr,
		redisstore.WithReadTimeout(cfg.CacheOpTimeout),
		redisstore.WithWriteTimeout(cfg.CacheOpTimeout),
	)
	dialCancel()
	if err != nil {
		appLog.Warn("redis unavailable, scans and responses will not be cached",
			"addr", cfg.RedisAddr, "err", err)
	} else {
		cli = c
		defer func() { _ = cli.Close() }()
		store = coveragestore.NewRedisStore(cli, cfg.CacheTTLDefault)
		kv = cli
	}

	httpClient := httpclient.NewOutbound()
	owsURL := ogc.OWSEndpoint(cfg.WFSBaseURL)

	exec, err := executor.New(appLog, httpClient, owsURL)
	if err != nil {
		appLog.Error("failed to initialize wfs executor", "err", err)
		return 1
	}

	m := h3mapper.New()

	opts := []align.Option{align.WithWFS(exec)}
	if store != nil {
		opts = append(opts, align.WithCoverageStore(store))
	}
	if kv != nil {
		opts = append(opts, align.WithResponseCache(kv))
	}

	svc := align.New(appLog, align.Config{
		TargetSRS:   cfg.TargetSRS,
		Reproject:   cfg.Reproject,
		H3Res:       cfg.H3Res,
		CacheTTL:    cfg.CacheTTLDefault,
		CacheTTLOvr: cfg.CacheTTLOvr,
		CropPixel:   cfg.CropPixelDefault,
		CropReal:    cfg.CropRealDefault,
	}, m, opts...)

	if cfg.Invalidation.Enabled && cfg.Invalidation.Driver == "kafka" {
		if store == nil {
			appLog.Warn("invalidation enabled but redis is unavailable, consumer not started")
		} else {
			resRange := make([]int, 0, cfg.H3ResMax-cfg.H3ResMin+1)
			for r := cfg.H3ResMin; r <= cfg.H3ResMax; r++ {
				resRange = append(resRange, r)
			}
			cons := kafkaconsumer.New(kafkaconsumer.FromEnv(),
				appLog.With("component", "kafka_consumer"),
				store, cli, m, cfg.TargetSRS, resRange)
			go func() {
				if err := cons.Start(ctx); err != nil {
					appLog.Error("invalidation consumer exited", "err", err)
				}
			}()
		}
	}

	var metricsHandler http.Handler
	metricsEnabled := os.Getenv("METRICS_ENABLED") == "true"
	if metricsEnabled {
		addr := os.Getenv("METRICS_ADDR")
		if addr == "" {
			addr = ":9090"
		}
		path := os.Getenv("METRICS_PATH")
		if path == "" {
			path = "/metrics"
		}

		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    addr,
			Path:    path,
		})

		observability.Init(p.Registerer(), true)
		observability.SetTarget(cfg.TargetSRS)
		observability.ExposeBuildInfo(Version)

		metricsHandler = p.Handler()

		mux := http.NewServeMux()
		mux.Handle(path, p.Handler())

		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		// start server
		go func() {
			log.Printf("metrics: listening on %s%s", addr, path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server exited: %v", err)
			}
		}()

		// shutdown on signal
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("metrics: shutdown error: %v", err)
			}
		}()
	}

	if !metricsEnabled {
		observability.Init(nil, false)
	}

	if err := server.Run(ctx, cfg, appLog, server.Deps{
		Aligner: svc,
		Ready:   svc,
		Metrics: metricsHandler,
	}); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
