package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/kmproxy/internal/certs"
	"github.com/l0p7/kmproxy/internal/config"
	"github.com/l0p7/kmproxy/internal/logging"
	"github.com/l0p7/kmproxy/internal/metrics"
	"github.com/l0p7/kmproxy/internal/resolver"
	"github.com/l0p7/kmproxy/internal/runtime"
	"github.com/l0p7/kmproxy/internal/runtime/cache"
	"github.com/l0p7/kmproxy/internal/server"
)

type policyWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	Files() []string
	WatchPolicy(context.Context, func(config.CacheConfig), func(error)) (policyWatcher, error)
}

type runnableServer interface {
	Run(context.Context) error
}

type fileConfigLoader struct {
	*config.Loader
}

func (l fileConfigLoader) WatchPolicy(ctx context.Context, onChange func(config.CacheConfig), onError func(error)) (policyWatcher, error) {
	watcher, err := l.Loader.WatchPolicy(ctx, onChange, onError)
	if err != nil {
		return nil, err
	}
	return watcher, nil
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileConfigLoader{Loader: config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler, cert *tls.Certificate) (runnableServer, error) {
		return server.New(cfg, logger, handler, cert)
	}
)

func main() {
	var (
		configFile  = flag.String("config", "", "path to server configuration file")
		envPrefix   = flag.String("env-prefix", "KMPROXY", "environment variable prefix")
		removeCerts = flag.Bool("remove-certs", false, "remove the installed certificates and exit")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile, *removeCerts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string, removeCerts bool) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	certCfg := cfg.Server.Certificates
	identity, err := certs.LoadIdentity(certCfg.IdentityFile)
	if err != nil {
		logger.Warn("certificate identity unreadable, starting from defaults",
			slog.String("path", certCfg.IdentityFile), slog.Any("error", err))
		identity = certs.Identity{}
	}
	manager, err := newCertManager(cfg.Server.Certificates, logger)
	if err != nil {
		return fmt.Errorf("configure certificates: %w", err)
	}

	if removeCerts {
		return uninstallCertificates(ctx, logger, manager, certCfg.IdentityFile, identity)
	}

	leaf, updated, err := manager.Ensure(ctx, identity)
	if err != nil {
		return fmt.Errorf("provision certificates: %w", err)
	}
	if updated != identity {
		if err := certs.SaveIdentity(certCfg.IdentityFile, updated); err != nil {
			return fmt.Errorf("record certificate identity: %w", err)
		}
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	responseCache := buildResponseCache(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)

	dohResolver, err := resolver.New(resolver.Options{
		Config:  cfg.Server.Resolver,
		Logger:  logger,
		Metrics: metricsRecorder,
	})
	if err != nil {
		_ = responseCache.Close(context.Background())
		return fmt.Errorf("configure resolver: %w", err)
	}

	engine, err := runtime.NewEngine(runtime.EngineOptions{
		Cache:    responseCache,
		Resolver: dohResolver,
		Upstream: cfg.Server.Upstream,
		Policy:   cfg.Server.Cache,
		Status:   cfg.Server.Status,
		Metrics:  metricsRecorder,
		Logger:   logger,
	})
	if err != nil {
		_ = responseCache.Close(context.Background())
		return fmt.Errorf("configure engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := engine.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	if len(loader.Files()) > 0 {
		watcher, err := loader.WatchPolicy(ctx, func(policy config.CacheConfig) {
			if err := engine.UpdatePolicy(policy); err != nil {
				logger.Error("cache policy rejected", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("policy watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("policy watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewProxyHandler(engine, server.RouterOptions{
		DomainSuffix:      cfg.Server.Proxy.DomainSuffix,
		Metrics:           metricsRecorder.Handler(),
		Logger:            logger,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})

	srv, err := newHTTPServer(cfg, logger, handler, &leaf)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

func newCertManager(cfg config.CertificatesConfig, logger *slog.Logger) (*certs.Manager, error) {
	return certs.NewManager(certs.ManagerOptions{
		Root:     certs.NewFileStore(filepath.Join(cfg.StoreDir, "root")),
		Personal: certs.NewFileStore(filepath.Join(cfg.StoreDir, "personal")),
		Profile: certs.Profile{
			RootSubject:   cfg.RootSubject,
			LeafSubject:   cfg.LeafSubject,
			DNSNames:      cfg.DNSNames,
			ValidityYears: cfg.ValidityYears,
		},
		Logger: logger,
	})
}

func uninstallCertificates(ctx context.Context, logger *slog.Logger, manager *certs.Manager, path string, identity certs.Identity) error {
	removeErr := manager.Remove(ctx, identity)
	if removeErr != nil {
		logger.Error("certificate removal incomplete", slog.Any("error", removeErr))
	}
	if err := certs.SaveIdentity(path, certs.Identity{}); err != nil {
		return errors.Join(removeErr, fmt.Errorf("record certificate identity: %w", err))
	}
	if removeErr != nil {
		return fmt.Errorf("remove certificates: %w", removeErr)
	}
	logger.Info("certificates removed",
		slog.String("root", identity.RootThumbprint),
		slog.String("personal", identity.PersonalThumbprint),
	)
	return nil
}

func buildResponseCache(logger *slog.Logger, cfg config.CacheConfig) cache.Store {
	memory := func() cache.Store {
		store, err := cache.NewMemory(cache.MemoryOptions{
			Capacity:             cfg.Capacity,
			CompactionPercentage: cfg.CompactionPercentage,
		})
		if err != nil {
			// Only reachable with an unvalidated config.
			logger.Warn("memory cache options invalid, using defaults", slog.Any("error", err))
			store, _ = cache.NewMemory(cache.MemoryOptions{Capacity: 100, CompactionPercentage: 0.5})
		}
		return store
	}

	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory response cache",
			slog.Int("capacity", cfg.Capacity),
			slog.Float64("compaction_percentage", cfg.CompactionPercentage),
		)
		return memory()
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return memory()
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return redisCache
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return memory()
	}
}
