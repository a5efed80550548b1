package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nulzo/model-publisher/api/v1alpha1"
	"github.com/nulzo/model-publisher/cmd"
	"github.com/nulzo/model-publisher/internal/apikey"
	"github.com/nulzo/model-publisher/internal/config"
	"github.com/nulzo/model-publisher/internal/controlplane"
	"github.com/nulzo/model-publisher/internal/oracle"
	"github.com/nulzo/model-publisher/internal/platform/logger"
	"github.com/nulzo/model-publisher/internal/platform/otel"
	"github.com/nulzo/model-publisher/internal/policy"
	"github.com/nulzo/model-publisher/internal/reconciler"
	"github.com/nulzo/model-publisher/internal/server"
	"github.com/nulzo/model-publisher/internal/store/cache"
	"github.com/nulzo/model-publisher/internal/store/cache/memory"
	"github.com/nulzo/model-publisher/internal/store/cache/redis"
	"github.com/nulzo/model-publisher/internal/store/sqlite"
	"github.com/nulzo/model-publisher/internal/tenant"
	"github.com/nulzo/model-publisher/internal/usage"
)

func main() {
	go cmd.CheckForUpdates()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(logger.DefaultConfig())
	log := logger.Get()
	defer logger.Sync()

	shutdownTracer, err := otel.InitTracer("model-publisher", log, os.Stdout)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	repo, err := sqlite.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer func() { _ = repo.Close() }()

	// Cache: redis when configured, in-process otherwise
	var cacheSvc cache.CacheService
	if cfg.Redis.Enabled {
		cacheSvc, err = redis.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		log.Info("using redis cache", zap.String("addr", cfg.Redis.Addr))
	} else {
		cacheSvc = memory.NewMemoryCache()
	}

	// Control plane client
	restConfig, err := getRestConfig(log)
	if err != nil {
		log.Fatal("failed to load cluster config", zap.Error(err))
	}
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		log.Fatal("failed to build scheme", zap.Error(err))
	}
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		log.Fatal("failed to build scheme", zap.Error(err))
	}
	cluster, err := ctrlclient.New(restConfig, ctrlclient.Options{Scheme: scheme})
	if err != nil {
		log.Fatal("failed to create cluster client", zap.Error(err))
	}

	// Tenant directory from configuration
	directory := tenant.NewDirectory()
	for _, t := range cfg.Tenants {
		directory.Register(t.ID, t.Namespace)
		verifyNamespace(ctx, cluster, directory, t.ID, log)
	}
	resolver := tenant.NewResolver(directory)

	// Core components
	keys := apikey.NewManager(repo, cacheSvc, log)
	tracker := usage.NewTracker(repo, log, cfg.Publishing.UsageFlushInterval)
	go tracker.Run(ctx)

	rec := reconciler.New(
		repo,
		oracle.New(cluster, directory),
		policy.NewSynthesizer(directory),
		controlplane.New(cluster, cfg.ControlPlane.ApplyTimeout, cfg.ControlPlane.ApplyAttempts),
		keys,
		tracker,
		directory,
		log,
		reconciler.Options{
			PipelineTimeout: cfg.Publishing.PipelineTimeout,
			DefaultHostname: cfg.Publishing.DefaultHostname,
		},
	)

	srv := server.New(cfg, log, rec, resolver, tracker)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("model publisher listening", zap.String("port", cfg.Server.Port), zap.String("env", cfg.Server.Env))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(shutdownCtx)
	}
}

// verifyNamespace warns when a configured tenant's namespace does not exist
// yet. Publications for that tenant will fail at apply time until it does.
func verifyNamespace(ctx context.Context, cluster ctrlclient.Client, directory *tenant.Directory, tenantID string, log *zap.Logger) {
	ns, _ := directory.Namespace(tenantID)
	var namespace corev1.Namespace
	if err := cluster.Get(ctx, types.NamespacedName{Name: ns}, &namespace); err != nil {
		log.Warn("tenant namespace not found",
			zap.String("tenant", tenantID),
			zap.String("namespace", ns),
			zap.Error(err),
		)
	}
}

// getRestConfig prefers in-cluster credentials and falls back to the local
// kubeconfig for development.
func getRestConfig(log *zap.Logger) (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == nil {
		log.Debug("using in-cluster config")
		return config, nil
	}

	kubeconfigPath := os.Getenv("KUBECONFIG")
	if kubeconfigPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		kubeconfigPath = filepath.Join(home, ".kube", "config")
	}

	config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("unable to load kubeconfig from %s: %w", kubeconfigPath, err)
	}
	log.Debug("using local kubeconfig", zap.String("path", kubeconfigPath))
	return config, nil
}
