package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/stratabase/strata/internal/api"
	"github.com/stratabase/strata/internal/collections"
	"github.com/stratabase/strata/internal/config"
	"github.com/stratabase/strata/internal/counter"
	"github.com/stratabase/strata/internal/engine"
	"github.com/stratabase/strata/internal/files"
	"github.com/stratabase/strata/internal/identity"
	"github.com/stratabase/strata/internal/logging"
	"github.com/stratabase/strata/internal/metrics"
	"github.com/stratabase/strata/internal/pool"
	"github.com/stratabase/strata/internal/registry"
	"github.com/stratabase/strata/internal/scheduler"
	"github.com/stratabase/strata/internal/settings"
	"github.com/stratabase/strata/internal/store"
)

//go:embed harness.py
var harnessSource []byte

func serveCmd() *cobra.Command {
	var reload bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}
			return serve(cmd.Context(), cfg, reload)
		},
	}
	cmd.Flags().BoolVar(&reload, "reload", false, "watch the functions directory and redeploy changed sources")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, reload bool) error {
	logging.SetLevelFromString(cfg.LogLevel)
	if cfg.LogFile != "" {
		logging.UseFile(cfg.LogFile, 100, 5)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	met := metrics.New("strata")

	var counters counter.Store
	if cfg.RateLimitBackend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		counters = counter.NewRedisStore(client, counter.DefaultTokenTTL)
	} else {
		counters = counter.NewLocalStore(counter.DefaultTokenTTL)
	}

	settingsSvc, err := settings.NewService(ctx, st)
	if err != nil {
		return err
	}
	identitySvc := identity.NewService(st, cfg.JWTSecret)
	collectionsSvc := collections.NewService(st)
	registrySvc := registry.New(st)

	harnessPath := filepath.Join(cfg.DataDir, "harness.py")
	if err := ensureHarness(harnessPath); err != nil {
		return err
	}

	resolver := pool.NewResolver(
		filepath.Join(cfg.DataDir, "envs"),
		[]string{cfg.Pool.Runner, "-m", "pip", "install", "--quiet"},
	)
	spawner := pool.NewProcessSpawner(pool.SpawnConfig{
		Runner:      cfg.Pool.Runner,
		HarnessPath: harnessPath,
		WorkDir:     filepath.Join(cfg.DataDir, "workers"),
		Endpoint:    "http://" + cfg.BindAddr,
		Token:       cfg.JWTSecret,
	}, resolver)
	workerPool := pool.New(spawner, pool.Config{
		PoolSize:     cfg.Pool.PoolSize,
		ColdStartTTL: cfg.Pool.ColdStartTTL,
		SpawnCap:     cfg.Pool.SpawnCap,
	}, met)
	defer workerPool.Close()

	eng := engine.New(st, workerPool, counters, settingsSvc, met)
	if err := eng.RecoverAbandoned(ctx); err != nil {
		return fmt.Errorf("recover abandoned calls: %w", err)
	}

	sched := scheduler.New(st, eng, settingsSvc, met, cfg.TickInterval())
	if settingsSvc.JobsEnabled() {
		go sched.Run(ctx)
	}

	fileBackend, backendName, err := buildFileBackend(ctx, cfg, settingsSvc)
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.ServerConfig{
		Auth:            identitySvc,
		Verifier:        identitySvc,
		Collections:     collectionsSvc,
		Functions:       st,
		Registry:        registrySvc,
		Engine:          eng,
		Pool:            workerPool,
		Scheduler:       sched,
		Settings:        settingsSvc,
		Tokens:          identitySvc,
		Files:           fileBackend,
		FilesName:       backendName,
		DB:              st,
		Metrics:         met,
		CORSOrigins:     cfg.CORSOrigins,
		PublicStaticDir: cfg.PublicStaticDir,
		AdminStaticDir:  cfg.AdminStaticDir,
	})
	server := api.StartServer(cfg.BindAddr, handler)

	if reload {
		go watchFunctions(ctx, cfg.FunctionsDir, registrySvc, workerPool)
	}

	<-ctx.Done()
	logging.Op().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("http shutdown", slog.String("error", err.Error()))
	}
	sched.Stop()
	return nil
}

func ensureHarness(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, harnessSource, 0o644); err != nil {
		return fmt.Errorf("write worker harness: %w", err)
	}
	return nil
}

func buildFileBackend(ctx context.Context, cfg *config.Config, settingsSvc *settings.Service) (files.Backend, string, error) {
	backend := settingsSvc.StorageBackend()
	if backend == "" {
		backend = cfg.Storage.Backend
	}
	switch backend {
	case "s3":
		b, err := files.NewS3Backend(ctx, files.S3Config{
			Bucket:  cfg.Storage.S3Bucket,
			Region:  cfg.Storage.S3Region,
			Profile: cfg.Storage.S3Profile,
		})
		if err != nil {
			return nil, "", fmt.Errorf("s3 storage: %w", err)
		}
		return b, "s3", nil
	case "local":
		b, err := files.NewLocalBackend(filepath.Join(cfg.DataDir, "files"))
		if err != nil {
			return nil, "", err
		}
		return b, "local", nil
	default:
		return nil, "", fmt.Errorf("%w: unknown storage backend %q", errConfig, backend)
	}
}

// watchFunctions polls the functions directory and redeploys any source
// file whose mtime changed. Deploying is idempotent: unchanged content
// collapses onto the existing version.
func watchFunctions(ctx context.Context, dir string, reg *registry.Registry, wp *pool.Pool) {
	seen := make(map[string]time.Time)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".py") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if prev, ok := seen[entry.Name()]; ok && !info.ModTime().After(prev) {
				continue
			}
			seen[entry.Name()] = info.ModTime()

			name := strings.TrimSuffix(entry.Name(), ".py")
			source, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			v, err := reg.PutVersion(ctx, name, string(source), "reload", "reload")
			if err != nil {
				logging.Op().Warn("reload failed",
					slog.String("function", name), slog.String("error", err.Error()))
				continue
			}
			wp.DrainVersions(name, v.ID)
			logging.Op().Info("function reloaded",
				slog.String("function", name), slog.String("version", v.ID))
		}
	}
}
