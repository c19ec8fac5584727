package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"nasdrive/internal/auth"
	"nasdrive/internal/config"
	"nasdrive/internal/credentials"
	"nasdrive/internal/fsutil"
	"nasdrive/internal/httpserver"
	"nasdrive/internal/logging"
	"nasdrive/internal/session"
	"nasdrive/internal/staging"
	"nasdrive/internal/storage"
	"nasdrive/internal/sweeper"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "adduser" {
		if err := addUserCmd(os.Args[2:], os.Stdin, os.Stderr); err != nil {
			fmt.Fprintln(os.Stderr, "adduser:", err)
			os.Exit(2)
		}
		return
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(ctx, "server stopped", "err", err)
		os.Exit(1)
	}
	logger.Info(ctx, "server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return fmt.Errorf("mkdir storage root: %w", err)
	}
	creds, err := credentials.Load(cfg.UsersFile, logger)
	if err != nil {
		return err
	}
	if name, ok := cfg.ReservedName(); ok && creds.Has(name) {
		return fmt.Errorf("user %q collides with temp_dir %s", name, cfg.TempDir)
	}
	if creds.Len() == 0 {
		logger.Warn(ctx, "no users configured, nobody can sign in", "users_file", cfg.UsersFile)
	}

	secret := []byte(cfg.SecretKey)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		logger.Warn(ctx, "no secret_key configured, sessions end when the server restarts")
	}
	sessions, err := session.New(secret, cfg.SessionTTL())
	if err != nil {
		return err
	}

	area, err := staging.New(cfg.TempDir)
	if err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}
	store, err := storage.New(storage.Options{
		Root:            cfg.StorageRoot,
		Resolver:        fsutil.NewResolver(fsutil.NewNameValidator(cfg.Whitelist, cfg.NameLength)),
		Staging:         area,
		Logger:          logger,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		ArchiveMaxDepth: cfg.ArchiveMaxDepth,
		ArchiveMaxBytes: cfg.ArchiveMaxBytes,
	})
	if err != nil {
		return err
	}
	sw, err := sweeper.New(area, cfg.TempDir, cfg.SweepInterval(), cfg.TempRetention(), logger)
	if err != nil {
		return err
	}

	srv, err := httpserver.New(httpserver.Options{
		Auth:         auth.NewService(creds, sessions, logger),
		Storage:      store,
		Logger:       logger,
		CookieSecure: cfg.CookieSecure,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           withHeaders(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info(ctx, "nasdrive listening", "addr", cfg.Addr, "root", cfg.StorageRoot, "users", creds.Len())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		return sw.Run(ctx)
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		// handlers that serve cacheable content override this
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
