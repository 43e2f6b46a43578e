package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/api"
	"github.com/Mindburn-Labs/discloser/pkg/auth"
	"github.com/Mindburn-Labs/discloser/pkg/config"
	"github.com/Mindburn-Labs/discloser/pkg/server"
)

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	slog.SetDefault(newLogger(os.Stdout, cfg))
	_, _ = fmt.Fprintf(os.Stdout, "%sdiscloser starting...%s\n", ColorBold+ColorBlue, ColorReset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := NewServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		svc.Close(shutdownCtx)
	}()

	validator := auth.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if validator == nil {
		log.Println("[discloser] auth: JWT_SECRET not set, every API request will be rejected")
	}

	if mem, ok := svc.Limiter.(*auth.MemoryLimiterStore); ok {
		go mem.RunSweeper(ctx, time.Minute, 10*time.Minute)
	}
	if sqlIdem, ok := svc.Idempotency.(*api.SQLIdempotencyStore); ok {
		go sweepIdempotency(ctx, sqlIdem, time.Hour)
	}

	srv := server.New(svc.Engine, server.Options{
		Validator:      validator,
		Limiter:        svc.Limiter,
		RateLimit:      auth.LimitPolicy{RatePerSecond: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
		Idempotency:    svc.Idempotency,
		AllowedOrigins: auth.ParseOrigins(os.Getenv("CORS_ALLOWED_ORIGINS")),
		Ready:          svc.DB.PingContext,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Dispatch holds the request open for up to two leg timeouts.
		WriteTimeout: 2*svc.Engine.LegTimeout() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[discloser] ready: http://localhost:%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "server error: %v\n", err)
			return 1
		}
	case <-ctx.Done():
	}

	log.Println("[discloser] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_, _ = fmt.Fprintf(stderr, "shutdown: %v\n", err)
		return 1
	}
	return 0
}

func sweepIdempotency(ctx context.Context, s *api.SQLIdempotencyStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Cleanup(ctx)
			if err != nil {
				slog.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("idempotency cleanup", "removed", n)
			}
		}
	}
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "http://localhost:"+envOr("PORT", "8080"), "Server base URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + "/readiness")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
