package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/discloser/pkg/api"
	"github.com/Mindburn-Labs/discloser/pkg/artifacts"
	"github.com/Mindburn-Labs/discloser/pkg/auth"
	"github.com/Mindburn-Labs/discloser/pkg/compliance"
	"github.com/Mindburn-Labs/discloser/pkg/compliance/lifecycle"
	"github.com/Mindburn-Labs/discloser/pkg/config"
	"github.com/Mindburn-Labs/discloser/pkg/events"
	"github.com/Mindburn-Labs/discloser/pkg/notifier"
	"github.com/Mindburn-Labs/discloser/pkg/observability"
	"github.com/Mindburn-Labs/discloser/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
)

// Services is everything a running process holds open.
type Services struct {
	DB          *sql.DB
	Dialect     store.Dialect
	Engine      *compliance.Engine
	Profile     *config.RegulatorProfile
	Idempotency api.IdempotencyStore
	Limiter     auth.LimiterStore
	Obs         *observability.Provider

	redis *redis.Client
	nats  *nats.Conn
}

// NewServices opens storage and wires the Engine. Optional infrastructure
// (Redis, NATS, OTLP) is only dialed when configured.
//
//nolint:gocognit // Wiring is linear.
func NewServices(ctx context.Context, cfg *config.Config) (_ *Services, err error) {
	svc := &Services{}
	defer func() {
		if err != nil {
			svc.Close(context.Background())
		}
	}()

	if cfg.LiteMode() {
		svc.DB, err = setupLiteMode(ctx, cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("lite mode: %w", err)
		}
		svc.Dialect = store.DialectSQLite
	} else {
		svc.DB, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := svc.DB.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		svc.Dialect = store.DialectPostgres
		log.Println("[discloser] postgres: connected")
	}

	cases := store.NewSQLCaseStore(svc.DB, svc.Dialect)
	if err := cases.Init(ctx); err != nil {
		return nil, fmt.Errorf("init case store: %w", err)
	}
	audit := store.NewSQLAuditBackend(svc.DB, svc.Dialect)
	if err := audit.Init(ctx); err != nil {
		return nil, fmt.Errorf("init audit store: %w", err)
	}
	idem := api.NewSQLIdempotencyStore(svc.DB, svc.Dialect, 24*time.Hour)
	if err := idem.Init(ctx); err != nil {
		return nil, fmt.Errorf("init idempotency store: %w", err)
	}
	svc.Idempotency = idem
	log.Printf("[discloser] storage: ready (%s)", svc.Dialect)

	artCfg := cfg.Artifacts
	if artCfg.DataDir == "" {
		artCfg.DataDir = cfg.DataDir
	}
	arts, err := artifacts.NewStore(ctx, artCfg)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	log.Printf("[discloser] artifacts: %s", displayStoreType(artCfg.Type))

	svc.Profile = config.LoopbackProfile()
	if cfg.RegulatorProfile != "" {
		svc.Profile, err = config.LoadRegulatorProfile(cfg.RegulatorProfile)
		if err != nil {
			return nil, err
		}
	}
	dir, err := buildDirectory(svc.Profile)
	if err != nil {
		return nil, err
	}
	log.Printf("[discloser] receivers: profile %q, %d national CSIRTs", svc.Profile.Code, len(svc.Profile.CSIRTs))

	closePolicy := svc.Profile.ClosePolicy
	if cfg.ClosePolicy != "" {
		closePolicy = cfg.ClosePolicy
	}
	policy, err := lifecycle.ParseClosePolicy(closePolicy)
	if err != nil {
		return nil, err
	}

	seed, err := loadLedgerSeed(cfg)
	if err != nil {
		return nil, err
	}

	var locker store.TailLocker
	svc.Limiter = auth.NewMemoryLimiterStore()
	if cfg.RedisAddr != "" {
		svc.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := svc.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		locker = store.NewRedisTailLocker(svc.redis)
		svc.Limiter = auth.NewRedisLimiterStore(svc.redis)
		log.Printf("[discloser] redis: connected (%s)", cfg.RedisAddr)
	}

	var handlers []store.EntryHandler
	if cfg.NATSURL != "" {
		svc.nats, err = events.Connect(cfg.NATSURL, "discloser")
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		pub := events.NewPublisher(svc.nats, "discloser.audit")
		handlers = append(handlers, pub.Handle)
		log.Printf("[discloser] nats: publishing audit events to %s.<org>", "discloser.audit")
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Insecure = cfg.OTelInsecure
	svc.Obs, err = observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	svc.Engine, err = compliance.NewEngine(ctx, compliance.Config{
		Cases:          cases,
		Submissions:    cases,
		AuditBackend:   audit,
		Artifacts:      arts,
		Directory:      dir,
		ClosePolicy:    policy,
		LegTimeout:     svc.Profile.LegTimeout.Duration,
		TailLocker:     locker,
		CheckpointSeed: seed,
		Observability:  svc.Obs,
		EntryHandlers:  handlers,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[discloser] engine: ready (close policy %s, leg timeout %s)", displayPolicy(policy), svc.Engine.LegTimeout())
	return svc, nil
}

// Close releases everything NewServices opened.
func (s *Services) Close(ctx context.Context) {
	if s.Obs != nil {
		if err := s.Obs.Shutdown(ctx); err != nil {
			slog.Warn("observability shutdown", "error", err)
		}
	}
	if s.nats != nil {
		_ = s.nats.Drain()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.DB != nil {
		_ = s.DB.Close()
	}
}

// buildDirectory turns a regulator profile into notifiers.
func buildDirectory(p *config.RegulatorProfile) (*notifier.Directory, error) {
	primary, err := endpointNotifier("enisa", p.ENISA)
	if err != nil {
		return nil, err
	}
	dir := notifier.NewDirectory(primary)
	for cc, ep := range p.CSIRTs {
		n, err := endpointNotifier("csirt-"+strings.ToLower(cc), ep)
		if err != nil {
			return nil, err
		}
		dir.Register(cc, n)
	}
	if p.Fallback != nil {
		n, err := endpointNotifier("csirt-fallback", *p.Fallback)
		if err != nil {
			return nil, err
		}
		dir.WithFallback(n)
	}
	return dir, nil
}

func endpointNotifier(name string, ep config.Endpoint) (notifier.Notifier, error) {
	if ep.Loopback {
		return notifier.NewLoopbackNotifier(name), nil
	}
	return notifier.NewHTTPNotifier(notifier.EndpointConfig{
		Name:          name,
		URL:           ep.URL,
		ClientID:      ep.ClientID,
		Secret:        ep.Secret(),
		RatePerSecond: ep.RatePerSecond,
		Burst:         ep.Burst,
	})
}

// loadLedgerSeed decodes LEDGER_SEED. Lite mode falls back to a seed file
// under the data dir; Postgres deployments without a seed run without
// checkpoints.
func loadLedgerSeed(cfg *config.Config) ([]byte, error) {
	if cfg.LedgerSeedHex != "" {
		seed, err := hex.DecodeString(strings.TrimSpace(cfg.LedgerSeedHex))
		if err != nil {
			return nil, fmt.Errorf("LEDGER_SEED: %w", err)
		}
		return seed, nil
	}
	if !cfg.LiteMode() {
		log.Println("[discloser] checkpoints: disabled (LEDGER_SEED not set)")
		return nil, nil
	}
	return loadOrGenerateSeed(cfg.DataDir)
}

func displayStoreType(t artifacts.StoreType) string {
	if t == "" {
		return string(artifacts.StoreTypeFS)
	}
	return string(t)
}

func displayPolicy(p lifecycle.ClosePolicy) string {
	if p == "" {
		return string(lifecycle.ClosePolicyEnforce)
	}
	return string(p)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
