package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vorion-labs/cognigate/pkg/anchor"
	"github.com/vorion-labs/cognigate/pkg/api"
	"github.com/vorion-labs/cognigate/pkg/breaker"
	"github.com/vorion-labs/cognigate/pkg/ceiling"
	"github.com/vorion-labs/cognigate/pkg/config"
	"github.com/vorion-labs/cognigate/pkg/crypto"
	"github.com/vorion-labs/cognigate/pkg/escalation"
	"github.com/vorion-labs/cognigate/pkg/guardian"
	"github.com/vorion-labs/cognigate/pkg/observability"
	"github.com/vorion-labs/cognigate/pkg/policy"
	"github.com/vorion-labs/cognigate/pkg/proofchain"
	"github.com/vorion-labs/cognigate/pkg/provenance"
	"github.com/vorion-labs/cognigate/pkg/rolegate"
	"github.com/vorion-labs/cognigate/pkg/store"
	"github.com/vorion-labs/cognigate/pkg/trust"
	"github.com/vorion-labs/cognigate/pkg/velocity"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exposed for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer()
	}

	switch args[1] {
	case "serve", "server":
		return runServer()
	case "verify":
		return runVerify(stdout, stderr)
	case "keygen":
		return runKeygen(stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServer()
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "cognigate - governance runtime for autonomous agents")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  cognigate <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve     Run the governance server (default)")
	fmt.Fprintln(w, "  verify    Verify the full proof chain against the configured store")
	fmt.Fprintln(w, "  keygen    Generate a signing seed for SIGNING_SEED")
	fmt.Fprintln(w, "  health    Check a running server's health endpoint")
	fmt.Fprintln(w, "  help      Show this help")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func keyProvider(cfg *config.Config, logger *slog.Logger) (crypto.KeyProvider, error) {
	if cfg.SigningSeed == "" {
		logger.Warn("SIGNING_SEED not set; using an ephemeral signing key",
			"hint", "run `cognigate keygen` and export the seed for durable signatures")
		return crypto.NewMemoryKeyProvider()
	}
	seed, err := hex.DecodeString(cfg.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("SIGNING_SEED is not valid hex: %w", err)
	}
	return crypto.NewDerivedKeyProvider(seed, "cognigate-proof-chain")
}

//nolint:gocognit
func runServer() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("store open failed", "driver", cfg.DatabaseDriver, "error", err)
		return 1
	}
	defer st.Close()
	logger.Info("store ready", "driver", cfg.DatabaseDriver)

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "cognigate",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	provider, err := keyProvider(cfg, logger)
	if err != nil {
		logger.Error("signing key init failed", "error", err)
		return 1
	}
	chain := proofchain.New(st, crypto.NewSigner(provider), logger)

	prov := provenance.NewService(st)
	trustEngine := trust.NewEngine(st, prov, trust.DefaultParams(), logger)

	framework := ceiling.RegulatoryFramework(cfg.Framework)
	if !ceiling.ValidFramework(framework) {
		logger.Warn("unknown regulatory framework; strictest limits apply",
			"framework", cfg.Framework)
	}
	enforcer := ceiling.NewEnforcer(&ceiling.DeploymentContext{
		DeploymentID: cfg.DeploymentID,
		Framework:    framework,
	}, nil, st, logger)

	var limiter velocity.Limiter
	if cfg.RedisAddr != "" {
		rl := velocity.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, nil)
		defer rl.Close()
		limiter = rl
		logger.Info("velocity limiter: redis", "addr", cfg.RedisAddr)
	} else {
		limiter = velocity.NewLocalLimiter(nil)
		logger.Info("velocity limiter: in-process")
	}

	loader, err := policy.NewLoader()
	if err != nil {
		logger.Error("policy loader init failed", "error", err)
		return 1
	}
	ns, err := loader.LoadFile(cfg.PolicyPack)
	if err != nil {
		logger.Error("rule pack load failed", "path", cfg.PolicyPack, "error", err)
		return 1
	}
	engine := policy.NewEngine(ns, logger)
	logger.Info("rule pack loaded",
		"namespace", ns.Name, "version", ns.Version, "rules", len(ns.Rules))

	reloader, err := policy.NewReloader(loader, engine, cfg.PolicyPack, logger)
	if err != nil {
		logger.Error("rule pack watcher init failed", "error", err)
		return 1
	}
	go func() {
		if err := reloader.Run(ctx); err != nil {
			logger.Error("rule pack watcher stopped", "error", err)
		}
	}()

	escalations := escalation.NewManager(st, chain, logger)
	go escalations.Run(ctx, cfg.SweepInterval)

	guard := guardian.New(guardian.Config{
		Trust:       trustEngine,
		Ceiling:     enforcer,
		Gate:        rolegate.NewGate(nil, logger),
		Limiter:     limiter,
		Breaker:     breaker.New(breaker.DefaultConfig, logger),
		Policy:      engine,
		Chain:       chain,
		Escalations: escalations,
		Logger:      logger,
	})

	if sinks := anchorSinks(ctx, cfg, logger); len(sinks) > 0 {
		anchorer := anchor.New(chain, cfg.DeploymentID, cfg.AnchorInterval, sinks, logger)
		go anchorer.Run(ctx)
	}

	// Periodic full-chain verification. A corrupted ledger trips the
	// system breaker and halts decisions.
	if _, err := guard.VerifyChain(ctx); err != nil {
		logger.Error("initial chain verification failed", "error", err)
		return 1
	}
	go func() {
		ticker := time.NewTicker(cfg.VerifyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := guard.VerifyChain(ctx); err != nil {
					logger.Error("chain verification failed", "error", err)
				}
			}
		}
	}()

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; escalation review endpoints are disabled")
	}
	server := api.NewServer(guard, chain, trustEngine, escalations,
		api.NewJWTValidator([]byte(cfg.JWTSecret)), logger).
		WithMetrics(telemetry)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

func anchorSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) []anchor.Sink {
	var sinks []anchor.Sink
	if cfg.AnchorDir != "" {
		sink, err := anchor.NewFileSink(cfg.AnchorDir)
		if err != nil {
			logger.Error("file anchor sink init failed", "dir", cfg.AnchorDir, "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	if cfg.S3Bucket != "" {
		sink, err := anchor.NewS3Sink(ctx, anchor.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   "anchors/",
		})
		if err != nil {
			logger.Error("s3 anchor sink init failed", "bucket", cfg.S3Bucket, "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

func runVerify(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "store open failed: %v\n", err)
		return 1
	}
	defer st.Close()

	provider, err := keyProvider(cfg, slog.Default())
	if err != nil {
		fmt.Fprintf(stderr, "signing key init failed: %v\n", err)
		return 1
	}
	chain := proofchain.New(st, crypto.NewSigner(provider), nil)

	result, err := chain.VerifyChain(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "verification failed: %v\n", err)
		return 1
	}

	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintln(stdout, string(data))
	if !result.Valid {
		return 1
	}
	return 0
}

func runKeygen(stdout, stderr io.Writer) int {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	hexSeed := hex.EncodeToString(seed)

	provider, err := crypto.NewDerivedKeyProvider(seed, "cognigate-proof-chain")
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "SIGNING_SEED=%s\n", hexSeed)
	fmt.Fprintf(stdout, "public key: %s\n", hex.EncodeToString(provider.PublicKey()))
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
