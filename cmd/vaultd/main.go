// Command vaultd serves the confidential custody ledger over HTTP.
//
// Usage:
//
//	vaultd init  --config vaultd.toml
//	vaultd serve --config vaultd.toml
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"confvault/internal/api"
	"confvault/internal/bank"
	"confvault/internal/coprocessor"
	"confvault/internal/metrics"
	"confvault/internal/storage"
	"confvault/internal/vault"
)

var Version = "dev"

var genesisKey = []byte("vaultd/genesis-applied")

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "vaultd",
		Short:        "Confidential time-locked custody ledger",
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "vaultd.toml", "path to the TOML configuration file")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration if none exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config at %s (ledger %s)\n", configPath, cfg.LedgerAddress)
			return nil
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	rootCmd.AddCommand(initCmd, serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *Config) error {
	auditPath := ""
	if cfg.EnableAudit {
		auditPath = cfg.AuditLogPath
	}
	logger := NewLogger(cfg.LogLevel, cfg.LogFile, auditPath, nil)
	defer logger.Close()
	log := logger.Logger
	coprocessor.SetGnarkLogger(log)

	ledgerAddr, err := cfg.Ledger()
	if err != nil {
		return err
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chaindata"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	log.Info().Str("key_dir", cfg.KeyDir).Msg("loading reveal circuit keys")
	start := time.Now()
	keys, err := coprocessor.LoadOrSetupKeys(cfg.KeyDir)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("reveal circuit keys ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	col, err := metrics.New(reg)
	if err != nil {
		return err
	}

	cop := coprocessor.New(db, keys,
		coprocessor.WithLogger(log.With().Str("component", "coprocessor").Logger()),
		coprocessor.WithObserver(col))
	book := bank.New(db, log.With().Str("component", "bank").Logger())
	if err := applyGenesis(book, cfg); err != nil {
		return err
	}

	ledger, err := vault.New(vault.Config{
		Address: ledgerAddr,
		DB:      db,
		Engine:  cop.Session(ledgerAddr),
		Payer:   book.Payer(ledgerAddr),
	},
		vault.WithLogger(log.With().Str("component", "vault").Logger()),
		vault.WithObserver(col),
		vault.WithEmitter(logger))
	if err != nil {
		return err
	}

	health := api.NewHealthChecker(Version)
	health.RegisterComponent("store", func() error {
		_, err := db.Has(genesisKey)
		return err
	})
	health.RegisterComponent("custody", func() error {
		_, err := book.Balance(ledgerAddr)
		return err
	})

	srv, err := api.New(api.Config{
		Ledger:   ledger,
		Bank:     book,
		Revealer: cop,
		DB:       db,
		Metrics:  col,
		Gatherer: reg,
		Health:   health,
		RateLimit: api.RateLimit{
			RequestsPerSecond: cfg.RateLimitPerSecond,
			Burst:             cfg.RateLimitBurst,
		},
		Logger: log.With().Str("component", "api").Logger(),
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Audit("service_start", map[string]any{
		"version":  Version,
		"listen":   cfg.ListenAddr,
		"ledger":   ledgerAddr.Hex(),
		"pending":  ledger.PendingWithdrawals(),
		"data_dir": cfg.DataDir,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := srv.Limiter().Prune(5 * time.Minute); n > 0 {
					log.Debug().Int("clients", n).Msg("pruned idle rate limiters")
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Audit("service_stop", map[string]any{"error": fmt.Sprint(err)})
	return err
}

// applyGenesis credits configured balances the first time the store is used.
// The credits and the marker land in one batch.
func applyGenesis(book *bank.Bank, cfg *Config) error {
	allocs := make([]bank.Allocation, 0, len(cfg.Genesis))
	for _, g := range cfg.Genesis {
		addr, bal, err := g.parse()
		if err != nil {
			return err
		}
		allocs = append(allocs, bank.Allocation{Address: addr, Amount: bal})
	}
	if _, err := book.ApplyGenesis(genesisKey, allocs); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	return nil
}
