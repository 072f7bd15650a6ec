package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/celerix-addressbook/internal/addressbook"
	"github.com/celerix-dev/celerix-addressbook/internal/api"
	"github.com/celerix-dev/celerix-addressbook/internal/backend"
	"github.com/celerix-dev/celerix-addressbook/internal/config"
	"github.com/celerix-dev/celerix-addressbook/internal/metrics"
	"github.com/celerix-dev/celerix-addressbook/internal/server"
	"github.com/celerix-dev/celerix-addressbook/internal/vault"
)

var (
	rootCmd = &cobra.Command{
		Use:   "celerix-addressbookd",
		Short: "The Celerix address book daemon",
		Long: `Indexes contacts from a backend and serves live views over them,
through the line protocol and the HTTP management API.`,
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Copy every contact from one data directory to another",
		Long:  `Copies contacts between file backends, keeping IDs. Use it to move a data directory or to change its encryption key.`,
		RunE:  runMigrate,
	}

	configPath string
	fromDir    string
	fromKey    string
	toDir      string
	toKey      string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (CELERIX_* variables override it)")

	migrateCmd.Flags().StringVar(&fromDir, "from", "", "Source data directory")
	migrateCmd.Flags().StringVar(&fromKey, "from-key", "", "Encryption key of the source (32 bytes or 64 hex chars)")
	migrateCmd.Flags().StringVar(&toDir, "to", "", "Destination data directory")
	migrateCmd.Flags().StringVar(&toKey, "to-key", "", "Encryption key of the destination")
	migrateCmd.MarkFlagRequired("from")
	migrateCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openBackend(cfg config.Config, logger *slog.Logger) (backend.Backend, error) {
	if cfg.Backend == config.BackendMemory {
		logger.Warn("using the memory backend, contacts are lost on exit")
		return backend.NewMemory(), nil
	}
	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}
	return backend.OpenFileStore(backend.FileStoreOptions{
		Dir:    cfg.DataDir,
		Key:    key,
		Logger: logger,
		Watch:  cfg.Watch,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting Celerix address book daemon")

	store, err := openBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open the backend: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	book, err := addressbook.New(addressbook.Options{
		Backend:   store,
		Workers:   cfg.Workers,
		CacheSize: cfg.CacheSize,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	defer book.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := book.Start(ctx); err != nil {
		return err
	}

	router := server.NewRouter(book, server.Options{
		Logger:         logger,
		Metrics:        m,
		MaxConnections: cfg.MaxConnections,
		IdleTimeout:    cfg.IdleTimeout,
	})
	if !cfg.DisableTLS {
		logger.Info("generating self-signed certificate for internal TLS")
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("failed to generate TLS certificate: %w", err)
		}
		router.SetCertificate(cert)
	} else {
		logger.Warn("TLS encryption disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.Listen(strconv.Itoa(cfg.Port))
	})

	var httpSrv *http.Server
	if cfg.HTTPPort > 0 {
		if cfg.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		h := &api.Handler{Book: book, Logger: logger.With("component", "api"), Metrics: m}
		httpSrv = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
			Handler:           api.NewEngine(h),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("HTTP management API listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		err := router.Stop()
		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = errors.Join(err, httpSrv.Shutdown(shutdownCtx))
		}
		return err
	})

	err = g.Wait()
	if ctx.Err() != nil {
		// Interrupted: listener errors caused by the shutdown are expected.
		err = nil
	}
	logger.Info("stopped", "contacts", book.Len())
	return err
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	logger := config.NewLogger(config.Default().Log, os.Stderr)

	open := func(dir, rawKey string) (*backend.FileStore, error) {
		var key []byte
		if rawKey != "" {
			k, err := vault.ParseKey(rawKey)
			if err != nil {
				return nil, err
			}
			key = k
		}
		return backend.OpenFileStore(backend.FileStoreOptions{Dir: dir, Key: key, Logger: logger})
	}

	src, err := open(fromDir, fromKey)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", fromDir, err)
	}
	defer src.Close()
	dst, err := open(toDir, toKey)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", toDir, err)
	}
	defer dst.Close()

	n, err := backend.Migrate(cmd.Context(), src, dst)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d contacts from %s to %s\n", n, fromDir, toDir)
	return nil
}
