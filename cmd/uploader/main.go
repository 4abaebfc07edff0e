package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/web3-uploader/api/downloadhandler"
	"github.com/ruteri/web3-uploader/api/hookshandler"
	"github.com/ruteri/web3-uploader/api/progresshandler"
	"github.com/ruteri/web3-uploader/auth"
	"github.com/ruteri/web3-uploader/cmd/flags"
	"github.com/ruteri/web3-uploader/config"
	"github.com/ruteri/web3-uploader/httpserver"
	"github.com/ruteri/web3-uploader/interfaces"
	"github.com/ruteri/web3-uploader/ledger"
	"github.com/ruteri/web3-uploader/sessions"
	"github.com/ruteri/web3-uploader/storage"
	"github.com/ruteri/web3-uploader/uploader"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "uploader",
		Usage: "Accept resumable uploads from signed clients and persist them to content-addressed storage",
		Flags: append([]cli.Flag{flags.ConfigFlag}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := config.Load(cCtx.String(flags.ConfigFlag.Name))
			if err != nil {
				logger.Error("Failed to load configuration", "err", err)
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if cfg.Vault.Address != "" {
				resolver, err := config.NewVaultResolver(cfg.Vault.Address, cfg.Vault.Token)
				if err != nil {
					logger.Error("Failed to create vault client", "err", err)
					return err
				}
				if err := config.ResolveSecrets(ctx, cfg, resolver); err != nil {
					logger.Error("Failed to resolve secrets", "err", err)
					return err
				}
			}

			var verifier interfaces.OwnershipVerifier
			if cfg.Auth.VerifyOwnership {
				verifier, err = ledger.New(ledger.Options{
					Kind:      cfg.Auth.Ledger,
					APIURL:    cfg.Auth.LedgerAPI,
					Timeout:   cfg.Auth.LedgerTimeout,
					CacheSize: cfg.Auth.LedgerCacheSize,
					CacheTTL:  cfg.Auth.LedgerCacheTTL,
				}, logger)
				if err != nil {
					logger.Error("Failed to create ledger client", "err", err)
					return err
				}
			}

			authenticator, err := auth.NewAuthenticator(auth.Config{
				FreshnessWindow: cfg.Auth.FreshnessWindow,
				VerifyOwnership: cfg.Auth.VerifyOwnership,
				APIKeys:         cfg.Auth.APIKeys,
			}, verifier, logger)
			if err != nil {
				logger.Error("Failed to create authenticator", "err", err)
				return err
			}

			backends, err := storage.NewFactory(logger).Build(cfg)
			if err != nil {
				logger.Error("Failed to configure storage backends", "err", err)
				return err
			}

			store := sessions.NewMemoryStore()
			dispatcher := storage.NewDispatcher(backends, store, storage.DispatcherOptions{
				Retry:       storage.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, Delay: cfg.Retry.Delay},
				Parallelism: cfg.Dispatch.Parallelism,
				Workers:     cfg.Dispatch.Workers,
				QueueSize:   cfg.Dispatch.QueueSize,
			}, logger)
			dispatcher.Start(ctx)

			adapter := uploader.NewAdapter(store, dispatcher, cfg.FilesDir, cfg.Upload.EventBuffer, logger)
			go func() {
				if err := adapter.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("Upload adapter stopped", "err", err)
				}
			}()

			var nudger progresshandler.Dispatcher
			if cfg.Progress.SelfHealDispatch {
				nudger = adapter
			}

			handlers := httpserver.Handlers{
				Authenticator: authenticator,
				Sessions:      uploader.NewStagedOwners(store, cfg.FilesDir),
				Progress:      progresshandler.NewHandler(store, nudger, logger),
				GateProgress:  cfg.Auth.GateProgress,
				Download:      downloadhandler.NewHandler(cfg.FilesDir, logger),
			}

			switch cfg.Upload.Mode {
			case config.UploadModeWebhook:
				handlers.Hooks = hookshandler.NewHandler(adapter, authenticator, cfg.Upload.HooksSecret, logger)
				logger.Info("Receiving uploads through tusd webhooks")
			default:
				tus, err := uploader.NewTusSource(uploader.TusOptions{
					Dir:      cfg.FilesDir,
					BasePath: cfg.Upload.BasePath,
					MaxSize:  cfg.Upload.MaxSize,
				}, adapter, logger)
				if err != nil {
					logger.Error("Failed to create upload handler", "err", err)
					return err
				}
				go func() {
					if err := tus.Run(ctx); err != nil && ctx.Err() == nil {
						logger.Error("Upload notifications stopped", "err", err)
					}
				}()
				handlers.Uploads = tus.Handler()
				handlers.UploadBasePath = tus.BasePath()
			}

			sweeper := sessions.NewSweeper(store, cfg.Sessions.Retention, cfg.Sessions.SweepInterval, func(s interfaces.Session) {
				storage.RemoveStagedFile(s.Path, logger)
			}, logger)
			sweeper.Start(ctx)
			defer sweeper.Stop()

			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, cfg.Address(), cfg.RateLimit.RPS), handlers)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			logger.Info("Uploader is running", "port", cfg.Port, "backends", dispatcher.Backends(), "mode", cfg.Upload.Mode)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := dispatcher.Shutdown(shutdownCtx); err != nil {
				logger.Error("Dispatcher shutdown incomplete", "err", err)
			}
			logger.Info("Uploader shutdown complete", "pendingSessions", store.Len())
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(fmt.Errorf("uploader: %w", err))
	}
}
