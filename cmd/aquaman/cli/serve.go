package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tech4242/aquaman/internal/audit"
	"github.com/tech4242/aquaman/internal/log"
	"github.com/tech4242/aquaman/internal/oauth"
	"github.com/tech4242/aquaman/internal/proxy"
	"github.com/tech4242/aquaman/internal/service"
	"github.com/tech4242/aquaman/internal/store"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

var pluginMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the credential proxy daemon",
	Long: `Starts the proxy daemon: binds the configured endpoint, loads the
service registry, opens the credential store and audit log, and serves
until interrupted. With --plugin-mode, a single JSON line with the bound
endpoint is printed to stdout once the daemon is ready.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()

		// An unusable credential backend is fatal: the daemon never
		// starts against a store it cannot read.
		st, err := store.Open(ctx, store.Options{
			Backend:          cfg.Store.Backend,
			Path:             cfg.Store.Path,
			Passphrase:       cfg.Store.Passphrase,
			OnePasswordVault: cfg.Store.OnePasswordVault,
			Vault: store.VaultOptions{
				Address:   cfg.Store.Vault.Address,
				Token:     cfg.Store.Vault.Token,
				Namespace: cfg.Store.Vault.Namespace,
				Mount:     cfg.Store.Vault.Mount,
				Prefix:    cfg.Store.Vault.Prefix,
			},
		})
		if err != nil {
			return fmt.Errorf("credential store unavailable: %w", err)
		}

		auditLog, err := audit.Open(cfg.Audit.Dir)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()

		registry := service.NewRegistry(cfg.ServicesFile)
		tokens := oauth.NewCache(st, oauth.Options{})

		handler := proxy.NewHandler(proxy.HandlerOptions{
			Registry:        registry,
			Store:           st,
			Tokens:          tokens,
			Sink:            auditSink(auditLog),
			AllowedServices: cfg.AllowedServices,
			ClientToken:     cfg.ClientToken,
			UpstreamTimeout: time.Duration(cfg.UpstreamTimeoutSeconds) * time.Second,
			Version:         version,
		})

		srv := proxy.NewServer(handler, proxy.ServerOptions{
			Host:          cfg.Listen.Host,
			Port:          cfg.Listen.Port,
			SocketPath:    cfg.Listen.SocketPath,
			TLSCert:       cfg.Listen.TLSCert,
			TLSKey:        cfg.Listen.TLSKey,
			ShutdownGrace: time.Duration(cfg.ShutdownGraceSeconds) * time.Second,
		})
		if err := srv.Start(); err != nil {
			return err
		}

		if pluginMode {
			if err := srv.WriteReadyLine(os.Stdout, cfg.ClientToken); err != nil {
				log.Warn("writing plugin-mode ready line", "error", err)
			}
		}

		runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error { return registry.Watch(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
		if err := g.Wait(); err != nil {
			log.Warn("background task failed", "error", err)
		}

		log.Info("shutting down")
		return srv.Stop(context.Background())
	},
}

// auditSink adapts the audit log to the pipeline's sink shape. Failures
// are counted and printed to stderr; the HTTP response is never affected.
func auditSink(auditLog *audit.Log) proxy.Sink {
	return func(info proxy.RequestInfo) {
		_, err := auditLog.LogCredentialAccess("proxy", info.ID, audit.CredentialAccess{
			Service:   info.Service,
			Operation: info.Method + " " + info.Path,
			Success:   info.Authenticated && info.Error == "",
			Error:     info.Error,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "audit write failed: %v\n", err)
		}
	}
}

func init() {
	serveCmd.Flags().BoolVar(&pluginMode, "plugin-mode", false, "print a JSON ready line to stdout once listening")
	rootCmd.AddCommand(serveCmd)
}
