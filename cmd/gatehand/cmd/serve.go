package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehand/api"
	"github.com/jmcleod/gatehand/config"
	"github.com/jmcleod/gatehand/hostconfig"
	"github.com/jmcleod/gatehand/idp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the forward-auth server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		if err := applyServeFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, repo, err := openSessionStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		auth, err := idp.Discover(ctx, cfg.IssuerURL, idp.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			CallbackPath: cfg.CallbackPath,
		})
		if err != nil {
			return err
		}

		hosts := hostconfig.NewResolver(hostconfig.NewFileLoader(cfg.HostsDir), cfg.BaseDomain)

		a := api.New(store, auth, hosts,
			api.WithLogger(slog.Default()),
			api.WithInsecureCookies(cfg.InsecureCookies),
			api.WithPaths(api.Paths{
				ForwardAuth: cfg.ForwardAuthPath,
				Callback:    cfg.CallbackPath,
				Logout:      cfg.LogoutPath,
			}),
			api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookAuthHeader),
			api.WithCallbackRateLimit(cfg.CallbackMaxFailures),
			api.WithAlertFunc(func(e api.AlertEvent) {
				slog.Warn("security alert", "type", e.Type, "message", e.Message, "count", e.Count, "reasons", e.Reasons)
			}),
		)
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if cfg.TLSCert != "" {
				err = server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		slog.Info("starting server",
			"listen", cfg.Listen,
			"storage", cfg.Driver(),
			"issuer", cfg.IssuerURL,
			"forward_auth_path", cfg.ForwardAuthPath,
			"sealed_payloads", cfg.SealingKeyHex != "",
		)

		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "Address to listen on (GATEHAND_LISTEN)")
	serveCmd.Flags().String("storage-driver", "", "Session storage: memory, bbolt, sqlite, postgres, redis (STORAGE_DRIVER)")
	serveCmd.Flags().String("storage-path", "", "File path, DSN or URL for the storage driver (STORAGE_PATH)")
	serveCmd.Flags().String("hosts-dir", "", "Directory of per-host YAML files (HOSTS_DIR)")
	serveCmd.Flags().String("base-domain", "", "Domain stripped from forwarded hosts (BASE_DOMAIN)")
	serveCmd.Flags().Bool("insecure-cookies", false, "Drop Secure and __Host- from cookies (INSECURE_COOKIES)")
	serveCmd.Flags().String("tls-cert", "", "Path to TLS certificate file (GATEHAND_TLS_CERT)")
	serveCmd.Flags().String("tls-key", "", "Path to TLS key file (GATEHAND_TLS_KEY)")
}

// applyServeFlags overrides cfg with the flags set on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"listen":         &cfg.Listen,
		"storage-driver": &cfg.StorageDriver,
		"storage-path":   &cfg.StoragePath,
		"hosts-dir":      &cfg.HostsDir,
		"base-domain":    &cfg.BaseDomain,
		"tls-cert":       &cfg.TLSCert,
		"tls-key":        &cfg.TLSKey,
	} {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if flags.Changed("insecure-cookies") {
		v, err := flags.GetBool("insecure-cookies")
		if err != nil {
			return err
		}
		cfg.InsecureCookies = v
	}
	return nil
}
