package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"traced/server"
)

const shutdownTimeout = 15 * time.Second

type cli struct {
	configPath string
	logLevel   string
	logger     *slog.Logger
	in         io.Reader
	out        io.Writer
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	c := &cli{in: in, out: out}

	defaultConfig := os.Getenv("TRACED_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "./config.yaml"
	}

	root := &cobra.Command{
		Use:          "traced",
		Short:        "Identity federation gateway for the Digital Traces catalogue",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(c.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", c.logLevel, err)
			}
			c.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfig, "Path to YAML config")
	root.PersistentFlags().StringVarP(&c.logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")

	root.AddCommand(c.serveCmd(), c.connectCmd(), c.configCmd())
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(c.configPath, c.logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, c.logger)
		},
	}
}

func (c *cli) connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <provider>",
		Short: "Check that a provider's authorize endpoint accepts our client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(c.configPath, c.logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := runConnect(ctx, cfg, c.logger, args[0], nil); err != nil {
				c.logger.Error("provider connectivity failed", "provider", args[0], "error", err)
				return err
			}
			c.logger.Info("provider connectivity succeeded", "provider", args[0])
			return nil
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Guided setup that writes a new config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runConfigInit(c.configPath, c.in, c.out, c.logger); err != nil {
				return fmt.Errorf("config init failed: %w", err)
			}
			c.logger.Info("configuration initialized successfully", "path", c.configPath)
			return nil
		},
	}, &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runConfigValidate(cmd.Context(), c.configPath, c.logger); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			c.logger.Info("configuration is valid", "path", c.configPath)
			return nil
		},
	})
	return cmd
}

func runServe(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	shutdownTracing, err := server.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	validateStartupURLs(checkCtx, cfg, logger)
	cancel()

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close()

	handler := app.Routes()
	var servers []*http.Server
	var serveFns []func() error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      45 * time.Second,
		}
		servers = append(servers, srv)
		serveFns = append(serveFns, srv.ListenAndServe)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		minVersion := uint16(tls.VersionTLS12)
		if cfg.Server.TLS.MinVersion == "1.3" {
			minVersion = tls.VersionTLS13
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         &tls.Config{GetCertificate: m.GetCertificate, MinVersion: minVersion},
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      45 * time.Second,
		}
		servers = append(servers, httpRedirect, httpsSrv)
		serveFns = append(serveFns, httpRedirect.ListenAndServe, func() error { return httpsSrv.ListenAndServeTLS("", "") })
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, serve := range serveFns {
		g.Go(func() error {
			if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		logger.Info("server stopped")
		return errors.Join(errs...)
	})
	return g.Wait()
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'traced config init' to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
