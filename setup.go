package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"traced/federation"
	"traced/server"
)

const maxSetupAttempts = 3

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runConfigValidate(ctx context.Context, path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	validateStartupURLs(ctx, cfg, logger)
	logger.Info("configuration validation complete", "providers", len(cfg.Descriptors()))
	return nil
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	p := prompter{r: reader, w: out}
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup for the Digital Traces gateway. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := p.askYesNo("Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.ask("Gateway public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.ask("Gateway dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := p.askRequired("Primary public domain (e.g. traces.example.org)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = p.ask("ACME contact email", cfg.Server.TLS.Email)
	}

	for attempt := 0; !cfg.Providers.GitHub.Configured() && !cfg.Providers.SwitchEdu.Configured(); attempt++ {
		if attempt == maxSetupAttempts {
			return server.Config{}, federation.ErrNoProviders
		}
		if p.askYesNo("Enable GitHub sign-in?", true) {
			fmt.Fprintf(out, "Register an OAuth app with callback %s/callback/%s\n", cfg.Server.PublicURL, federation.ProviderGitHub)
			cfg.Providers.GitHub.ClientID = p.askRequired("GitHub OAuth client ID")
			cfg.Providers.GitHub.ClientSecret = p.askRequired("GitHub OAuth client secret")
		}
		if p.askYesNo("Enable SWITCH edu-ID sign-in?", false) {
			fmt.Fprintf(out, "Register an OIDC client with redirect URI %s/callback/%s\n", cfg.Server.PublicURL, federation.ProviderSwitchEdu)
			cfg.Providers.SwitchEdu.ClientID = p.askRequired("SWITCH edu-ID client ID")
			cfg.Providers.SwitchEdu.ClientSecret = p.askRequired("SWITCH edu-ID client secret")
		}
		if !cfg.Providers.GitHub.Configured() && !cfg.Providers.SwitchEdu.Configured() {
			fmt.Fprintln(out, "At least one identity provider is required.")
		}
	}

	cfg.Admins = normalizeList(p.ask("Admin accounts as provider:subject, comma separated", ""), nil)

	switch backend := p.ask("Session backend (memory, sqlite, postgres)", server.BackendMemory); backend {
	case server.BackendSQLite:
		cfg.Sessions.Backend = backend
		cfg.Sessions.DSN = p.ask("SQLite database file", "traced-sessions.db")
	case server.BackendPostgres:
		cfg.Sessions.Backend = backend
		cfg.Sessions.DSN = p.askRequired("Postgres DSN")
	default:
		cfg.Sessions.Backend = server.BackendMemory
	}

	cfg.Catalog.Target = p.ask("Catalogue record service URL (empty to skip)", "")

	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

type prompter struct {
	r *bufio.Reader
	w io.Writer
}

func (p prompter) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(p.w, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.w, "%s: ", prompt)
	}
	input, _ := p.r.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func (p prompter) askRequired(prompt string) string {
	for {
		fmt.Fprintf(p.w, "%s: ", prompt)
		input, err := p.r.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(p.w, "This value is required. Please enter a value.")
	}
}

func (p prompter) askYesNo(prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(p.w, "%s [%s]: ", prompt, defLabel)
		input, err := p.r.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(p.w, "Please enter 'y' or 'n'.")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
