package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"traced/federation"
	"traced/server"
)

// runConnect builds a real authorization URL for providerName and follows it
// until the provider's login page answers. The nonce is throwaway.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, providerName string, httpClient *http.Client) error {
	if providerName == "" {
		return errors.New("provider name required")
	}

	providers, err := federation.NewRegistry(cfg.Descriptors()...)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	binding, err := federation.NewBinding()
	if err != nil {
		return err
	}
	builder := federation.NewRedirectBuilder(providers, federation.NewMemoryNonceStore(time.Minute))
	authURL, err := builder.BuildAuthorizationURL(ctx, binding, providerName)
	if err != nil {
		if errors.Is(err, federation.ErrConfiguration) {
			return fmt.Errorf("provider %s not configured (configured: %s)", providerName, strings.Join(providers.IDs(), ", "))
		}
		return err
	}
	logger.Info("connect.start", "provider", providerName, "auth_url", authURL)
	logger.Info("connect.instructions", "provider", providerName, "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		step := len(via) + 1
		logger.Info("connect.redirect", "step", step, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "provider", providerName, "message", "Reached provider login endpoint")
	return nil
}

// validateStartupURLs warns about unreachable providers and catalogue without
// blocking startup.
func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for _, desc := range cfg.Descriptors() {
		target := desc.AuthorizeURL
		if desc.Issuer != "" {
			target = strings.TrimSuffix(desc.Issuer, "/") + "/.well-known/openid-configuration"
		}
		if err := checkReachable(ctx, target); err != nil {
			logger.Warn("provider URL may not be accessible",
				"provider", desc.ID,
				"url", target,
				"error", err,
				"note", "server will continue but authentication may fail")
			continue
		}
		logger.Info("provider URL is accessible", "provider", desc.ID, "url", target)
	}

	if cfg.Catalog.Target != "" {
		if err := checkReachable(ctx, cfg.Catalog.Target); err != nil {
			logger.Warn("catalog backend may not be accessible",
				"target", cfg.Catalog.Target,
				"error", err,
				"note", "server will continue but /api requests may fail")
		}
	}
}

// checkReachable treats any answer below 500 as reachable; a login page or API root
// may well reply 4xx to a bare HEAD.
func checkReachable(ctx context.Context, target string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}
