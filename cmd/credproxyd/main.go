// Copyright 2026 The Credential Proxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Jython1415/claude-ai-skills/lib/audit"
	"github.com/Jython1415/claude-ai-skills/lib/clock"
	"github.com/Jython1415/claude-ai-skills/lib/credential"
	"github.com/Jython1415/claude-ai-skills/lib/gitbundle"
	"github.com/Jython1415/claude-ai-skills/lib/redact"
	"github.com/Jython1415/claude-ai-skills/lib/session"
	"github.com/Jython1415/claude-ai-skills/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var credentialsPath string
	var auditLogPath string
	var logLevel string

	pflag.StringVar(&configPath, "config", "", "path to YAML config file (optional, defaults apply)")
	pflag.StringVar(&credentialsPath, "credentials", "", "path to credentials file (overrides config)")
	pflag.StringVar(&auditLogPath, "audit-log", "", "path to audit log file (overrides config)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	// Set up structured logging
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", logLevel)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Load configuration; environment overrides are authoritative.
	config, err := proxy.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ApplyEnv(); err != nil {
		return err
	}
	if credentialsPath != "" {
		config.CredentialsPath = credentialsPath
	}
	if auditLogPath != "" {
		config.AuditLogPath = auditLogPath
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	adminKey := os.Getenv("PROXY_SECRET_KEY")
	if adminKey == "" {
		return fmt.Errorf("missing PROXY_SECRET_KEY configuration: set the PROXY_SECRET_KEY environment variable before starting the server")
	}

	auditLog, err := audit.NewLog(config.AuditLogPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	tracker := redact.NewTracker()
	// Never let the admin key itself appear in server logs.
	tracker.Track(adminKey)

	sessions := session.NewStore(session.StoreConfig{
		OnExpired: auditLog.SessionExpired,
		Clock:     clock.Real(),
		Logger:    logger,
	})

	credentials := credential.NewStore(credential.StoreConfig{
		Path:    config.CredentialsPath,
		Tracker: tracker,
		Logger:  logger,
	})
	logger.Info("credential store loaded", "services", len(credentials.ListServices()))

	ghPath := gitbundle.FindGH()
	if ghPath != "" {
		logger.Info("GitHub CLI found", "path", ghPath)
	} else {
		logger.Warn("GitHub CLI (gh) not found, PR and issue creation unavailable")
	}

	handler := proxy.NewHandler(proxy.HandlerConfig{
		AdminKey:    adminKey,
		PublicURL:   config.PublicURL,
		IssueRepo:   config.IssueRepo,
		Sessions:    sessions,
		Credentials: credentials,
		Forwarder: proxy.NewForwarder(proxy.ForwarderConfig{
			Credentials: credentials,
			Tracker:     tracker,
			Client:      &http.Client{Timeout: 60 * time.Second},
			Logger:      logger,
		}),
		Audit:     auditLog,
		Git:       &gitbundle.Runner{Logger: logger, GHPath: ghPath},
		RateLimit: config.RateLimit,
		Logger:    logger,
	})

	server, err := proxy.NewServer(proxy.ServerConfig{
		ListenAddress: config.ListenAddress,
		Handler:       handler,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info("received shutdown signal")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
