package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"

	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/lock"
	"github.com/mattjoyce/hookrelay/internal/log"
	"github.com/mattjoyce/hookrelay/internal/matrix"
	"github.com/mattjoyce/hookrelay/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit with code %d", e.code)
}

func (e exitError) ExitCode() int {
	return e.code
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "hookrelay",
		Short:         "Relay Gogs webhooks into Matrix rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to configuration file or directory (default: discovered)")

	systemCmd := &cobra.Command{
		Use:   "system",
		Short: "Run and inspect the relay process",
	}
	systemCmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the webhook listener",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStart(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report whether a relay holds the configured PID file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStatus(cmd, configPath)
			},
		},
	)

	root.AddCommand(systemCmd, newConfigCmd(&configPath), newVersionCmd())
	return root
}

// resolveConfigPath returns the --config value or a discovered location.
func resolveConfigPath(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	discovered, err := config.DiscoverConfigPath()
	if err != nil {
		return "", fmt.Errorf("failed to discover config: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Using discovered config: %s\n", discovered)
	return discovered, nil
}

func runStart(cmd *cobra.Command, configFlag string) error {
	configPath, err := resolveConfigPath(cmd, configFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	fingerprint, err := config.Fingerprint(cfg.SourceFiles)
	if err != nil {
		return err
	}
	logger.Info("hookrelay starting",
		"version", version,
		"config", configPath,
		"config_fingerprint", fingerprint,
		"channels", len(cfg.Channels),
	)

	if cfg.Service.PIDFile != "" {
		pidLock, err := lock.Acquire(cfg.Service.PIDFile)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)",
				"path", cfg.Service.PIDFile, "error", err)
			return exitError{code: 1}
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	sender, err := matrix.New(cfg.Matrix, log.Get())
	if err != nil {
		return err
	}

	return runWithSignals(func(ctx context.Context) error {
		loginCtx, cancel := context.WithTimeout(ctx, cfg.Matrix.DeliveryTimeout)
		if err := sender.Login(loginCtx); err != nil {
			// Delivery retries the login on the first message.
			logger.Warn("matrix login failed at startup", "error", err)
		}
		cancel()

		opts, err := tlsOptions(ctx, cfg, logger)
		if err != nil {
			return err
		}

		server := webhook.New(*cfg, sender, log.WithComponent("webhook"), opts...)
		err = server.Start(ctx)
		if errors.Is(err, context.Canceled) {
			logger.Info("hookrelay stopped")
			return nil
		}
		return err
	})
}

// tlsOptions builds the listener TLS setup. With Let's Encrypt an HTTP
// listener on :80 answers ACME challenges until ctx ends.
func tlsOptions(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]webhook.Option, error) {
	if !cfg.TLS.Enabled() {
		logger.Warn("TLS not enabled; terminate TLS in front of the relay in production")
		return nil, nil
	}

	if cfg.TLS.LetsEncrypt {
		if err := os.MkdirAll(cfg.TLS.CacheDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create Let's Encrypt cache directory: %w", err)
		}
		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domains...),
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Email:      cfg.TLS.Email,
		}

		acme := &http.Server{
			Addr:              ":80",
			Handler:           certManager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("starting HTTP server on :80 for ACME challenges")
			if err := acme.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("ACME challenge server failed; certificate issuance may fail", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = acme.Close()
		}()

		logger.Info("TLS via Let's Encrypt", "domains", cfg.TLS.Domains)
		return []webhook.Option{webhook.WithTLS(&tls.Config{
			GetCertificate: certManager.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		})}, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	logger.Info("TLS via certificate files", "cert_file", cfg.TLS.CertFile)
	return []webhook.Option{webhook.WithTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})}, nil
}

func runWithSignals(run func(context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
		return <-errCh
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func runStatus(cmd *cobra.Command, configFlag string) error {
	configPath, err := resolveConfigPath(cmd, configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	if cfg.Service.PIDFile == "" {
		fmt.Fprintln(out, "status: unknown (service.pid_file not configured)")
		return nil
	}

	held, pid, err := lock.Held(cfg.Service.PIDFile)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", cfg.Service.PIDFile, err)
	}
	if !held {
		fmt.Fprintln(out, "status: stopped")
		return exitError{code: 3}
	}
	fmt.Fprintf(out, "status: running (pid %d)\n", pid)
	return nil
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func newVersionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := currentVersionInfo()
			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to render version JSON: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "hookrelay %s\n", info.Version)
			fmt.Fprintf(out, "commit: %s\n", info.Commit)
			fmt.Fprintf(out, "built_at: %s\n", info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output version metadata as JSON")
	return cmd
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, resolvedBuildTime); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
