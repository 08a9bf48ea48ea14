// Command colorwheel runs the color wheel extension backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/R3E-Network/colorwheel/internal/config"
	"github.com/R3E-Network/colorwheel/internal/logging"
	"github.com/R3E-Network/colorwheel/internal/metrics"
	"github.com/R3E-Network/colorwheel/services/colorwheel"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "colorwheel: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configFile string
		envFile    string
		secret     string
		clientID   string
		host       string
		port       int
		logLevel   string
		logFormat  string
		broadcast  bool
	)

	flagSet := pflag.NewFlagSet("colorwheel", pflag.ContinueOnError)
	flagSet.StringVar(&configFile, "config", "", "path to a YAML config file")
	flagSet.StringVar(&envFile, "env-file", "", "path to a .env file (default: .env when present)")
	flagSet.StringVarP(&secret, "secret", "s", "", "base64 extension secret (env EXT_SECRET)")
	flagSet.StringVarP(&clientID, "client-id", "c", "", "extension client id (env EXT_CLIENT_ID)")
	flagSet.StringVar(&host, "host", "", "listen host (env HOST)")
	flagSet.IntVar(&port, "port", 0, "listen port (env PORT)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (env LOG_LEVEL)")
	flagSet.StringVar(&logFormat, "log-format", "", "log format: text or json (env LOG_FORMAT)")
	flagSet.BoolVar(&broadcast, "broadcast", false, "relay color changes over PubSub (env BROADCAST_ENABLED)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.LoadOptions{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return err
	}

	if flagSet.Changed("secret") {
		cfg.Secret = secret
	}
	if flagSet.Changed("client-id") {
		cfg.ClientID = clientID
	}
	if flagSet.Changed("host") {
		cfg.Host = host
	}
	if flagSet.Changed("port") {
		cfg.Port = port
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if flagSet.Changed("broadcast") {
		cfg.BroadcastEnabled = broadcast
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	secretBytes, err := cfg.SecretBytes()
	if err != nil {
		return err
	}

	logger := logging.New(colorwheel.ServiceID, cfg.LogLevel, cfg.LogFormat)
	m := metrics.New(true)

	svc, err := colorwheel.New(colorwheel.Config{
		Secret:         secretBytes,
		ClientID:       cfg.ClientID,
		Logger:         logger,
		Metrics:        m,
		AllowedOrigins: cfg.AllowedOrigins(),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Broadcast: colorwheel.BroadcastConfig{
			Enabled:  cfg.BroadcastEnabled,
			APIBase:  cfg.BroadcastAPIBase,
			Cooldown: cfg.BroadcastCooldown,
		},
		LimiterCleanupSchedule: cfg.LimiterCleanupSchedule,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsEnabled := cfg.TLSEnabled()
	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server running at %s://%s", scheme, cfg.Addr())
		var serveErr error
		if tlsEnabled {
			serveErr = server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down...")
	case serveErr = <-errCh:
		logger.WithError(serveErr).Error("server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	if err := svc.Stop(); err != nil {
		logger.WithError(err).Warn("service stop error")
	}
	logger.Info("Service stopped")

	return serveErr
}
