package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/spf13/cobra"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"flashtransfer/config"
	"flashtransfer/crypto"
	"flashtransfer/discovery"
	"flashtransfer/signaling"
	"flashtransfer/storage"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("env-file", ".env", "optional file with FT_* variables")
	serveCmd.Flags().String("addr", "", "listen address (overrides FT_ADDR)")
	serveCmd.Flags().Bool("advertise", false, "advertise the relay on the local network")
}

// relay is a fully wired signaling server and the resources it owns.
type relay struct {
	server *signaling.Server
	store  *storage.Store
	scope  io.Closer
}

func newRelay(cfg config.ServerConfig, logger *zap.Logger, clk clock.Clock) (*relay, error) {
	store, err := storage.OpenPath(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	secret, err := crypto.EnsureSecret(cfg.SecretPath)
	if err != nil {
		store.Close()
		return nil, err
	}
	tokens, err := crypto.NewTokenIssuer(secret, 0, clk)
	if err != nil {
		store.Close()
		return nil, err
	}

	scope, closer := tally.NewRootScope(tally.ScopeOptions{Prefix: "flashtransfer"}, time.Second)
	exchange, err := signaling.NewExchange(signaling.ExchangeOptions{
		Store:          store,
		Clock:          clk,
		Logger:         logger.Named("exchange"),
		Metrics:        scope,
		OfferTTL:       cfg.OfferTTL,
		ReusableWindow: cfg.ReusableWindow,
	})
	if err != nil {
		closer.Close()
		store.Close()
		return nil, err
	}

	server, err := signaling.NewServer(signaling.ServerOptions{
		Exchange:         exchange,
		Tokens:           tokens,
		Limiter:          signaling.NewLimiter(cfg.RateLimit, cfg.RateWindow, clk),
		AnalyticsLimiter: signaling.NewLimiter(cfg.AnalyticsRateLimit, cfg.RateWindow, clk),
		Logger:           logger.Named("server"),
		Metrics:          scope,
	})
	if err != nil {
		closer.Close()
		store.Close()
		return nil, err
	}

	return &relay{server: server, store: store, scope: closer}, nil
}

func (r *relay) Close() error {
	return errors.Join(r.scope.Close(), r.store.Close())
}

func runServe(cmd *cobra.Command, _ []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.LoadServerConfig(envFile)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	if advertise, _ := cmd.Flags().GetBool("advertise"); advertise {
		cfg.Advertise = true
	}

	logger, err := newLogger(zap.InfoLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	r, err := newRelay(cfg, logger, clock.New())
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warn("relay close error", zap.Error(err))
		}
	}()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workersDone := r.server.StartWorkers(ctx, cfg.CleanupInterval)

	if cfg.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			Instance: cfg.InstanceName,
			Port:     port,
			Logger:   logger.Named("discovery"),
		})
		if err != nil {
			logger.Warn("relay advertisement failed", zap.Error(err))
		} else {
			defer broadcaster.Stop()
		}
	}

	httpServer := &http.Server{
		Handler:           r.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()
	logger.Info("relay listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-serveErr:
		stop()
		<-workersDone
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	<-workersDone
	return nil
}
